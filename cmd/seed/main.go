package main

import (
	"context"
	"flag"
	"fmt"
	"strconv"
	"strings"
	"time"

	"chargehub/internal/config"
	"chargehub/internal/db"
	"chargehub/internal/logging"
	"chargehub/internal/repo"
	"chargehub/internal/security"
	"chargehub/internal/services"

	"github.com/sirupsen/logrus"
)

func main() {
	code := flag.String("code", "CP-123", "station code")
	name := flag.String("name", "", "display name (defaults to code)")
	secret := flag.String("secret", "", "per-station auth key (stored hashed, empty keeps the current key)")
	connectors := flag.String("connectors", "1", "comma separated connector numbers")
	migrate := flag.Bool("migrate", false, "apply the schema first")
	flag.Parse()

	envErr := config.LoadDotEnv()
	cfg := config.Load()
	log := logging.New(cfg.LogLevel, "text")
	if envErr != nil {
		log.WithError(envErr).Warn(".env not loaded")
	}

	numbers, err := parseConnectors(*connectors)
	if err != nil {
		log.WithError(err).Fatal("invalid -connectors")
	}
	if *name == "" {
		*name = *code
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	d, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.WithError(err).Fatal("database connect failed")
	}
	defer d.Close()
	if *migrate {
		if err := d.Migrate(ctx); err != nil {
			log.WithError(err).Fatal("migration failed")
		}
	}

	var hash string
	if *secret != "" {
		hash = security.HashSecretSHA256(*secret)
	}

	var stationID int64
	err = repo.NewPgTransactor(d.Pool).InTx(ctx, func(tx repo.Store) error {
		id, err := tx.ProvisionStation(ctx, *code, *name, hash)
		if err != nil {
			return err
		}
		stationID = id
		for _, n := range numbers {
			if _, err := services.ResolveConnector(ctx, tx, id, n); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		log.WithError(err).Fatal("seed failed")
	}
	log.WithFields(logrus.Fields{"code": *code, "station_id": stationID, "connectors": numbers, "key_set": hash != ""}).Info("station provisioned")
	fmt.Println("Seeded station:", *code)
}

func parseConnectors(s string) ([]int, error) {
	var out []int
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("bad connector number %q", p)
		}
		out = append(out, n)
	}
	return out, nil
}
