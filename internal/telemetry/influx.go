// Package telemetry mirrors stored meter samples into InfluxDB.
package telemetry

import (
	"context"
	"strconv"

	"chargehub/internal/models"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

const Measurement = "meter_values"

type InfluxWriter struct {
	Client   influxdb2.Client
	WriteAPI api.WriteAPIBlocking
}

func NewInfluxWriter(url, token, org, bucket string) *InfluxWriter {
	client := influxdb2.NewClient(url, token)
	return &InfluxWriter{
		Client:   client,
		WriteAPI: client.WriteAPIBlocking(org, bucket),
	}
}

func (w *InfluxWriter) Close() {
	if w != nil && w.Client != nil {
		w.Client.Close()
	}
}

func (w *InfluxWriter) WriteSamples(ctx context.Context, stationCode string, connector int, samples []models.MeterSample) error {
	points := buildPoints(stationCode, connector, samples)
	if len(points) == 0 {
		return nil
	}
	return w.WriteAPI.WritePoint(ctx, points...)
}

// buildPoints emits one point per sample that carries at least one parsed value.
func buildPoints(stationCode string, connector int, samples []models.MeterSample) []*write.Point {
	var out []*write.Point
	for _, s := range samples {
		fields := map[string]interface{}{}
		put := func(name string, v *float64) {
			if v != nil {
				fields[name] = *v
			}
		}
		put("energy_kwh", s.EnergyKWh)
		put("power_kw", s.PowerKW)
		put("voltage", s.Voltage)
		put("current", s.Current)
		if len(fields) == 0 {
			continue
		}
		tags := map[string]string{
			"station_code": stationCode,
			"connector":    strconv.Itoa(connector),
			"session_id":   strconv.FormatInt(s.SessionID, 10),
		}
		out = append(out, write.NewPoint(Measurement, tags, fields, s.EventTime))
	}
	return out
}
