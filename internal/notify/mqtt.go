// Package notify nudges stations over MQTT when a remote command is queued.
// Stations still fetch the command through the poll endpoint.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"chargehub/internal/models"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

const publishTimeout = 5 * time.Second

type Options struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
}

type MQTTNotifier struct {
	client mqtt.Client
	prefix string
	log    logrus.FieldLogger
}

func NewMQTTNotifier(opts Options, log logrus.FieldLogger) (*MQTTNotifier, error) {
	log = log.WithField("component", "mqtt")
	co := mqtt.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetKeepAlive(30 * time.Second).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second)
	if opts.Username != "" {
		co.SetUsername(opts.Username)
		co.SetPassword(opts.Password)
	}
	co.OnConnect = func(mqtt.Client) {
		log.WithField("broker", opts.Broker).Info("mqtt connected")
	}
	co.OnConnectionLost = func(_ mqtt.Client, err error) {
		log.WithError(err).Warn("mqtt connection lost")
	}

	client := mqtt.NewClient(co)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		// connect keeps retrying in the background
		log.WithField("broker", opts.Broker).Warn("mqtt connect still pending")
	} else if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return &MQTTNotifier{client: client, prefix: opts.TopicPrefix, log: log}, nil
}

func (n *MQTTNotifier) CommandQueued(ctx context.Context, stationCode string, cmd models.RemoteCommand) error {
	payload, err := commandPayload(cmd)
	if err != nil {
		return err
	}
	token := n.client.Publish(Topic(n.prefix, stationCode), 1, false, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(publishTimeout):
		return errors.New("mqtt publish timed out")
	}
	return token.Error()
}

func (n *MQTTNotifier) Close() {
	n.client.Disconnect(250)
}

// Topic is <prefix>/<station_code>/commands.
func Topic(prefix, stationCode string) string {
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		return stationCode + "/commands"
	}
	return prefix + "/" + stationCode + "/commands"
}

func commandPayload(cmd models.RemoteCommand) ([]byte, error) {
	return json.Marshal(map[string]any{
		"command_id":   cmd.ID,
		"command":      cmd.Command,
		"connector_id": cmd.ConnectorID,
	})
}
