// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package upload

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/Thermoquad/thermobase/pkg/thermolink"
	"github.com/cenkalti/backoff/v4"
	paho "github.com/eclipse/paho.mqtt.golang"
)

// MQTTConfig configures the broker connection
type MQTTConfig struct {
	Broker    string
	ClientID  string
	Username  string
	Password  string
	TopicRoot string
	Retries   uint64
}

type mqttPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
}

// MQTTSink publishes each packet as JSON to <root>/<radio_id>/telemetry,
// retained so new subscribers see the latest values
type MQTTSink struct {
	client    mqttPublisher
	topicRoot string
	timeout   time.Duration
	close     func()
}

// DialMQTT connects to the broker, retrying with exponential backoff
func DialMQTT(ctx context.Context, cfg MQTTConfig) (*MQTTSink, error) {
	opts := paho.NewClientOptions().AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 30 * time.Second

	var client paho.Client
	err := backoff.Retry(func() error {
		client = paho.NewClient(opts)
		token := client.Connect()
		token.Wait()
		if err := token.Error(); err != nil {
			log.Printf("mqtt: connect to %s failed: %v", cfg.Broker, err)
			return err
		}
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(bo, cfg.Retries), ctx))
	if err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	log.Printf("mqtt: connected to %s", cfg.Broker)
	sink := newMQTTSink(client, cfg.TopicRoot)
	sink.close = func() { client.Disconnect(250) }
	return sink, nil
}

func newMQTTSink(client mqttPublisher, topicRoot string) *MQTTSink {
	return &MQTTSink{
		client:    client,
		topicRoot: topicRoot,
		timeout:   5 * time.Second,
	}
}

// Name implements Sink
func (s *MQTTSink) Name() string {
	return "mqtt"
}

// Topic returns the telemetry topic of one node
func (s *MQTTSink) Topic(radioID string) string {
	return fmt.Sprintf("%s/%s/telemetry", s.topicRoot, radioID)
}

// Upload implements Sink
func (s *MQTTSink) Upload(ctx context.Context, p *thermolink.SensorPacket) error {
	record := NewRecord(p)
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}

	token := s.client.Publish(s.Topic(record.RadioID), 1, true, payload)
	select {
	case <-token.Done():
	case <-time.After(s.timeout):
		return fmt.Errorf("publish to %s: timed out", s.Topic(record.RadioID))
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %s: %w", s.Topic(record.RadioID), err)
	}
	return nil
}

// Close disconnects from the broker
func (s *MQTTSink) Close() error {
	if s.close != nil {
		s.close()
	}
	return nil
}
