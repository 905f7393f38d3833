// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package upload

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Thermoquad/thermobase/pkg/thermolink"
	"github.com/segmentio/kafka-go"
)

type kafkaMessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink produces one JSON message per packet keyed by node id, so a
// node's packets stay ordered within its partition
type KafkaSink struct {
	writer kafkaMessageWriter
	topic  string
}

// NewKafkaSink creates a writer for topic on brokers
func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}
	return &KafkaSink{writer: w, topic: topic}
}

// Name implements Sink
func (s *KafkaSink) Name() string {
	return "kafka"
}

// Upload implements Sink
func (s *KafkaSink) Upload(ctx context.Context, p *thermolink.SensorPacket) error {
	record := NewRecord(p)
	value, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(record.RadioID),
		Value: value,
		Time:  p.Received,
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write to %s: %w", s.topic, err)
	}
	return nil
}

// Close flushes and closes the writer
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
