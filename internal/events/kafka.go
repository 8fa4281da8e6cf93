package events

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

// KafkaSink publishes mission events to a Kafka topic, keyed by mission id so
// per-mission ordering is preserved within a partition.
type KafkaSink struct {
	writer *kafka.Writer
}

// NewKafkaSink builds a sink writing to the given brokers/topic.
func NewKafkaSink(brokers, topic string) *KafkaSink {
	w := &kafka.Writer{
		Addr:         kafka.TCP(splitBrokers(brokers)...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
		Async:        true, // fire-and-forget: event publication never blocks mission progress
	}
	return &KafkaSink{writer: w}
}

func (s *KafkaSink) Publish(ctx context.Context, ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Str("mission_id", ev.MissionID).Msg("marshal mission event")
		return
	}
	err = s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.MissionID),
		Value: payload,
		Time:  ev.Timestamp,
	})
	if err != nil {
		log.Error().Err(err).Str("mission_id", ev.MissionID).Str("type", string(ev.Type)).Msg("publish mission event")
	}
}

func (s *KafkaSink) Close() error { return s.writer.Close() }

func splitBrokers(brokers string) []string {
	parts := strings.Split(brokers, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
