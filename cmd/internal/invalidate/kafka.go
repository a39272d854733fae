package invalidate

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"clubhouse/cmd/internal/club"

	"github.com/segmentio/kafka-go"
)

// Topic is the default Kafka topic for invalidation events.
const Topic = "clubhouse.invalidations"

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Event is the Kafka record value.
type Event struct {
	Op     string    `json:"op"`
	ClubID string    `json:"club_id,omitempty"`
	Keys   []string  `json:"keys"`
	TS     time.Time `json:"ts"`
}

// KafkaSink appends each hint to a topic for downstream consumers such as search indexers.
type KafkaSink struct {
	w   messageWriter
	now func() time.Time
}

// NewKafkaSink writes synchronously with all-replica acks; records for one club share a partition.
func NewKafkaSink(brokers []string, topic string) (*KafkaSink, error) {
	if len(brokers) == 0 {
		return nil, errors.New("invalidate: no kafka brokers")
	}
	if topic == "" {
		topic = Topic
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
	return &KafkaSink{w: w, now: time.Now}, nil
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Publish(ctx context.Context, h club.Hints) error {
	value, err := json.Marshal(Event{Op: h.Op, ClubID: h.ClubID, Keys: h.Keys, TS: s.now().UTC()})
	if err != nil {
		return err
	}
	key := h.ClubID
	if key == "" {
		key = "global"
	}
	return s.w.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: value})
}

func (s *KafkaSink) Close() error {
	if s == nil || s.w == nil {
		return nil
	}
	return s.w.Close()
}
