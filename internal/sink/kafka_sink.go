package sink

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"enrichment/internal/model"
)

// DefaultStreamKey is the message key used when KafkaConfig.StreamKey is empty.
const DefaultStreamKey = "enriched-trades"

// MessageWriter is the subset of *kafka.Writer the sink uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig configures the Kafka sink.
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	BatchTimeout time.Duration
	// StreamKey is the key of every message. One key means one partition, so
	// consumers see records in emission order.
	StreamKey string
}

// recordPayload is the JSON value of every published message.
type recordPayload struct {
	TradeID     int64  `json:"tradeId"`
	ProductID   int32  `json:"productId"`
	BrokerID    int32  `json:"brokerId"`
	ProductName string `json:"productName,omitempty"`
	BrokerName  string `json:"brokerName,omitempty"`
	Error       string `json:"error,omitempty"`
}

// KafkaSink publishes records to a Kafka topic. Every message carries the same
// stream key; the trade id travels in a header.
type KafkaSink struct {
	writer MessageWriter
	topic  string
	key    []byte
}

// NewKafkaSink creates a sink publishing to cfg.Topic on cfg.Brokers.
func NewKafkaSink(cfg KafkaConfig) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka sink needs at least one broker address")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka sink needs a topic")
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 10 * time.Millisecond
	}

	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		BatchTimeout:           cfg.BatchTimeout,
		BatchSize:              MaxBatch,
	}

	log.Info().Strs("brokers", cfg.Brokers).Str("topic", cfg.Topic).Msg("kafka sink created")
	return NewKafkaSinkWithWriter(w, cfg.Topic, cfg.StreamKey), nil
}

// NewKafkaSinkWithWriter creates a sink over an existing writer. An empty
// streamKey selects DefaultStreamKey.
func NewKafkaSinkWithWriter(w MessageWriter, topic, streamKey string) *KafkaSink {
	if streamKey == "" {
		streamKey = DefaultStreamKey
	}
	return &KafkaSink{writer: w, topic: topic, key: []byte(streamKey)}
}

func (s *KafkaSink) Write(ctx context.Context, rec model.EnrichedRecord) error {
	msg, err := s.message(rec)
	if err != nil {
		return err
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish record %d to %s: %w", rec.Trade.TradeID, s.topic, err)
	}
	return nil
}

// WriteBatch publishes recs in one produce call. The returned slice holds one
// error per record, nil for the records that were written.
func (s *KafkaSink) WriteBatch(ctx context.Context, recs []model.EnrichedRecord) []error {
	errs := make([]error, len(recs))
	msgs := make([]kafka.Message, 0, len(recs))
	index := make([]int, 0, len(recs)) // message position -> record position
	for i, rec := range recs {
		msg, err := s.message(rec)
		if err != nil {
			errs[i] = err
			continue
		}
		msgs = append(msgs, msg)
		index = append(index, i)
	}
	if len(msgs) == 0 {
		return errs
	}

	err := s.writer.WriteMessages(ctx, msgs...)
	if err == nil {
		return errs
	}

	var perMessage kafka.WriteErrors
	if errors.As(err, &perMessage) && len(perMessage) == len(msgs) {
		for j, werr := range perMessage {
			if werr != nil {
				i := index[j]
				errs[i] = fmt.Errorf("publish record %d to %s: %w", recs[i].Trade.TradeID, s.topic, werr)
			}
		}
		return errs
	}
	for _, i := range index {
		errs[i] = fmt.Errorf("publish record %d to %s: %w", recs[i].Trade.TradeID, s.topic, err)
	}
	return errs
}

func (s *KafkaSink) message(rec model.EnrichedRecord) (kafka.Message, error) {
	payload := recordPayload{
		TradeID:     rec.Trade.TradeID,
		ProductID:   rec.Trade.ProductID,
		BrokerID:    rec.Trade.BrokerID,
		ProductName: rec.ProductName,
		BrokerName:  rec.BrokerName,
	}
	status := "ok"
	if rec.Err != nil {
		payload.Error = rec.Err.Error()
		status = "error"
	}

	value, err := json.Marshal(payload)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal record %d: %w", rec.Trade.TradeID, err)
	}

	return kafka.Message{
		Key:   s.key,
		Value: value,
		Headers: []kafka.Header{
			{Key: "status", Value: []byte(status)},
			{Key: "tradeId", Value: []byte(strconv.FormatInt(rec.Trade.TradeID, 10))},
		},
	}, nil
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
