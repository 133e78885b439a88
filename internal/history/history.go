package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"ngalert/internal/config"
	"ngalert/internal/logging"
)

// Transition is one state change of an alert instance.
type Transition struct {
	OrgID         int64             `json:"org_id"`
	RuleUID       string            `json:"rule_uid"`
	RuleTitle     string            `json:"rule_title"`
	Labels        map[string]string `json:"labels"`
	Fingerprint   string            `json:"fingerprint"`
	PreviousState string            `json:"previous_state"`
	State         string            `json:"state"`
	Reason        string            `json:"reason,omitempty"`
	EvaluatedAt   time.Time         `json:"evaluated_at"`
}

// Key returns partition key keeping one rule's transitions ordered.
// Params: none.
// Returns: `<org>/<rule_uid>`.
func (t Transition) Key() string {
	return fmt.Sprintf("%d/%s", t.OrgID, t.RuleUID)
}

// Recorder stores state transitions.
type Recorder interface {
	Record(ctx context.Context, transitions []Transition) error
	Close() error
}

// NopRecorder drops every transition.
type NopRecorder struct{}

// Record drops transitions.
// Params: ignored.
// Returns: nil.
func (NopRecorder) Record(context.Context, []Transition) error { return nil }

// Close is a no-op.
// Params: none.
// Returns: nil.
func (NopRecorder) Close() error { return nil }

// messageWriter is the subset of *kafka.Writer used by recorder.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaRecorder publishes transitions as JSON messages keyed by rule.
type KafkaRecorder struct {
	writer messageWriter
	logger *slog.Logger
}

// NewKafkaRecorder creates recorder writing to configured topic.
// Params: kafka history settings and logger.
// Returns: recorder or validation error.
func NewKafkaRecorder(cfg config.KafkaHistoryConfig, logger *slog.Logger) (*KafkaRecorder, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("topic is required")
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: time.Duration(cfg.BatchTimeoutMS) * time.Millisecond,
		RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
	}
	return newKafkaRecorder(writer, logger), nil
}

func newKafkaRecorder(writer messageWriter, logger *slog.Logger) *KafkaRecorder {
	return &KafkaRecorder{writer: writer, logger: logging.Component(logger, "ngalert.history")}
}

// Record publishes transitions in one batch.
// Params: ctx bounds write; transitions to publish.
// Returns: encode or write error.
func (r *KafkaRecorder) Record(ctx context.Context, transitions []Transition) error {
	if len(transitions) == 0 {
		return nil
	}
	messages := make([]kafka.Message, 0, len(transitions))
	for _, transition := range transitions {
		body, err := json.Marshal(transition)
		if err != nil {
			return fmt.Errorf("encode transition: %w", err)
		}
		messages = append(messages, kafka.Message{
			Key:   []byte(transition.Key()),
			Value: body,
			Time:  transition.EvaluatedAt,
		})
	}
	if err := r.writer.WriteMessages(ctx, messages...); err != nil {
		return fmt.Errorf("write transitions: %w", err)
	}
	r.logger.Debug("state transitions recorded", "count", len(messages))
	return nil
}

// Close flushes and closes writer.
// Params: none.
// Returns: close error.
func (r *KafkaRecorder) Close() error {
	return r.writer.Close()
}
