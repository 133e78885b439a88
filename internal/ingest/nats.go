package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"ngalert/internal/api"
	"ngalert/internal/config"
	"ngalert/internal/logging"
	"ngalert/internal/notifier"
)

// NATSSubscriber consumes process requests via JetStream queue consumer and forwards to processor.
// Params: NATS connection, JetStream queue subscription, and processor.
// Returns: NATS ingest lifecycle handle.
type NATSSubscriber struct {
	nc        *nats.Conn
	sub       *nats.Subscription
	processor api.Processor
	nackDelay time.Duration
	logger    *slog.Logger
}

// NewNATSSubscriber creates JetStream queue consumer for process requests.
// Params: ingest NATS config, processor, and optional logger.
// Returns: started subscriber or initialization error.
func NewNATSSubscriber(cfg config.NATSIngestConfig, processor api.Processor, logger *slog.Logger) (*NATSSubscriber, error) {
	nc, err := nats.Connect(strings.Join(cfg.URL, ","))
	if err != nil {
		return nil, fmt.Errorf("connect nats ingest: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init for ingest: %w", err)
	}
	if err := ensureStream(js, cfg.Stream, cfg.Subject); err != nil {
		nc.Close()
		return nil, err
	}

	subscriber := &NATSSubscriber{
		nc:        nc,
		processor: processor,
		nackDelay: time.Duration(cfg.NackDelayMS) * time.Millisecond,
		logger:    logging.Component(logger, "ngalert.ingest"),
	}
	subOpts := []nats.SubOpt{
		nats.BindStream(cfg.Stream),
		nats.Durable(cfg.ConsumerName),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.AckWait(time.Duration(cfg.AckWaitSec) * time.Second),
		nats.MaxDeliver(cfg.MaxDeliver),
		nats.MaxAckPending(cfg.MaxAckPending),
		nats.DeliverAll(),
	}
	sub, err := js.QueueSubscribe(cfg.Subject, cfg.DeliverGroup, subscriber.handleMessage, subOpts...)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("queue subscribe %q/%q: %w", cfg.Subject, cfg.DeliverGroup, err)
	}
	subscriber.sub = sub
	return subscriber, nil
}

func (s *NATSSubscriber) handleMessage(message *nats.Msg) {
	var request api.AlertProcessRequest
	if err := json.Unmarshal(message.Data, &request); err != nil {
		s.logger.Warn("nats ingest decode failed", "subject", message.Subject, "error", err.Error())
		s.ackMessage(message, "decode")
		return
	}

	alerts, err := s.processor.Process(context.Background(), request)
	switch {
	case err == nil:
		s.logger.Debug("nats ingest processed",
			"org_id", request.AlertRule.OrgID,
			"rule_uid", request.AlertRule.UID,
			"alerts", len(alerts.PostableAlerts),
		)
		s.ackMessage(message, "processed")
	case isPermanent(err):
		s.logger.Warn("nats ingest request rejected",
			"org_id", request.AlertRule.OrgID,
			"rule_uid", request.AlertRule.UID,
			"error", err.Error(),
		)
		s.ackMessage(message, "rejected")
	default:
		s.logger.Error("nats ingest process failed",
			"org_id", request.AlertRule.OrgID,
			"rule_uid", request.AlertRule.UID,
			"error", err.Error(),
		)
		s.nackMessage(message, s.nackDelay)
	}
}

// isPermanent reports failures that redelivery cannot fix.
func isPermanent(err error) bool {
	return api.IsRequestError(err) || notifier.IsNoRoute(err)
}

// ackMessage acknowledges processed/invalid message and logs ack failures.
// Params: JetStream message and short reason.
// Returns: none.
func (s *NATSSubscriber) ackMessage(message *nats.Msg, reason string) {
	if message == nil {
		return
	}
	if err := message.Ack(); err != nil {
		s.logger.Warn("nats ingest ack failed", "subject", message.Subject, "reason", reason, "error", err.Error())
	}
}

// nackMessage asks JetStream to redeliver message and logs nack failures.
// Params: JetStream message and optional delay.
// Returns: none.
func (s *NATSSubscriber) nackMessage(message *nats.Msg, delay time.Duration) {
	if message == nil {
		return
	}
	var err error
	if delay > 0 {
		err = message.NakWithDelay(delay)
	} else {
		err = message.Nak()
	}
	if err != nil {
		s.logger.Warn("nats ingest nack failed", "subject", message.Subject, "error", err.Error())
	}
}

// Close stops NATS subscription and closes connection.
// Params: none.
// Returns: close error from subscription drain.
func (s *NATSSubscriber) Close() error {
	if s.sub != nil {
		if err := s.sub.Drain(); err != nil {
			s.nc.Close()
			return err
		}
	}
	s.nc.Close()
	return nil
}

func ensureStream(js nats.JetStreamContext, stream, subject string) error {
	_, err := js.StreamInfo(stream)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("stream info %q: %w", stream, err)
	}
	if _, err := js.AddStream(&nats.StreamConfig{
		Name:      stream,
		Subjects:  []string{subject},
		Retention: nats.WorkQueuePolicy,
		Storage:   nats.FileStorage,
	}); err != nil {
		return fmt.Errorf("create stream %q: %w", stream, err)
	}
	return nil
}
