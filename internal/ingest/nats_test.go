package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ngalert/internal/api"
	"ngalert/internal/config"
	"ngalert/internal/notifier"
	"ngalert/test/testutil"
)

type fakeProcessor struct {
	mu       sync.Mutex
	calls    int32
	failures int32
	err      error
	requests []api.AlertProcessRequest
}

func (f *fakeProcessor) Process(_ context.Context, request api.AlertProcessRequest) (notifier.PostableAlerts, error) {
	call := atomic.AddInt32(&f.calls, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, request)
	if f.err != nil && call <= f.failures {
		return notifier.PostableAlerts{}, f.err
	}
	return notifier.PostableAlerts{}, nil
}

func newTestIngestConfig(natsURL string) config.NATSIngestConfig {
	return config.NATSIngestConfig{
		Enabled:       true,
		URL:           []string{natsURL},
		Stream:        "NGALERT_PROCESS",
		Subject:       "ngalert.process",
		ConsumerName:  "ngalert-process",
		DeliverGroup:  "ngalert-process",
		AckWaitSec:    2,
		NackDelayMS:   10,
		MaxDeliver:    5,
		MaxAckPending: 64,
	}
}

func publish(t *testing.T, natsURL, subject string, payload []byte) {
	t.Helper()
	_, js := testutil.ConnectJetStream(t, natsURL)
	if _, err := js.Publish(subject, payload); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func waitForCalls(t *testing.T, counter *int32, min int32) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for atomic.LoadInt32(counter) < min {
		if time.Now().After(deadline) {
			t.Fatalf("expected calls >= %d, got %d", min, atomic.LoadInt32(counter))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func startSubscriber(t *testing.T, processor api.Processor) (string, config.NATSIngestConfig) {
	t.Helper()
	natsURL, _ := testutil.StartLocalNATSServer(t)
	cfg := newTestIngestConfig(natsURL)
	subscriber, err := NewNATSSubscriber(cfg, processor, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("new subscriber: %v", err)
	}
	t.Cleanup(func() { _ = subscriber.Close() })
	return natsURL, cfg
}

func processPayload(t *testing.T, uid string) []byte {
	t.Helper()
	raw, err := json.Marshal(api.AlertProcessRequest{
		AlertRule:         api.ApiAlertRule{OrgID: 1, UID: uid, Title: "HighCPU"},
		EvaluationResults: []api.ApiEvalResult{{StateName: "Alerting"}},
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return raw
}

func TestNATSSubscriberProcessesRequest(t *testing.T) {
	if testing.Short() {
		t.Skip("requires nats-server")
	}

	processor := &fakeProcessor{}
	natsURL, cfg := startSubscriber(t, processor)
	publish(t, natsURL, cfg.Subject, processPayload(t, "rule-1"))

	waitForCalls(t, &processor.calls, 1)
	processor.mu.Lock()
	defer processor.mu.Unlock()
	if processor.requests[0].AlertRule.UID != "rule-1" || processor.requests[0].EvaluationResults[0].StateName != "Alerting" {
		t.Fatalf("unexpected request %+v", processor.requests[0])
	}
}

func TestNATSSubscriberRedeliversTransientFailure(t *testing.T) {
	if testing.Short() {
		t.Skip("requires nats-server")
	}

	processor := &fakeProcessor{err: errors.New("alertmanager unavailable"), failures: 2}
	natsURL, cfg := startSubscriber(t, processor)
	publish(t, natsURL, cfg.Subject, processPayload(t, "rule-1"))

	waitForCalls(t, &processor.calls, 3)
	time.Sleep(200 * time.Millisecond)
	if got := atomic.LoadInt32(&processor.calls); got != 3 {
		t.Fatalf("expected delivery to stop after success, got %d calls", got)
	}
}

func TestNATSSubscriberAcksPermanentFailures(t *testing.T) {
	if testing.Short() {
		t.Skip("requires nats-server")
	}

	processor := &fakeProcessor{err: &api.RequestError{Err: errors.New("condition is required")}, failures: 100}
	natsURL, cfg := startSubscriber(t, processor)
	publish(t, natsURL, cfg.Subject, []byte("{not json"))
	publish(t, natsURL, cfg.Subject, processPayload(t, "rule-bad"))

	waitForCalls(t, &processor.calls, 1)
	time.Sleep(300 * time.Millisecond)
	if got := atomic.LoadInt32(&processor.calls); got != 1 {
		t.Fatalf("expected rejected request processed once, got %d", got)
	}
}

func TestIsPermanent(t *testing.T) {
	t.Parallel()

	if !isPermanent(&notifier.NoRouteError{OrgID: 3}) {
		t.Fatalf("no route must be permanent")
	}
	if isPermanent(&notifier.DeliveryError{OrgID: 1, StatusCode: 503, Err: errors.New("down")}) {
		t.Fatalf("delivery error must be retried")
	}
}
