package notifyqueue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"ngalert/internal/config"
	"ngalert/internal/models"
	"ngalert/internal/notifier"
	"ngalert/test/testutil"
)

const testDLQSubject = "ngalert.alerts.dlq"

func newTestQueueConfig(natsURL string, maxDeliver int) config.AlertmanagerQueueConfig {
	return config.AlertmanagerQueueConfig{
		Enabled:       true,
		URL:           []string{natsURL},
		Stream:        "NGALERT_ALERTS",
		Subject:       "ngalert.alerts",
		ConsumerName:  "ngalert-alerts",
		DeliverGroup:  "ngalert-alerts",
		AckWaitSec:    2,
		NackDelayMS:   10,
		MaxDeliver:    maxDeliver,
		MaxAckPending: 128,
		DLQStream:     "NGALERT_ALERTS_DLQ",
		DLQSubject:    testDLQSubject,
	}
}

func testAlerts(instance string) notifier.PostableAlerts {
	return notifier.PostableAlerts{PostableAlerts: []notifier.PostableAlert{{
		Labels:   models.Labels{"alertname": "HighCPU", "instance": instance},
		StartsAt: time.Unix(1700000000, 0).UTC(),
		EndsAt:   time.Unix(1700000090, 0).UTC(),
	}}}
}

func waitForCallsAtLeast(t *testing.T, timeout time.Duration, counter *int32, min int32) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if atomic.LoadInt32(counter) >= min {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected calls >= %d, got %d", min, atomic.LoadInt32(counter))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestBuildJobIDDeterministic(t *testing.T) {
	t.Parallel()

	both := notifier.PostableAlerts{PostableAlerts: append(testAlerts("a").PostableAlerts, testAlerts("b").PostableAlerts...)}
	reversed := notifier.PostableAlerts{PostableAlerts: append(testAlerts("b").PostableAlerts, testAlerts("a").PostableAlerts...)}

	idA := BuildJobID(1, both)
	if idA == "" {
		t.Fatalf("expected non-empty job id")
	}
	if idB := BuildJobID(1, reversed); idA != idB {
		t.Fatalf("expected order independent ids: %q != %q", idA, idB)
	}
	if BuildJobID(2, both) == idA {
		t.Fatalf("expected org to change job id")
	}
}

type recordingProducer struct {
	mu   sync.Mutex
	jobs []Job
	err  error
}

func (p *recordingProducer) Enqueue(_ context.Context, job Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.jobs = append(p.jobs, job)
	return nil
}

func (p *recordingProducer) Close() error { return nil }

func TestQueuedAlertmanagerEnqueues(t *testing.T) {
	t.Parallel()

	producer := &recordingProducer{}
	am := NewQueuedAlertmanager(7, producer)
	if err := am.PutAlerts(context.Background(), notifier.PostableAlerts{}); err != nil {
		t.Fatalf("empty batch: %v", err)
	}
	if err := am.PutAlerts(context.Background(), testAlerts("a")); err != nil {
		t.Fatalf("put alerts: %v", err)
	}
	if len(producer.jobs) != 1 {
		t.Fatalf("expected one job, got %d", len(producer.jobs))
	}
	job := producer.jobs[0]
	if job.OrgID != 7 || job.ID != BuildJobID(7, testAlerts("a")) || len(job.Alerts.PostableAlerts) != 1 {
		t.Fatalf("unexpected job %+v", job)
	}

	producer.err = errors.New("nats down")
	err := am.PutAlerts(context.Background(), testAlerts("b"))
	var deliveryErr *notifier.DeliveryError
	if !errors.As(err, &deliveryErr) || deliveryErr.OrgID != 7 {
		t.Fatalf("expected delivery error, got %v", err)
	}
}

type staticResolver map[int64]notifier.Alertmanager

func (r staticResolver) AlertmanagerFor(orgID int64) (notifier.Alertmanager, error) {
	am, ok := r[orgID]
	if !ok {
		return nil, &notifier.NoRouteError{OrgID: orgID}
	}
	return am, nil
}

type deadlineAlertmanager struct {
	hasDeadline bool
}

func (a *deadlineAlertmanager) PutAlerts(ctx context.Context, _ notifier.PostableAlerts) error {
	_, a.hasDeadline = ctx.Deadline()
	return nil
}

func (a *deadlineAlertmanager) Stop() {}

func TestDeliverResolvesOrg(t *testing.T) {
	t.Parallel()

	am := &deadlineAlertmanager{}
	handler := Deliver(staticResolver{1: am}, time.Second)

	if err := handler(context.Background(), Job{OrgID: 1, Alerts: testAlerts("a")}); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if !am.hasDeadline {
		t.Fatalf("expected bounded delivery context")
	}
	err := handler(context.Background(), Job{OrgID: 9, Alerts: testAlerts("a")})
	if !IsPermanent(err) || !notifier.IsNoRoute(err) {
		t.Fatalf("expected permanent no-route error, got %v", err)
	}
}

func enqueueTestJob(t *testing.T, producer *NATSProducer) Job {
	t.Helper()
	alerts := testAlerts("a")
	job := Job{ID: BuildJobID(1, alerts), OrgID: 1, Alerts: alerts, CreatedAt: time.Now().UTC()}
	if err := producer.Enqueue(context.Background(), job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return job
}

func subscribeDLQ(t *testing.T, natsURL string) *nats.Subscription {
	t.Helper()
	nc, _ := testutil.ConnectJetStream(t, natsURL)
	sub, err := nc.SubscribeSync(testDLQSubject)
	if err != nil {
		t.Fatalf("subscribe dlq: %v", err)
	}
	if err := nc.Flush(); err != nil {
		t.Fatalf("flush subscribe: %v", err)
	}
	return sub
}

func TestNATSProducerWorkerRedelivery(t *testing.T) {
	if testing.Short() {
		t.Skip("requires nats-server")
	}
	natsURL, stopNATS := testutil.StartLocalNATSServer(t)
	defer stopNATS()

	cfg := newTestQueueConfig(natsURL, 3)
	producer, err := NewNATSProducer(cfg)
	if err != nil {
		t.Fatalf("new producer: %v", err)
	}
	defer func() { _ = producer.Close() }()

	var (
		mu       sync.Mutex
		attempts = map[string]int{}
		doneCh   = make(chan struct{}, 1)
	)
	worker, err := NewNATSWorker(cfg, nil, func(_ context.Context, job Job) error {
		mu.Lock()
		attempts[job.ID]++
		current := attempts[job.ID]
		mu.Unlock()
		if current == 1 {
			return context.DeadlineExceeded
		}
		select {
		case doneCh <- struct{}{}:
		default:
		}
		return nil
	})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	defer func() { _ = worker.Close() }()

	job := enqueueTestJob(t, producer)

	select {
	case <-doneCh:
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout waiting for redelivery success")
	}

	mu.Lock()
	gotAttempts := attempts[job.ID]
	mu.Unlock()
	if gotAttempts < 2 {
		t.Fatalf("expected at least 2 attempts due redelivery, got %d", gotAttempts)
	}
}

func TestNATSWorkerPublishesPermanentErrorToDLQ(t *testing.T) {
	if testing.Short() {
		t.Skip("requires nats-server")
	}
	natsURL, stopNATS := testutil.StartLocalNATSServer(t)
	defer stopNATS()

	cfg := newTestQueueConfig(natsURL, 3)
	cfg.DLQ = true

	producer, err := NewNATSProducer(cfg)
	if err != nil {
		t.Fatalf("new producer: %v", err)
	}
	defer func() { _ = producer.Close() }()

	var calls int32
	worker, err := NewNATSWorker(cfg, nil, func(_ context.Context, _ Job) error {
		atomic.AddInt32(&calls, 1)
		return MarkPermanent(errors.New("alertmanager rejected batch"))
	})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	defer func() { _ = worker.Close() }()

	sub := subscribeDLQ(t, natsURL)
	job := enqueueTestJob(t, producer)

	message, err := sub.NextMsg(5 * time.Second)
	if err != nil {
		t.Fatalf("wait dlq message: %v", err)
	}
	var entry DLQEntry
	if err := json.Unmarshal(message.Data, &entry); err != nil {
		t.Fatalf("decode dlq entry: %v", err)
	}
	if entry.Reason != DLQReasonPermanentError || entry.ID == "" {
		t.Fatalf("unexpected dlq entry: %+v", entry)
	}
	if entry.Job.ID != job.ID || entry.Job.OrgID != 1 {
		t.Fatalf("unexpected dlq job: %+v", entry.Job)
	}
	if entry.Attempts != 1 {
		t.Fatalf("unexpected attempts: %d", entry.Attempts)
	}

	waitForCallsAtLeast(t, time.Second, &calls, 1)
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected single handler call, got %d", got)
	}
}

func TestNATSWorkerPublishesMaxDeliverToDLQ(t *testing.T) {
	if testing.Short() {
		t.Skip("requires nats-server")
	}
	natsURL, stopNATS := testutil.StartLocalNATSServer(t)
	defer stopNATS()

	cfg := newTestQueueConfig(natsURL, 2)
	cfg.AckWaitSec = 1
	cfg.DLQ = true

	producer, err := NewNATSProducer(cfg)
	if err != nil {
		t.Fatalf("new producer: %v", err)
	}
	defer func() { _ = producer.Close() }()

	var calls int32
	worker, err := NewNATSWorker(cfg, nil, func(_ context.Context, _ Job) error {
		atomic.AddInt32(&calls, 1)
		return context.DeadlineExceeded
	})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	defer func() { _ = worker.Close() }()

	sub := subscribeDLQ(t, natsURL)
	job := enqueueTestJob(t, producer)

	message, err := sub.NextMsg(8 * time.Second)
	if err != nil {
		t.Fatalf("wait dlq message: %v", err)
	}
	var entry DLQEntry
	if err := json.Unmarshal(message.Data, &entry); err != nil {
		t.Fatalf("decode dlq entry: %v", err)
	}
	if entry.Reason != DLQReasonMaxDeliverExceeded {
		t.Fatalf("unexpected dlq reason: %s", entry.Reason)
	}
	if entry.Job.ID != job.ID {
		t.Fatalf("unexpected dlq job id: %s", entry.Job.ID)
	}
	if entry.Attempts < 2 {
		t.Fatalf("expected attempts>=2, got %d", entry.Attempts)
	}
	waitForCallsAtLeast(t, time.Second, &calls, 2)
}
