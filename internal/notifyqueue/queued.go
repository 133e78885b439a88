package notifyqueue

import (
	"context"
	"fmt"
	"time"

	"ngalert/internal/notifier"
)

// QueuedAlertmanager enqueues org batches instead of pushing them inline.
// Params: org id and shared producer.
// Returns: notifier.Alertmanager implementation.
type QueuedAlertmanager struct {
	orgID    int64
	producer Producer
	now      func() time.Time
}

// NewQueuedAlertmanager creates queue-backed alertmanager for one org.
// Params: org id and producer (shared across orgs, not closed by Stop).
// Returns: queued alertmanager.
func NewQueuedAlertmanager(orgID int64, producer Producer) *QueuedAlertmanager {
	return &QueuedAlertmanager{orgID: orgID, producer: producer, now: time.Now}
}

// PutAlerts enqueues batch as one job.
// Params: ctx bounds publish; alerts batch.
// Returns: DeliveryError when enqueue fails.
func (q *QueuedAlertmanager) PutAlerts(ctx context.Context, alerts notifier.PostableAlerts) error {
	if len(alerts.PostableAlerts) == 0 {
		return nil
	}
	job := Job{
		ID:        BuildJobID(q.orgID, alerts),
		OrgID:     q.orgID,
		Alerts:    alerts,
		CreatedAt: q.now().UTC(),
	}
	if err := q.producer.Enqueue(ctx, job); err != nil {
		return &notifier.DeliveryError{OrgID: q.orgID, Err: fmt.Errorf("enqueue alerts: %w", err)}
	}
	return nil
}

// Stop is a no-op; producer lifecycle belongs to its owner.
func (q *QueuedAlertmanager) Stop() {}

// Resolver resolves direct alertmanager of an organization.
type Resolver interface {
	AlertmanagerFor(orgID int64) (notifier.Alertmanager, error)
}

// Deliver returns worker handler that pushes jobs through resolver.
// Params: direct alertmanager resolver and per-job timeout (0 disables).
// Returns: handler; missing routes are marked permanent, delivery errors keep their classification.
func Deliver(resolver Resolver, timeout time.Duration) func(ctx context.Context, job Job) error {
	return func(ctx context.Context, job Job) error {
		am, err := resolver.AlertmanagerFor(job.OrgID)
		if err != nil {
			return MarkPermanent(err)
		}
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		return am.PutAlerts(ctx, job.Alerts)
	}
}
