package notifyqueue

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"ngalert/internal/notifier"
	"ngalert/internal/permanent"
)

// Job is one queued alert batch for an organization alertmanager.
type Job struct {
	ID        string                  `json:"id"`
	OrgID     int64                   `json:"org_id"`
	Alerts    notifier.PostableAlerts `json:"alerts"`
	CreatedAt time.Time               `json:"created_at"`
}

// DLQReason identifies why a job was moved to dead-letter queue.
type DLQReason string

const (
	// DLQReasonPermanentError marks non-retryable processing failures.
	DLQReasonPermanentError DLQReason = "permanent_error"
	// DLQReasonMaxDeliverExceeded marks retries exhausted by queue max deliver policy.
	DLQReasonMaxDeliverExceeded DLQReason = "max_deliver_exceeded"
)

// DLQEntry is dead-letter payload for failed jobs.
// Params: original job, failure metadata, and delivery counters.
// Returns: persisted DLQ record.
type DLQEntry struct {
	ID            string    `json:"id"`
	Job           Job       `json:"job"`
	Reason        DLQReason `json:"reason"`
	Error         string    `json:"error"`
	Attempts      uint64    `json:"attempts"`
	MaxDeliver    int       `json:"max_deliver"`
	Subject       string    `json:"subject"`
	FailedAt      time.Time `json:"failed_at"`
	OriginalMsgID string    `json:"original_msg_id,omitempty"`
}

// BuildJobID creates deterministic id for one org batch.
// Params: org id and alerts.
// Returns: SHA1 over org, label fingerprints and alert time bounds, independent of batch order.
func BuildJobID(orgID int64, alerts notifier.PostableAlerts) string {
	parts := make([]string, 0, len(alerts.PostableAlerts))
	for _, alert := range alerts.PostableAlerts {
		parts = append(parts, fmt.Sprintf("%s|%d|%d", alert.Labels.Fingerprint(), alert.StartsAt.UnixNano(), alert.EndsAt.UnixNano()))
	}
	sort.Strings(parts)
	sum := sha1.Sum([]byte(fmt.Sprintf("%d#%s", orgID, strings.Join(parts, ";"))))
	return hex.EncodeToString(sum[:])
}

// Producer enqueues alert batches.
type Producer interface {
	Enqueue(ctx context.Context, job Job) error
	Close() error
}

// Worker consumes queued jobs.
type Worker interface {
	Close() error
}

// MarkPermanent wraps error as permanent processing failure.
// Params: source error.
// Returns: wrapped permanent error (or nil when input is nil).
func MarkPermanent(err error) error {
	return permanent.Mark(err)
}

// IsPermanent reports whether error is marked as non-retryable.
// Params: processing error.
// Returns: true when worker must not retry.
func IsPermanent(err error) bool {
	return permanent.Is(err)
}
