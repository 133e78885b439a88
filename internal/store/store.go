package store

import (
	"context"
	"errors"
	"fmt"

	"ngalert/internal/models"
)

// ErrNotFound indicates absent alert instance.
var ErrNotFound = errors.New("not found")

// InstanceStore persists alert instance state across evaluation cycles.
// Params: upsert/read/list/delete operations keyed by (org, rule uid, labels hash).
// Returns: backend persistence behavior.
type InstanceStore interface {
	SaveAlertInstance(ctx context.Context, cmd models.SaveAlertInstanceCommand) error
	GetAlertInstance(ctx context.Context, key models.AlertInstanceKey) (models.AlertInstance, error)
	ListAlertInstances(ctx context.Context, query models.ListAlertInstancesQuery) ([]models.AlertInstance, error)
	DeleteAlertInstances(ctx context.Context, keys ...models.AlertInstanceKey) error
	Close() error
}

// PersistenceError is a failed write of one alert instance.
type PersistenceError struct {
	Key models.AlertInstanceKey
	Err error
}

// Error returns message naming the instance key.
// Params: none.
// Returns: error string.
func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist alert instance %s: %v", e.Key.String(), e.Err)
}

// Unwrap exposes store failure cause.
// Params: none.
// Returns: wrapped error.
func (e *PersistenceError) Unwrap() error {
	return e.Err
}
