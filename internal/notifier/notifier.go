package notifier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ngalert/internal/models"
)

// ErrNoAlertmanagerForOrg is matched by every NoRouteError.
var ErrNoAlertmanagerForOrg = errors.New("alertmanager does not exist for this organization")

// PostableAlert is wire representation of one firing or resolved alert.
type PostableAlert struct {
	Labels       models.Labels     `json:"labels"`
	Annotations  map[string]string `json:"annotations,omitempty"`
	StartsAt     time.Time         `json:"startsAt,omitempty"`
	EndsAt       time.Time         `json:"endsAt,omitempty"`
	GeneratorURL string            `json:"generatorURL,omitempty"`
}

// PostableAlerts is one batch pushed to an organization alertmanager.
type PostableAlerts struct {
	PostableAlerts []PostableAlert `json:"alerts"`
}

// Alertmanager accepts alert batches of one organization.
type Alertmanager interface {
	PutAlerts(ctx context.Context, alerts PostableAlerts) error
	Stop()
}

// NoRouteError reports organization without configured alertmanager.
type NoRouteError struct {
	OrgID int64
}

// Error returns no-route message with org id.
// Params: none.
// Returns: string representation.
func (e *NoRouteError) Error() string {
	return fmt.Sprintf("org %d: %s", e.OrgID, ErrNoAlertmanagerForOrg.Error())
}

// Is matches ErrNoAlertmanagerForOrg.
func (e *NoRouteError) Is(target error) bool {
	return target == ErrNoAlertmanagerForOrg
}

// Permanent marks no-route failures as non-retryable.
func (e *NoRouteError) Permanent() bool {
	return true
}

// DeliveryError reports rejected or unreachable alertmanager push.
type DeliveryError struct {
	OrgID      int64
	StatusCode int
	Err        error
}

// Error returns delivery failure with status when known.
// Params: none.
// Returns: string representation.
func (e *DeliveryError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("deliver alerts for org %d: status=%d: %v", e.OrgID, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("deliver alerts for org %d: %v", e.OrgID, e.Err)
}

// Unwrap exposes wrapped cause.
func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// IsNoRoute reports whether err means no alertmanager is configured for org.
// Params: candidate error.
// Returns: true for NoRouteError chains.
func IsNoRoute(err error) bool {
	return errors.Is(err, ErrNoAlertmanagerForOrg)
}
