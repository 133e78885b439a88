package notifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"sync"

	"ngalert/internal/config"
	"ngalert/internal/logging"
)

// Factory builds alertmanager for one organization.
type Factory func(cfg config.OrgAlertmanagerConfig) (Alertmanager, error)

// HTTPFactory builds direct HTTP alertmanager clients.
// Params: logger for created clients.
// Returns: factory.
func HTTPFactory(logger *slog.Logger) Factory {
	return func(cfg config.OrgAlertmanagerConfig) (Alertmanager, error) {
		return NewHTTPAlertmanager(cfg, logger)
	}
}

type orgEntry struct {
	cfg config.OrgAlertmanagerConfig
	am  Alertmanager
}

// MultiOrgAlertmanager is keyed registry of per-organization alertmanagers.
// Params: factory used on config apply.
// Returns: resolver for dispatcher.
type MultiOrgAlertmanager struct {
	mu      sync.RWMutex
	factory Factory
	orgs    map[int64]orgEntry
	logger  *slog.Logger
}

// NewMultiOrgAlertmanager creates empty registry.
// Params: per-org factory and logger.
// Returns: registry without organizations.
func NewMultiOrgAlertmanager(factory Factory, logger *slog.Logger) *MultiOrgAlertmanager {
	return &MultiOrgAlertmanager{
		factory: factory,
		orgs:    make(map[int64]orgEntry),
		logger:  logging.Component(logger, "ngalert.multiorg.alertmanager"),
	}
}

// ApplyConfig syncs registry with organization list.
// Params: org alertmanager settings; orgs missing from list are stopped and removed.
// Returns: joined factory errors; failing orgs keep their previous instance.
func (m *MultiOrgAlertmanager) ApplyConfig(orgs []config.OrgAlertmanagerConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var (
		errs    []error
		desired = make(map[int64]struct{}, len(orgs))
		stopped []Alertmanager
	)
	for _, cfg := range orgs {
		desired[cfg.OrgID] = struct{}{}
		current, exists := m.orgs[cfg.OrgID]
		if exists && reflect.DeepEqual(current.cfg, cfg) {
			continue
		}
		am, err := m.factory(cfg)
		if err != nil {
			errs = append(errs, fmt.Errorf("create alertmanager for org %d: %w", cfg.OrgID, err))
			continue
		}
		if exists {
			stopped = append(stopped, current.am)
			m.logger.Info("alertmanager replaced", "org_id", cfg.OrgID)
		} else {
			m.logger.Info("alertmanager created", "org_id", cfg.OrgID)
		}
		m.orgs[cfg.OrgID] = orgEntry{cfg: cfg, am: am}
	}
	for orgID, entry := range m.orgs {
		if _, ok := desired[orgID]; ok {
			continue
		}
		stopped = append(stopped, entry.am)
		delete(m.orgs, orgID)
		m.logger.Info("alertmanager removed", "org_id", orgID)
	}
	for _, am := range stopped {
		am.Stop()
	}
	return errors.Join(errs...)
}

// AlertmanagerFor resolves organization alertmanager.
// Params: org id.
// Returns: alertmanager or NoRouteError when org has none.
func (m *MultiOrgAlertmanager) AlertmanagerFor(orgID int64) (Alertmanager, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.orgs[orgID]
	if !ok {
		return nil, &NoRouteError{OrgID: orgID}
	}
	return entry.am, nil
}

// PutAlerts resolves org alertmanager and pushes batch.
// Params: ctx, org id, alerts.
// Returns: NoRouteError, DeliveryError or nil.
func (m *MultiOrgAlertmanager) PutAlerts(ctx context.Context, orgID int64, alerts PostableAlerts) error {
	am, err := m.AlertmanagerFor(orgID)
	if err != nil {
		return err
	}
	return am.PutAlerts(ctx, alerts)
}

// Orgs returns configured organization ids in ascending order.
// Params: none.
// Returns: org ids.
func (m *MultiOrgAlertmanager) Orgs() []int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]int64, 0, len(m.orgs))
	for orgID := range m.orgs {
		out = append(out, orgID)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Stop stops and removes every alertmanager.
// Params: none.
// Returns: none.
func (m *MultiOrgAlertmanager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for orgID, entry := range m.orgs {
		entry.am.Stop()
		delete(m.orgs, orgID)
	}
}
