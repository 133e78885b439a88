package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"ngalert/internal/clock"
	"ngalert/internal/eval"
	"ngalert/internal/history"
	"ngalert/internal/logging"
	"ngalert/internal/metrics"
	"ngalert/internal/models"
	"ngalert/internal/store"
	"ngalert/internal/templatefmt"
)

const (
	// staleAfterIntervals is how many missed intervals make an instance stale.
	staleAfterIntervals = 2
	// activeEndsAtIntervals is how far EndsAt is pushed for active states.
	activeEndsAtIntervals = 3

	reasonKeepLast = "KeepLastState"
	reasonMissing  = "MissingSeries"
)

// ManagerConfig carries collaborators of the state manager.
type ManagerConfig struct {
	Store       store.InstanceStore
	History     history.Recorder
	Metrics     *metrics.Metrics
	Clock       clock.Clock
	ResendDelay time.Duration
	Logger      *slog.Logger
}

// Manager folds evaluation results into per-instance alert state.
// Params: in-memory cache backed by instance store, history recorder, clock.
// Returns: state fold, persistence and stale resolution entrypoints.
type Manager struct {
	cache       *cache
	store       store.InstanceStore
	history     history.Recorder
	metrics     *metrics.Metrics
	clock       clock.Clock
	resendDelay time.Duration
	logger      *slog.Logger
}

// NewManager creates state manager.
// Params: collaborators; nil history, metrics and clock fall back to no-op/real implementations.
// Returns: initialized manager.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Store == nil {
		cfg.Store = store.NewMemoryStore()
	}
	if cfg.History == nil {
		cfg.History = history.NopRecorder{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	return &Manager{
		cache:       newCache(),
		store:       cfg.Store,
		history:     cfg.History,
		metrics:     cfg.Metrics,
		clock:       cfg.Clock,
		resendDelay: cfg.ResendDelay,
		logger:      logging.Component(cfg.Logger, "ngalert.state"),
	}
}

// Now returns manager clock time.
// Params: none.
// Returns: current instant.
func (m *Manager) Now() time.Time {
	return m.clock.Now()
}

// ResendDelay returns minimum delay between repeated sends of an active state.
// Params: none.
// Returns: resend delay.
func (m *Manager) ResendDelay() time.Duration {
	return m.resendDelay
}

// Warm loads every persisted instance into cache.
// Params: ctx bounds store listing.
// Returns: list error.
func (m *Manager) Warm(ctx context.Context) error {
	instances, err := m.store.ListAlertInstances(ctx, models.ListAlertInstancesQuery{})
	if err != nil {
		return fmt.Errorf("list alert instances: %w", err)
	}
	loaded := 0
	for _, instance := range instances {
		s, ok := fromInstance(instance)
		if !ok {
			m.logger.Warn("skip persisted instance with unknown state", "key", instance.AlertInstanceKey.String(), "state", string(instance.CurrentState))
			continue
		}
		m.cache.set(s)
		loaded++
	}
	m.updateGauge()
	m.logger.Info("state cache warmed", "instances", loaded)
	return nil
}

// ProcessEvalResults folds results of one rule evaluation into cached states.
// Params: ctx for store lookups and history, evaluated rule, its results.
// Returns: copies of processed states, one per result.
func (m *Manager) ProcessEvalResults(ctx context.Context, rule models.AlertRule, results eval.Results) []*State {
	processed := make([]*State, 0, len(results))
	transitions := make([]history.Transition, 0)
	for _, result := range results {
		s, previous := m.setNextState(ctx, rule, result)
		if previous != s.State {
			transitions = append(transitions, history.Transition{
				OrgID:         s.OrgID,
				RuleUID:       s.AlertRuleUID,
				RuleTitle:     rule.Title,
				Labels:        s.Labels.Copy(),
				Fingerprint:   s.CacheID,
				PreviousState: previous.String(),
				State:         s.State.String(),
				Reason:        s.StateReason,
				EvaluatedAt:   result.EvaluatedAt,
			})
		}
		processed = append(processed, s)
	}

	if len(transitions) > 0 {
		if err := m.history.Record(ctx, transitions); err != nil {
			m.metrics.HistoryFailures.Inc()
			m.logger.Warn("record state history failed", "rule_uid", rule.UID, "org_id", rule.OrgID, "error", err.Error())
		}
	}
	m.updateGauge()
	return processed
}

// setNextState applies one result to the instance it identifies.
// Params: ctx, rule and result.
// Returns: folded state owned by caller and category before update.
func (m *Manager) setNextState(ctx context.Context, rule models.AlertRule, result eval.Result) (*State, eval.State) {
	ruleLabels, annotations, expandErr := expandTemplates(rule, result)
	labels := ruleLabels.Merge(result.Instance)
	labels[models.AlertNameLabel] = rule.Title
	labels[models.RuleUIDLabel] = rule.UID
	labels[models.NamespaceUIDLabel] = rule.NamespaceUID
	cacheID := labels.Fingerprint()

	s := m.lookup(ctx, rule, cacheID, labels)
	previous := s.State

	s.Labels = labels
	s.Annotations = annotations
	if expandErr != nil {
		s.Annotations[models.TemplateErrorAnnotation] = expandErr.Error()
	}
	s.Resolved = false
	s.Suppressed = false
	s.Error = nil
	s.LastEvaluationTime = result.EvaluatedAt
	s.LatestResult = &Evaluation{
		EvaluationTime:   result.EvaluatedAt,
		EvaluationState:  result.State,
		EvaluationString: result.EvaluationString,
		Values:           result.ValuesFloat(),
	}

	switch result.State {
	case eval.Normal:
		s.resultNormal(result, "")
	case eval.Alerting:
		s.resultAlerting(rule, result, m.activeExtension(rule), "")
	case eval.Error:
		s.resultError(rule, result, m.activeExtension(rule))
	case eval.NoData:
		s.resultNoData(rule, result, m.activeExtension(rule))
	}

	if isActive(previous) && s.State == eval.Normal {
		s.Resolved = true
		s.EndsAt = result.EvaluatedAt
	}

	m.cache.set(s.Copy())
	return s, previous
}

// lookup resolves prior state: cache first, then instance store, else new Normal instance.
// Returns: private state; cached entries are never handed out.
func (m *Manager) lookup(ctx context.Context, rule models.AlertRule, cacheID string, labels models.Labels) *State {
	if cached, ok := m.cache.get(rule.OrgID, rule.UID, cacheID); ok {
		return cached
	}

	key := models.AlertInstanceKey{RuleOrgID: rule.OrgID, RuleUID: rule.UID, LabelsHash: cacheID}
	instance, err := m.store.GetAlertInstance(ctx, key)
	switch {
	case err == nil:
		if restored, ok := fromInstance(instance); ok {
			return restored
		}
	case !errors.Is(err, store.ErrNotFound):
		m.logger.Warn("load alert instance failed", "key", key.String(), "error", err.Error())
	}

	return &State{
		OrgID:        rule.OrgID,
		AlertRuleUID: rule.UID,
		CacheID:      cacheID,
		Labels:       labels,
		Annotations:  map[string]string{},
		State:        eval.Normal,
	}
}

// activeExtension is how far EndsAt reaches past evaluation for active states.
func (m *Manager) activeExtension(rule models.AlertRule) time.Duration {
	extension := activeEndsAtIntervals * rule.Interval()
	if m.resendDelay > extension {
		extension = m.resendDelay
	}
	return extension
}

// resultNormal moves state to Normal; StartsAt is kept for states already Normal.
func (s *State) resultNormal(result eval.Result, reason string) {
	if s.State != eval.Normal {
		s.State = eval.Normal
		s.StartsAt = result.EvaluatedAt
	}
	s.StateReason = reason
	s.EndsAt = result.EvaluatedAt
}

// resultAlerting applies condition-met result honoring rule For.
func (s *State) resultAlerting(rule models.AlertRule, result eval.Result, extension time.Duration, reason string) {
	s.StateReason = reason
	switch s.State {
	case eval.Alerting:
		s.EndsAt = result.EvaluatedAt.Add(extension)
	case eval.Pending:
		if result.EvaluatedAt.Sub(s.StartsAt) >= rule.For {
			s.State = eval.Alerting
			s.StartsAt = result.EvaluatedAt
		}
		s.EndsAt = result.EvaluatedAt.Add(extension)
	default:
		s.StartsAt = result.EvaluatedAt
		s.EndsAt = result.EvaluatedAt.Add(extension)
		if rule.For > 0 {
			s.State = eval.Pending
		} else {
			s.State = eval.Alerting
		}
	}
}

// resultError applies rule execution-error policy.
func (s *State) resultError(rule models.AlertRule, result eval.Result, extension time.Duration) {
	s.Error = result.Error
	policy := rule.ExecErrState
	if policy == "" {
		policy = models.ErrorAlerting
	}
	switch policy {
	case models.ErrorAlerting:
		s.resultAlerting(rule, result, extension, eval.Error.String())
	case models.ErrorError:
		s.setLiteral(eval.Error, result, extension)
		if result.Error != nil {
			s.Annotations[models.ErrorAnnotation] = result.Error.Error()
		}
	case models.ErrorOK:
		s.resultNormal(result, eval.Error.String())
	case models.ErrorKeepLastState:
		s.keepLast(eval.Error)
	}
}

// resultNoData applies rule no-data policy.
func (s *State) resultNoData(rule models.AlertRule, result eval.Result, extension time.Duration) {
	policy := rule.NoDataState
	if policy == "" {
		policy = models.NoDataNoData
	}
	switch policy {
	case models.NoDataAlerting:
		s.resultAlerting(rule, result, extension, eval.NoData.String())
	case models.NoDataNoData:
		s.setLiteral(eval.NoData, result, extension)
	case models.NoDataOK:
		s.resultNormal(result, eval.NoData.String())
	case models.NoDataKeepLastState:
		s.keepLast(eval.NoData)
	}
}

// setLiteral moves state into literal Error or NoData category.
func (s *State) setLiteral(target eval.State, result eval.Result, extension time.Duration) {
	if s.State != target {
		s.State = target
		s.StartsAt = result.EvaluatedAt
	}
	s.StateReason = ""
	s.EndsAt = result.EvaluatedAt.Add(extension)
}

// keepLast freezes category and timestamps; only LastEvaluationTime moves.
func (s *State) keepLast(cause eval.State) {
	s.Suppressed = true
	s.StateReason = cause.String() + " (" + reasonKeepLast + ")"
}

// Persist writes every state to the instance store.
// Params: ctx bounds writes; processed states.
// Returns: joined PersistenceError values, nil when all writes succeed.
func (m *Manager) Persist(ctx context.Context, states []*State) error {
	var errs []error
	for _, s := range states {
		if err := m.store.SaveAlertInstance(ctx, s.SaveCommand()); err != nil {
			perr := &store.PersistenceError{Key: s.Key(), Err: err}
			m.metrics.StoreFailures.Inc()
			m.logger.Error("save alert instance failed",
				"key", s.Key().String(),
				"labels", s.Labels.String(),
				"state", s.State.String(),
				"error", err.Error(),
			)
			errs = append(errs, perr)
		}
	}
	return errors.Join(errs...)
}

// ResolveStale resolves instances of rule missing from recent evaluations.
// Params: ctx for store deletes, rule, current evaluation instant and states folded in this cycle.
// Returns: stale states, Resolved set for those that were active.
func (m *Manager) ResolveStale(ctx context.Context, rule models.AlertRule, evaluatedAt time.Time, processed []*State) []*State {
	threshold := evaluatedAt.Add(-staleAfterIntervals * rule.Interval())
	seen := make(map[string]struct{}, len(processed))
	for _, s := range processed {
		seen[s.CacheID] = struct{}{}
	}
	var (
		stale       []*State
		keys        []models.AlertInstanceKey
		transitions []history.Transition
	)
	for _, s := range m.cache.forRule(rule.OrgID, rule.UID) {
		if _, ok := seen[s.CacheID]; ok {
			continue
		}
		if !s.LastEvaluationTime.Before(threshold) {
			continue
		}
		previous := s.State
		s.Resolved = isActive(previous)
		s.State = eval.Normal
		s.StateReason = reasonMissing
		s.EndsAt = evaluatedAt
		s.Suppressed = false
		m.cache.remove(s.OrgID, s.AlertRuleUID, s.CacheID)
		keys = append(keys, s.Key())
		stale = append(stale, s)
		if previous != eval.Normal {
			transitions = append(transitions, history.Transition{
				OrgID:         s.OrgID,
				RuleUID:       s.AlertRuleUID,
				RuleTitle:     rule.Title,
				Labels:        s.Labels.Copy(),
				Fingerprint:   s.CacheID,
				PreviousState: previous.String(),
				State:         s.State.String(),
				Reason:        reasonMissing,
				EvaluatedAt:   evaluatedAt,
			})
		}
	}
	if len(keys) == 0 {
		return nil
	}

	if err := m.store.DeleteAlertInstances(ctx, keys...); err != nil {
		m.metrics.StoreFailures.Inc()
		m.logger.Error("delete stale alert instances failed", "rule_uid", rule.UID, "org_id", rule.OrgID, "count", len(keys), "error", err.Error())
	}
	if len(transitions) > 0 {
		if err := m.history.Record(ctx, transitions); err != nil {
			m.metrics.HistoryFailures.Inc()
			m.logger.Warn("record state history failed", "rule_uid", rule.UID, "org_id", rule.OrgID, "error", err.Error())
		}
	}
	m.updateGauge()
	m.logger.Debug("stale instances resolved", "rule_uid", rule.UID, "org_id", rule.OrgID, "count", len(stale))
	return stale
}

// MarkSent records delivery instant for cached state.
// Params: delivered state and send instant.
// Returns: none (missing cache entries are ignored).
func (m *Manager) MarkSent(s *State, at time.Time) {
	m.cache.update(s.OrgID, s.AlertRuleUID, s.CacheID, func(cached *State) {
		cached.LastSentAt = at
	})
}

// GetAll returns every cached state of an organization.
// Params: org id.
// Returns: state copies ordered by rule and fingerprint.
func (m *Manager) GetAll(orgID int64) []*State {
	return m.cache.forOrg(orgID)
}

// GetStatesForRuleUID returns cached states of one rule.
// Params: org id and rule uid.
// Returns: state copies ordered by fingerprint.
func (m *Manager) GetStatesForRuleUID(orgID int64, ruleUID string) []*State {
	return m.cache.forRule(orgID, ruleUID)
}

// DeleteRule drops cached and persisted states of removed rule.
// Params: ctx for store delete, org id and rule uid.
// Returns: store delete error.
func (m *Manager) DeleteRule(ctx context.Context, orgID int64, ruleUID string) error {
	removed := m.cache.removeRule(orgID, ruleUID)
	m.updateGauge()
	if len(removed) == 0 {
		return nil
	}
	keys := make([]models.AlertInstanceKey, 0, len(removed))
	for _, s := range removed {
		keys = append(keys, s.Key())
	}
	if err := m.store.DeleteAlertInstances(ctx, keys...); err != nil {
		m.metrics.StoreFailures.Inc()
		return fmt.Errorf("delete rule instances: %w", err)
	}
	return nil
}

func (m *Manager) updateGauge() {
	counts := m.cache.countByState()
	for _, state := range []eval.State{eval.Normal, eval.Alerting, eval.Pending, eval.NoData, eval.Error} {
		m.metrics.AlertInstances.WithLabelValues(state.String()).Set(float64(counts[state]))
	}
}

// expandTemplates renders rule labels and annotations for one result.
// Returns: expanded labels, expanded annotations and joined expansion error.
func expandTemplates(rule models.AlertRule, result eval.Result) (models.Labels, map[string]string, error) {
	data := templatefmt.Data{
		Labels: result.Instance.Merge(models.Labels(rule.Labels)),
		Values: result.ValuesFloat(),
		Value:  result.EvaluationString,
	}
	labels, labelErr := templatefmt.ExpandAll("labels", rule.Labels, data)
	annotations, annotationErr := templatefmt.ExpandAll("annotations", rule.Annotations, data)
	return models.Labels(labels), annotations, errors.Join(labelErr, annotationErr)
}
