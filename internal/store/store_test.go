package store

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"ngalert/internal/config"
	"ngalert/internal/models"
	"ngalert/test/testutil"
)

// exerciseInstanceStore runs shared lifecycle checks against one backend.
func exerciseInstanceStore(t *testing.T, s InstanceStore) {
	t.Helper()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	first := models.SaveAlertInstanceCommand{
		RuleOrgID:         1,
		RuleUID:           "cpu-high",
		Labels:            models.Labels{"alertname": "CPU", "instance": "a"},
		State:             models.InstanceStatePending,
		LastEvalTime:      now,
		CurrentStateSince: now,
		CurrentStateEnd:   now.Add(3 * time.Minute),
	}
	second := first
	second.Labels = models.Labels{"alertname": "CPU", "instance": "b"}
	second.State = models.InstanceStateNormal
	other := first
	other.RuleUID = "disk-full"

	for _, cmd := range []models.SaveAlertInstanceCommand{first, second, other} {
		if err := s.SaveAlertInstance(ctx, cmd); err != nil {
			t.Fatalf("save instance: %v", err)
		}
	}

	got, err := s.GetAlertInstance(ctx, first.Key())
	if err != nil {
		t.Fatalf("get instance: %v", err)
	}
	if got.CurrentState != models.InstanceStatePending || got.Labels["instance"] != "a" || !got.CurrentStateEnd.Equal(first.CurrentStateEnd) {
		t.Fatalf("unexpected instance %+v", got)
	}

	first.State = models.InstanceStateFiring
	first.StateReason = "threshold"
	first.LastEvalTime = now.Add(time.Minute)
	if err := s.SaveAlertInstance(ctx, first); err != nil {
		t.Fatalf("upsert instance: %v", err)
	}
	got, err = s.GetAlertInstance(ctx, first.Key())
	if err != nil {
		t.Fatalf("get upserted instance: %v", err)
	}
	if got.CurrentState != models.InstanceStateFiring || got.CurrentReason != "threshold" || !got.LastEvalTime.Equal(first.LastEvalTime) {
		t.Fatalf("upsert did not replace row: %+v", got)
	}

	byRule, err := s.ListAlertInstances(ctx, models.ListAlertInstancesQuery{RuleOrgID: 1, RuleUID: "cpu-high"})
	if err != nil {
		t.Fatalf("list by rule: %v", err)
	}
	if len(byRule) != 2 {
		t.Fatalf("expected two instances for rule, got %d", len(byRule))
	}
	firing, err := s.ListAlertInstances(ctx, models.ListAlertInstancesQuery{State: models.InstanceStateFiring})
	if err != nil {
		t.Fatalf("list by state: %v", err)
	}
	if len(firing) != 1 || firing[0].RuleUID != "cpu-high" {
		t.Fatalf("unexpected firing instances %+v", firing)
	}

	if err := s.DeleteAlertInstances(ctx, first.Key(), second.Key()); err != nil {
		t.Fatalf("delete instances: %v", err)
	}
	if _, err := s.GetAlertInstance(ctx, first.Key()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	all, err := s.ListAlertInstances(ctx, models.ListAlertInstancesQuery{})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 1 || all[0].RuleUID != "disk-full" {
		t.Fatalf("unexpected remaining instances %+v", all)
	}
	if err := s.DeleteAlertInstances(ctx, other.Key()); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
}

func TestMemoryStoreLifecycle(t *testing.T) {
	t.Parallel()

	exerciseInstanceStore(t, NewMemoryStore())
}

func TestMemoryStoreRejectsInvalidKey(t *testing.T) {
	t.Parallel()

	err := NewMemoryStore().SaveAlertInstance(context.Background(), models.SaveAlertInstanceCommand{RuleUID: "r"})
	if err == nil {
		t.Fatalf("expected key validation error")
	}
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	cmd := models.SaveAlertInstanceCommand{RuleOrgID: 1, RuleUID: "r", Labels: models.Labels{"a": "1"}, State: models.InstanceStateNormal}
	if err := s.SaveAlertInstance(context.Background(), cmd); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := s.GetAlertInstance(context.Background(), cmd.Key())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	got.Labels["a"] = "mutated"
	again, _ := s.GetAlertInstance(context.Background(), cmd.Key())
	if again.Labels["a"] != "1" {
		t.Fatalf("store leaked internal labels map")
	}
}

func TestNATSStoreLifecycleIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skip integration test in short mode")
	}

	url, stopNATS := testutil.StartLocalNATSServer(t)
	defer stopNATS()

	s, err := NewNATSStore([]string{url}, config.InstanceStoreConfig{
		Backend:           config.InstanceStoreNATS,
		Bucket:            "ngalert_instances_test",
		AllowCreateBucket: true,
	})
	if err != nil {
		t.Fatalf("new nats store: %v", err)
	}
	defer s.Close()

	exerciseInstanceStore(t, s)
}

func TestNATSStoreMissingBucketWithoutCreate(t *testing.T) {
	if testing.Short() {
		t.Skip("skip integration test in short mode")
	}

	url, stopNATS := testutil.StartLocalNATSServer(t)
	defer stopNATS()

	if _, err := NewNATSStore([]string{url}, config.InstanceStoreConfig{Bucket: "absent"}); err == nil {
		t.Fatalf("expected error for missing bucket")
	}
}

func TestSQLStoreLifecycleIntegration(t *testing.T) {
	backends := []struct {
		backend string
		env     string
	}{
		{backend: config.InstanceStorePostgres, env: "NGALERT_TEST_POSTGRES_DSN"},
		{backend: config.InstanceStoreMySQL, env: "NGALERT_TEST_MYSQL_DSN"},
	}

	for _, tt := range backends {
		tt := tt
		t.Run(tt.backend, func(t *testing.T) {
			dsn := os.Getenv(tt.env)
			if dsn == "" {
				t.Skipf("%s is not set", tt.env)
			}
			s, err := OpenSQL(context.Background(), tt.backend, dsn)
			if err != nil {
				t.Fatalf("open sql store: %v", err)
			}
			defer s.Close()
			if err := s.Migrate(context.Background()); err != nil {
				t.Fatalf("migrate: %v", err)
			}
			exerciseInstanceStore(t, s)
		})
	}
}

func TestSQLStoreDialects(t *testing.T) {
	t.Parallel()

	pg := NewSQLStore(nil, config.InstanceStorePostgres)
	if got := pg.rebind("a = ? AND b = ?"); got != "a = $1 AND b = $2" {
		t.Fatalf("unexpected postgres rebind %q", got)
	}
	if !strings.Contains(pg.upsertSQL(), "ON CONFLICT (rule_org_id, rule_uid, labels_hash)") {
		t.Fatalf("postgres upsert must use ON CONFLICT")
	}

	my := NewSQLStore(nil, config.InstanceStoreMySQL)
	if got := my.rebind("a = ?"); got != "a = ?" {
		t.Fatalf("mysql rebind must keep placeholders, got %q", got)
	}
	if !strings.Contains(my.upsertSQL(), "ON DUPLICATE KEY UPDATE") {
		t.Fatalf("mysql upsert must use ON DUPLICATE KEY UPDATE")
	}

	if _, err := OpenSQL(context.Background(), "sqlite", "file::memory:"); err == nil {
		t.Fatalf("expected unsupported backend error")
	}
}

func TestPersistenceErrorUnwrap(t *testing.T) {
	t.Parallel()

	cause := errors.New("disk full")
	err := error(&PersistenceError{Key: models.AlertInstanceKey{RuleOrgID: 1, RuleUID: "r", LabelsHash: "h"}, Err: cause})
	if !errors.Is(err, cause) || !strings.Contains(err.Error(), "1.r.h") {
		t.Fatalf("unexpected persistence error %v", err)
	}
}
