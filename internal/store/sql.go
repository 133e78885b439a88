package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"ngalert/internal/config"
	"ngalert/internal/models"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
)

const (
	pingTimeout = 5 * time.Second

	instanceColumns = "rule_org_id, rule_uid, labels_hash, labels, current_state, current_reason, current_state_since, current_state_end, last_eval_time"
)

// SQLStore persists alert instances in table `alert_instance` on Postgres or MySQL.
// Params: database handle and dialect backend name.
// Returns: relational instance store.
type SQLStore struct {
	db      *sql.DB
	backend string
}

// OpenSQL opens database for backend and verifies connectivity.
// Params: ctx bounds ping; backend is postgres or mysql; dsn is driver DSN.
// Returns: SQL store or connection error.
func OpenSQL(ctx context.Context, backend, dsn string) (*SQLStore, error) {
	driver, err := driverName(backend)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", backend, err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", backend, err)
	}
	return NewSQLStore(db, backend), nil
}

// NewSQLStore wraps existing database handle.
// Params: database handle and backend name.
// Returns: SQL store.
func NewSQLStore(db *sql.DB, backend string) *SQLStore {
	return &SQLStore{db: db, backend: backend}
}

// Migrate creates instance table when absent.
// Params: ctx bounds DDL.
// Returns: DDL error.
func (s *SQLStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, createTableSQL); err != nil {
		return fmt.Errorf("create alert_instance table: %w", err)
	}
	return nil
}

// SaveAlertInstance upserts instance row.
// Params: save command.
// Returns: validation, encode, or exec error.
func (s *SQLStore) SaveAlertInstance(ctx context.Context, cmd models.SaveAlertInstanceCommand) error {
	instance := cmd.Instance()
	if err := instance.AlertInstanceKey.Validate(); err != nil {
		return err
	}
	labels, err := json.Marshal(instance.Labels)
	if err != nil {
		return fmt.Errorf("encode labels: %w", err)
	}

	_, err = s.db.ExecContext(ctx, s.rebind(s.upsertSQL()),
		instance.RuleOrgID,
		instance.RuleUID,
		instance.LabelsHash,
		string(labels),
		string(instance.CurrentState),
		instance.CurrentReason,
		toMillis(instance.CurrentStateSince),
		toMillis(instance.CurrentStateEnd),
		toMillis(instance.LastEvalTime),
	)
	if err != nil {
		return fmt.Errorf("upsert alert instance: %w", err)
	}
	return nil
}

// GetAlertInstance reads one instance row.
// Params: instance key.
// Returns: instance or ErrNotFound.
func (s *SQLStore) GetAlertInstance(ctx context.Context, key models.AlertInstanceKey) (models.AlertInstance, error) {
	row := s.db.QueryRowContext(ctx, s.rebind("SELECT "+instanceColumns+" FROM alert_instance WHERE rule_org_id = ? AND rule_uid = ? AND labels_hash = ?"),
		key.RuleOrgID, key.RuleUID, key.LabelsHash)
	instance, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.AlertInstance{}, ErrNotFound
	}
	if err != nil {
		return models.AlertInstance{}, fmt.Errorf("get alert instance: %w", err)
	}
	return instance, nil
}

// ListAlertInstances lists instances matching query.
// Params: filter query.
// Returns: matching instances ordered by key.
func (s *SQLStore) ListAlertInstances(ctx context.Context, query models.ListAlertInstancesQuery) ([]models.AlertInstance, error) {
	var (
		where []string
		args  []any
	)
	if query.RuleOrgID != 0 {
		where = append(where, "rule_org_id = ?")
		args = append(args, query.RuleOrgID)
	}
	if query.RuleUID != "" {
		where = append(where, "rule_uid = ?")
		args = append(args, query.RuleUID)
	}
	if query.State != "" {
		where = append(where, "current_state = ?")
		args = append(args, string(query.State))
	}

	stmt := "SELECT " + instanceColumns + " FROM alert_instance"
	if len(where) > 0 {
		stmt += " WHERE " + strings.Join(where, " AND ")
	}
	stmt += " ORDER BY rule_org_id, rule_uid, labels_hash"

	rows, err := s.db.QueryContext(ctx, s.rebind(stmt), args...)
	if err != nil {
		return nil, fmt.Errorf("list alert instances: %w", err)
	}
	defer rows.Close()

	var out []models.AlertInstance
	for rows.Next() {
		instance, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan alert instance: %w", err)
		}
		out = append(out, instance)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate alert instances: %w", err)
	}
	return out, nil
}

// DeleteAlertInstances removes instance rows in one transaction.
// Params: instance keys.
// Returns: tx or exec error.
func (s *SQLStore) DeleteAlertInstances(ctx context.Context, keys ...models.AlertInstanceKey) error {
	if len(keys) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	stmt := s.rebind("DELETE FROM alert_instance WHERE rule_org_id = ? AND rule_uid = ? AND labels_hash = ?")
	for _, key := range keys {
		if _, err := tx.ExecContext(ctx, stmt, key.RuleOrgID, key.RuleUID, key.LabelsHash); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("delete alert instance %s: %w", key.String(), err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete: %w", err)
	}
	return nil
}

// Close closes database handle.
// Params: none.
// Returns: close error.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// upsertSQL returns dialect-specific upsert statement with `?` placeholders.
func (s *SQLStore) upsertSQL() string {
	insert := "INSERT INTO alert_instance (" + instanceColumns + ") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)"
	if s.backend == config.InstanceStoreMySQL {
		return insert + " ON DUPLICATE KEY UPDATE labels = VALUES(labels), current_state = VALUES(current_state)," +
			" current_reason = VALUES(current_reason), current_state_since = VALUES(current_state_since)," +
			" current_state_end = VALUES(current_state_end), last_eval_time = VALUES(last_eval_time)"
	}
	return insert + " ON CONFLICT (rule_org_id, rule_uid, labels_hash) DO UPDATE SET labels = EXCLUDED.labels," +
		" current_state = EXCLUDED.current_state, current_reason = EXCLUDED.current_reason," +
		" current_state_since = EXCLUDED.current_state_since, current_state_end = EXCLUDED.current_state_end," +
		" last_eval_time = EXCLUDED.last_eval_time"
}

// rebind rewrites `?` placeholders into `$n` for Postgres.
// Params: statement with `?` placeholders.
// Returns: statement in backend placeholder syntax.
func (s *SQLStore) rebind(query string) string {
	if s.backend != config.InstanceStorePostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (models.AlertInstance, error) {
	var (
		instance           models.AlertInstance
		labels, state      string
		since, end, lastEv int64
	)
	if err := row.Scan(
		&instance.RuleOrgID,
		&instance.RuleUID,
		&instance.LabelsHash,
		&labels,
		&state,
		&instance.CurrentReason,
		&since,
		&end,
		&lastEv,
	); err != nil {
		return models.AlertInstance{}, err
	}
	if err := json.Unmarshal([]byte(labels), &instance.Labels); err != nil {
		return models.AlertInstance{}, fmt.Errorf("decode labels: %w", err)
	}
	instance.CurrentState = models.InstanceStateType(state)
	instance.CurrentStateSince = fromMillis(since)
	instance.CurrentStateEnd = fromMillis(end)
	instance.LastEvalTime = fromMillis(lastEv)
	return instance, nil
}

func driverName(backend string) (string, error) {
	switch backend {
	case config.InstanceStorePostgres:
		return "pgx", nil
	case config.InstanceStoreMySQL:
		return "mysql", nil
	default:
		return "", fmt.Errorf("unsupported sql backend %q", backend)
	}
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

const createTableSQL = `CREATE TABLE IF NOT EXISTS alert_instance (
	rule_org_id BIGINT NOT NULL,
	rule_uid VARCHAR(40) NOT NULL,
	labels_hash VARCHAR(64) NOT NULL,
	labels TEXT NOT NULL,
	current_state VARCHAR(16) NOT NULL,
	current_reason VARCHAR(1024) NOT NULL,
	current_state_since BIGINT NOT NULL,
	current_state_end BIGINT NOT NULL,
	last_eval_time BIGINT NOT NULL,
	PRIMARY KEY (rule_org_id, rule_uid, labels_hash)
)`
