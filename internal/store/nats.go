package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"ngalert/internal/config"
	"ngalert/internal/models"

	"github.com/nats-io/nats.go"
)

// NATSStore persists alert instances in a JetStream KV bucket.
// Params: NATS connection and KV bucket handle.
// Returns: KV-backed instance store keyed by `<org>.<rule_uid>.<labels_hash>`.
type NATSStore struct {
	nc *nats.Conn
	kv nats.KeyValue
}

// NewNATSStore opens (or creates) instance bucket and returns NATS store backend.
// Params: NATS server URLs and instance store settings.
// Returns: initialized NATS store or setup error.
func NewNATSStore(urls []string, settings config.InstanceStoreConfig) (*NATSStore, error) {
	nc, err := nats.Connect(strings.Join(urls, ","))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	kv, err := js.KeyValue(settings.Bucket)
	if err != nil {
		if !settings.AllowCreateBucket {
			nc.Close()
			return nil, fmt.Errorf("open instance bucket %q: %w", settings.Bucket, err)
		}
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:      settings.Bucket,
			Description: "ngalert alert instance state",
		})
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("create instance bucket %q: %w", settings.Bucket, err)
		}
	}

	return &NATSStore{nc: nc, kv: kv}, nil
}

// SaveAlertInstance upserts instance row.
// Params: save command.
// Returns: validation, encode, or put error.
func (s *NATSStore) SaveAlertInstance(_ context.Context, cmd models.SaveAlertInstanceCommand) error {
	instance := cmd.Instance()
	if err := instance.AlertInstanceKey.Validate(); err != nil {
		return err
	}
	body, err := json.Marshal(instance)
	if err != nil {
		return fmt.Errorf("encode instance: %w", err)
	}
	if _, err := s.kv.Put(instance.AlertInstanceKey.String(), body); err != nil {
		return fmt.Errorf("put instance: %w", err)
	}
	return nil
}

// GetAlertInstance reads one instance row.
// Params: instance key.
// Returns: instance or ErrNotFound.
func (s *NATSStore) GetAlertInstance(_ context.Context, key models.AlertInstanceKey) (models.AlertInstance, error) {
	entry, err := s.kv.Get(key.String())
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return models.AlertInstance{}, ErrNotFound
		}
		return models.AlertInstance{}, fmt.Errorf("get instance: %w", err)
	}
	return decodeInstance(entry.Value())
}

// ListAlertInstances lists instances matching query by key prefix and payload filters.
// Params: filter query.
// Returns: matching instances ordered by key.
func (s *NATSStore) ListAlertInstances(_ context.Context, query models.ListAlertInstancesQuery) ([]models.AlertInstance, error) {
	keys, err := s.kv.Keys()
	if err != nil {
		if errors.Is(err, nats.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list keys: %w", err)
	}
	sort.Strings(keys)

	prefix := keyPrefix(query)
	out := make([]models.AlertInstance, 0, len(keys))
	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		entry, err := s.kv.Get(key)
		if err != nil {
			if errors.Is(err, nats.ErrKeyNotFound) {
				continue
			}
			return nil, fmt.Errorf("get instance %s: %w", key, err)
		}
		instance, err := decodeInstance(entry.Value())
		if err != nil {
			return nil, err
		}
		if query.Matches(instance) {
			out = append(out, instance)
		}
	}
	return out, nil
}

// DeleteAlertInstances removes instance rows; missing keys are ignored.
// Params: instance keys.
// Returns: first delete error.
func (s *NATSStore) DeleteAlertInstances(_ context.Context, keys ...models.AlertInstanceKey) error {
	for _, key := range keys {
		if err := s.kv.Delete(key.String()); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
			return fmt.Errorf("delete instance %s: %w", key.String(), err)
		}
	}
	return nil
}

// Close closes underlying NATS connection.
// Params: none.
// Returns: nil after connection close.
func (s *NATSStore) Close() error {
	s.nc.Close()
	return nil
}

// keyPrefix narrows key scan when org (and rule) filters are set.
// Params: list query.
// Returns: dotted key prefix, empty for full scan.
func keyPrefix(query models.ListAlertInstancesQuery) string {
	if query.RuleOrgID == 0 {
		return ""
	}
	prefix := fmt.Sprintf("%d.", query.RuleOrgID)
	if query.RuleUID != "" {
		prefix += query.RuleUID + "."
	}
	return prefix
}

func decodeInstance(body []byte) (models.AlertInstance, error) {
	var instance models.AlertInstance
	if err := json.Unmarshal(body, &instance); err != nil {
		return models.AlertInstance{}, fmt.Errorf("decode instance: %w", err)
	}
	return instance, nil
}
