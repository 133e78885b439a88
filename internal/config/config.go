package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

const (
	defaultServiceName            = "ngalert"
	defaultHTTPListen             = ":8080"
	defaultHealthPath             = "/healthz"
	defaultReadyPath              = "/readyz"
	defaultMetricsPath            = "/metrics"
	defaultMaxBodyBytes           = 4 << 20
	defaultEvaluationTimeoutSec   = 30
	defaultNotificationTimeoutSec = 10
	defaultBaseIntervalSec        = 10
	defaultEvaluationWorkers      = 8
	defaultResendDelaySec         = 60
	defaultReloadSeconds          = 30
	defaultDatasourceTimeoutSec   = 30
	defaultAlertmanagerTimeoutSec = 10
	defaultNATSURL                = "nats://127.0.0.1:4222"
	defaultInstanceBucket         = "ngalert_instances"
	defaultQueueStream            = "NGALERT_ALERTS"
	defaultQueueSubject           = "ngalert.alerts"
	defaultQueueConsumer          = "ngalert-alerts"
	defaultQueueGroup             = "ngalert-delivery"
	defaultQueueDLQStream         = "NGALERT_ALERTS_DLQ"
	defaultQueueDLQSubject        = "ngalert.alerts.dlq"
	defaultIngestStream           = "NGALERT_PROCESS"
	defaultIngestSubject          = "ngalert.process"
	defaultIngestConsumer         = "ngalert-process"
	defaultIngestGroup            = "ngalert-process-workers"
	defaultAckWaitSec             = 30
	defaultNackDelayMS            = 1000
	defaultMaxDeliver             = 5
	defaultMaxAckPending          = 1024
	defaultHistoryBatchTimeoutMS  = 100

	// ServiceModeNATS keeps NATS-backed queue and ingest paths available.
	ServiceModeNATS = "nats"
	// ServiceModeSingle keeps single-instance mode without NATS dependencies.
	ServiceModeSingle = "single"

	// InstanceStoreMemory keeps instance state in process memory.
	InstanceStoreMemory = "memory"
	// InstanceStoreNATS keeps instance state in JetStream KV.
	InstanceStoreNATS = "nats"
	// InstanceStorePostgres keeps instance state in PostgreSQL.
	InstanceStorePostgres = "postgres"
	// InstanceStoreMySQL keeps instance state in MySQL.
	InstanceStoreMySQL = "mysql"

	// DatasourceTypePrometheus identifies Prometheus HTTP API data sources.
	DatasourceTypePrometheus = "prometheus"
)

// Config holds service runtime settings.
// Params: TOML sections from file or merged directory snapshot.
// Returns: validated runtime configuration.
type Config struct {
	Service       ServiceConfig
	Log           LogConfig
	HTTP          HTTPConfig
	Evaluation    EvaluationConfig
	Rules         RulesConfig
	Datasource    []DatasourceConfig
	InstanceStore InstanceStoreConfig
	Alertmanager  AlertmanagerConfig
	NATS          NATSConfig
	Ingest        IngestConfig
	History       HistoryConfig
	Tracing       TracingConfig
}

// rawConfig mirrors TOML model before runtime normalization.
// Params: decoded sections from one TOML source.
// Returns: keyed tables for data sources and alertmanagers.
type rawConfig struct {
	Service       ServiceConfig                  `toml:"service"`
	Log           LogConfig                      `toml:"log"`
	HTTP          HTTPConfig                     `toml:"http"`
	Evaluation    EvaluationConfig               `toml:"evaluation"`
	Rules         RulesConfig                    `toml:"rules"`
	Datasource    map[string]rawDatasourceConfig `toml:"datasource"`
	InstanceStore InstanceStoreConfig            `toml:"instance_store"`
	Alertmanager  rawAlertmanagerConfig          `toml:"alertmanager"`
	NATS          NATSConfig                     `toml:"nats"`
	Ingest        IngestConfig                   `toml:"ingest"`
	History       HistoryConfig                  `toml:"history"`
	Tracing       TracingConfig                  `toml:"tracing"`
}

// ServiceConfig contains process-level settings.
// Params: name, mode, public URL and reload settings.
// Returns: service behavior defaults.
type ServiceConfig struct {
	Name              string `toml:"name"`
	Mode              string `toml:"mode"`
	AppURL            string `toml:"app_url"`
	ReloadEnabled     bool   `toml:"reload_enabled"`
	ReloadIntervalSec int    `toml:"reload_interval_sec"`
}

// HTTPConfig configures API listener and operational endpoints.
// Params: listen address, paths, and body size limit.
// Returns: HTTP server behavior.
type HTTPConfig struct {
	Listen       string `toml:"listen"`
	HealthPath   string `toml:"health_path"`
	ReadyPath    string `toml:"ready_path"`
	MetricsPath  string `toml:"metrics_path"`
	MaxBodyBytes int64  `toml:"max_body_bytes"`
}

// EvaluationConfig bounds evaluation and notification phases.
// Params: independent phase timeouts, scheduler cadence, and worker pool size.
// Returns: evaluation runtime options.
type EvaluationConfig struct {
	TimeoutSec             int `toml:"timeout_sec"`
	NotificationTimeoutSec int `toml:"notification_timeout_sec"`
	BaseIntervalSec        int `toml:"base_interval_sec"`
	Workers                int `toml:"workers"`
	QueueSize              int `toml:"queue_size"`
	ResendDelaySec         int `toml:"resend_delay_sec"`
}

// Timeout returns evaluation phase budget.
// Params: none.
// Returns: evaluation timeout.
func (c EvaluationConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

// NotificationTimeout returns notification phase budget.
// Params: none.
// Returns: notification timeout.
func (c EvaluationConfig) NotificationTimeout() time.Duration {
	return time.Duration(c.NotificationTimeoutSec) * time.Second
}

// BaseInterval returns scheduler tick period.
// Params: none.
// Returns: tick interval.
func (c EvaluationConfig) BaseInterval() time.Duration {
	return time.Duration(c.BaseIntervalSec) * time.Second
}

// ResendDelay returns minimum delay between repeated sends of one active alert.
// Params: none.
// Returns: resend delay.
func (c EvaluationConfig) ResendDelay() time.Duration {
	return time.Duration(c.ResendDelaySec) * time.Second
}

// RulesConfig lists rule provisioning sources.
// Params: YAML file or directory paths.
// Returns: rule loader input.
type RulesConfig struct {
	Paths []string `toml:"paths"`
}

// DatasourceConfig describes one queryable data source.
// Params: uid from `[datasource.<uid>]` key, type, address, and request shaping.
// Returns: data source registry entry.
type DatasourceConfig struct {
	UID        string
	Type       string
	URL        string
	TimeoutSec int
	ForceGet   bool
	Headers    map[string]string
}

// Timeout returns per-request data source timeout.
// Params: none.
// Returns: timeout duration.
func (c DatasourceConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

// rawDatasourceConfig stores one `[datasource.<uid>]` body.
// Params: fields except key-derived uid.
// Returns: intermediate data source body.
type rawDatasourceConfig struct {
	UID        string            `toml:"uid"`
	Type       string            `toml:"type"`
	URL        string            `toml:"url"`
	TimeoutSec int               `toml:"timeout_sec"`
	ForceGet   bool              `toml:"force_get"`
	Headers    map[string]string `toml:"headers"`
}

// InstanceStoreConfig selects persistence backend for alert instances.
// Params: backend name and backend-specific settings.
// Returns: instance store options.
type InstanceStoreConfig struct {
	Backend           string `toml:"backend"`
	DSN               string `toml:"dsn"`
	Bucket            string `toml:"bucket"`
	AllowCreateBucket bool   `toml:"allow_create_bucket"`
	Migrate           bool   `toml:"migrate"`
}

// AlertmanagerConfig describes per-organization downstream alertmanagers.
// Params: org tables and optional async queue.
// Returns: notifier registry input.
type AlertmanagerConfig struct {
	Org   []OrgAlertmanagerConfig
	Queue AlertmanagerQueueConfig
}

// rawAlertmanagerConfig mirrors `[alertmanager]` with keyed org tables.
// Params: org bodies keyed by org id string.
// Returns: intermediate alertmanager section.
type rawAlertmanagerConfig struct {
	Org   map[string]rawOrgAlertmanagerConfig `toml:"org"`
	Queue AlertmanagerQueueConfig             `toml:"queue"`
}

// OrgAlertmanagerConfig is one organization's alertmanager endpoint.
// Params: org id from table key, base URL, timeout, and extra headers.
// Returns: alertmanager client options.
type OrgAlertmanagerConfig struct {
	OrgID      int64
	URL        string
	TimeoutSec int
	Headers    map[string]string
}

// Timeout returns push timeout for this organization.
// Params: none.
// Returns: timeout duration.
func (c OrgAlertmanagerConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

// rawOrgAlertmanagerConfig stores one `[alertmanager.org.<id>]` body.
// Params: fields except key-derived org id.
// Returns: intermediate org alertmanager body.
type rawOrgAlertmanagerConfig struct {
	URL        string            `toml:"url"`
	TimeoutSec int               `toml:"timeout_sec"`
	Headers    map[string]string `toml:"headers"`
}

// AlertmanagerQueueConfig configures JetStream queue in front of alertmanager delivery.
// Params: enable flag, stream routing, and ack/redelivery policy.
// Returns: queue runtime options.
type AlertmanagerQueueConfig struct {
	Enabled       bool     `toml:"enabled"`
	URL           []string `toml:"-"`
	Stream        string   `toml:"stream"`
	Subject       string   `toml:"subject"`
	ConsumerName  string   `toml:"consumer_name"`
	DeliverGroup  string   `toml:"deliver_group"`
	AckWaitSec    int      `toml:"ack_wait_sec"`
	NackDelayMS   int      `toml:"nack_delay_ms"`
	MaxDeliver    int      `toml:"max_deliver"`
	MaxAckPending int      `toml:"max_ack_pending"`
	DLQ           bool     `toml:"dlq"`
	DLQStream     string   `toml:"-"`
	DLQSubject    string   `toml:"-"`
}

// NATSConfig holds shared NATS connection settings.
// Params: server URL list.
// Returns: connection options for store, queue, and ingest.
type NATSConfig struct {
	URL []string `toml:"url"`
}

// IngestConfig defines asynchronous inbound interfaces.
// Params: NATS process-request subscriber.
// Returns: ingest options.
type IngestConfig struct {
	NATS NATSIngestConfig `toml:"nats"`
}

// NATSIngestConfig configures JetStream queue consumer for process requests.
// Params: enable flag, stream routing, workers, and ack policy.
// Returns: ingest subscriber options.
type NATSIngestConfig struct {
	Enabled       bool     `toml:"enabled"`
	URL           []string `toml:"-"`
	Stream        string   `toml:"stream"`
	Subject       string   `toml:"subject"`
	ConsumerName  string   `toml:"consumer_name"`
	DeliverGroup  string   `toml:"deliver_group"`
	AckWaitSec    int      `toml:"ack_wait_sec"`
	NackDelayMS   int      `toml:"nack_delay_ms"`
	MaxDeliver    int      `toml:"max_deliver"`
	MaxAckPending int      `toml:"max_ack_pending"`
}

// HistoryConfig configures state-transition history sinks.
// Params: Kafka writer options.
// Returns: history recorder options.
type HistoryConfig struct {
	Kafka KafkaHistoryConfig `toml:"kafka"`
}

// KafkaHistoryConfig configures Kafka transition publisher.
// Params: brokers, topic, batching, and ack level.
// Returns: Kafka writer options.
type KafkaHistoryConfig struct {
	Enabled        bool     `toml:"enabled"`
	Brokers        []string `toml:"brokers"`
	Topic          string   `toml:"topic"`
	BatchTimeoutMS int      `toml:"batch_timeout_ms"`
	RequiredAcks   int      `toml:"required_acks"`
}

// TracingConfig configures OTLP trace export.
// Params: collector endpoint and reported service version.
// Returns: tracing options (empty endpoint disables export).
type TracingConfig struct {
	OTLPEndpoint   string `toml:"otlp_endpoint"`
	ServiceVersion string `toml:"service_version"`
}

// LogConfig defines console and file log sinks.
// Params: sink sections.
// Returns: logger options.
type LogConfig struct {
	Console LogSinkConfig `toml:"console"`
	File    LogSinkConfig `toml:"file"`
}

// LogSinkConfig defines one log sink.
// Params: enable flag, level, format, and file path.
// Returns: sink options.
type LogSinkConfig struct {
	Enabled bool   `toml:"enabled"`
	Level   string `toml:"level"`
	Format  string `toml:"format"`
	Path    string `toml:"path"`
}

// ConfigSource describes file or directory config source.
// Params: exactly one of file path or directory path.
// Returns: normalized source descriptor.
type ConfigSource struct {
	File string
	Dir  string
}

// FromCLI builds normalized source configuration from input paths.
// Params: optional file and directory arguments.
// Returns: source descriptor or validation error.
func FromCLI(filePath, dirPath string) (ConfigSource, error) {
	filePath = strings.TrimSpace(filePath)
	dirPath = strings.TrimSpace(dirPath)

	if filePath == "" && dirPath == "" {
		return ConfigSource{}, errors.New("either --config-file or --config-dir must be provided")
	}
	if filePath != "" && dirPath != "" {
		return ConfigSource{}, errors.New("config source must be either file or dir")
	}

	if filePath != "" {
		return ConfigSource{File: filePath}, nil
	}
	return ConfigSource{Dir: dirPath}, nil
}

// LoadSnapshot loads and validates configuration from one source.
// Params: source selects file or directory mode.
// Returns: validated config or load/validation error.
func LoadSnapshot(src ConfigSource) (Config, error) {
	var cfg Config
	var err error
	if src.File != "" {
		cfg, err = loadFile(src.File)
	} else {
		cfg, err = loadDir(src.Dir)
	}
	if err != nil {
		return Config{}, err
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ParseAppURL parses configured application URL.
// Params: config snapshot.
// Returns: parsed URL, nil when unset.
func ParseAppURL(cfg Config) (*url.URL, error) {
	raw := strings.TrimSpace(cfg.Service.AppURL)
	if raw == "" {
		return nil, nil
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("service.app_url is invalid: %w", err)
	}
	return parsed, nil
}

// normalizeRawConfig converts raw TOML model to runtime config.
// Params: decoded raw config from file fragment.
// Returns: normalized config snapshot.
func normalizeRawConfig(raw rawConfig) (Config, error) {
	cfg := Config{
		Service:       raw.Service,
		Log:           raw.Log,
		HTTP:          raw.HTTP,
		Evaluation:    raw.Evaluation,
		Rules:         raw.Rules,
		InstanceStore: raw.InstanceStore,
		NATS:          raw.NATS,
		Ingest:        raw.Ingest,
		History:       raw.History,
		Tracing:       raw.Tracing,
	}
	cfg.Alertmanager.Queue = raw.Alertmanager.Queue

	uids := sortedKeys(raw.Datasource)
	for _, uid := range uids {
		body := raw.Datasource[uid]
		if strings.TrimSpace(body.UID) != "" {
			return Config{}, fmt.Errorf("datasource.%s.uid is not supported; use [datasource.%s] key as uid", uid, uid)
		}
		cfg.Datasource = append(cfg.Datasource, DatasourceConfig{
			UID:        uid,
			Type:       body.Type,
			URL:        body.URL,
			TimeoutSec: body.TimeoutSec,
			ForceGet:   body.ForceGet,
			Headers:    body.Headers,
		})
	}

	orgKeys := sortedKeys(raw.Alertmanager.Org)
	for _, key := range orgKeys {
		orgID, err := strconv.ParseInt(strings.TrimSpace(key), 10, 64)
		if err != nil || orgID <= 0 {
			return Config{}, fmt.Errorf("alertmanager.org.%s: org id must be a positive integer", key)
		}
		body := raw.Alertmanager.Org[key]
		cfg.Alertmanager.Org = append(cfg.Alertmanager.Org, OrgAlertmanagerConfig{
			OrgID:      orgID,
			URL:        body.URL,
			TimeoutSec: body.TimeoutSec,
			Headers:    body.Headers,
		})
	}
	return cfg, nil
}

// sortedKeys returns map keys in lexical order.
// Params: keyed TOML tables.
// Returns: sorted key slice.
func sortedKeys[V any](in map[string]V) []string {
	keys := make([]string, 0, len(in))
	for key := range in {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// loadFile reads one TOML configuration file.
// Params: file path to config snapshot.
// Returns: decoded config or read/decode error.
func loadFile(path string) (Config, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %q: %w", path, err)
	}
	var raw rawConfig
	if err := toml.Unmarshal(body, &raw); err != nil {
		return Config{}, fmt.Errorf("decode config file %q: %w", path, err)
	}
	cfg, err := normalizeRawConfig(raw)
	if err != nil {
		return Config{}, fmt.Errorf("decode config file %q: %w", path, err)
	}
	return cfg, nil
}

// loadDir reads and merges TOML files from one directory.
// Params: directory containing config fragments.
// Returns: merged config snapshot or load/decode error.
func loadDir(dir string) (Config, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Config{}, fmt.Errorf("read config dir %q: %w", dir, err)
	}

	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.ToLower(filepath.Ext(name)) != ".toml" {
			continue
		}
		files = append(files, filepath.Join(dir, name))
	}
	if len(files) == 0 {
		return Config{}, fmt.Errorf("no .toml files found in %q", dir)
	}
	sort.Strings(files)

	var merged Config
	for _, file := range files {
		fragment, err := loadFile(file)
		if err != nil {
			return Config{}, err
		}
		mergeConfig(&merged, fragment)
	}
	return merged, nil
}

// mergeConfig overlays source onto destination.
// Params: destination config and next fragment.
// Returns: merged configuration side-effect in dst.
func mergeConfig(dst *Config, src Config) {
	if src.Service != (ServiceConfig{}) {
		dst.Service = src.Service
	}
	if src.Log != (LogConfig{}) {
		dst.Log = src.Log
	}
	if src.HTTP != (HTTPConfig{}) {
		dst.HTTP = src.HTTP
	}
	if src.Evaluation != (EvaluationConfig{}) {
		dst.Evaluation = src.Evaluation
	}
	if len(src.Rules.Paths) > 0 {
		dst.Rules.Paths = append(dst.Rules.Paths, src.Rules.Paths...)
	}
	if len(src.Datasource) > 0 {
		dst.Datasource = append(dst.Datasource, src.Datasource...)
	}
	if src.InstanceStore != (InstanceStoreConfig{}) {
		dst.InstanceStore = src.InstanceStore
	}
	if len(src.Alertmanager.Org) > 0 {
		dst.Alertmanager.Org = append(dst.Alertmanager.Org, src.Alertmanager.Org...)
	}
	if hasQueueConfig(src.Alertmanager.Queue) {
		dst.Alertmanager.Queue = src.Alertmanager.Queue
	}
	if len(src.NATS.URL) > 0 {
		dst.NATS = src.NATS
	}
	if hasIngestConfig(src.Ingest.NATS) {
		dst.Ingest = src.Ingest
	}
	if hasKafkaConfig(src.History.Kafka) {
		dst.History = src.History
	}
	if src.Tracing != (TracingConfig{}) {
		dst.Tracing = src.Tracing
	}
}

// hasQueueConfig reports whether queue fragment sets any field.
// Params: queue section from one fragment.
// Returns: true when section is present.
func hasQueueConfig(cfg AlertmanagerQueueConfig) bool {
	return cfg.Enabled || cfg.DLQ || cfg.Stream != "" || cfg.Subject != "" || cfg.ConsumerName != "" ||
		cfg.DeliverGroup != "" || cfg.AckWaitSec != 0 || cfg.NackDelayMS != 0 || cfg.MaxDeliver != 0 || cfg.MaxAckPending != 0
}

// hasIngestConfig reports whether ingest fragment sets any field.
// Params: NATS ingest section from one fragment.
// Returns: true when section is present.
func hasIngestConfig(cfg NATSIngestConfig) bool {
	return cfg.Enabled || cfg.Stream != "" || cfg.Subject != "" || cfg.ConsumerName != "" || cfg.DeliverGroup != "" ||
		cfg.AckWaitSec != 0 || cfg.NackDelayMS != 0 || cfg.MaxDeliver != 0 || cfg.MaxAckPending != 0
}

// hasKafkaConfig reports whether Kafka fragment sets any field.
// Params: Kafka history section from one fragment.
// Returns: true when section is present.
func hasKafkaConfig(cfg KafkaHistoryConfig) bool {
	return cfg.Enabled || len(cfg.Brokers) > 0 || cfg.Topic != "" || cfg.BatchTimeoutMS != 0 || cfg.RequiredAcks != 0
}

// applyDefaults fills unset fields with runtime defaults.
// Params: mutable config snapshot.
// Returns: defaults applied in place.
func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.Service.Name) == "" {
		cfg.Service.Name = defaultServiceName
	}
	cfg.Service.Mode = NormalizeServiceMode(cfg.Service.Mode)
	if cfg.Service.ReloadIntervalSec <= 0 {
		cfg.Service.ReloadIntervalSec = defaultReloadSeconds
	}

	if cfg.Log.Console.Level == "" {
		cfg.Log.Console.Level = "info"
	}
	if cfg.Log.Console.Format == "" {
		cfg.Log.Console.Format = "line"
	}
	if cfg.Log.File.Level == "" {
		cfg.Log.File.Level = "info"
	}
	if cfg.Log.File.Format == "" {
		cfg.Log.File.Format = "json"
	}
	if !cfg.Log.Console.Enabled && !cfg.Log.File.Enabled {
		cfg.Log.Console.Enabled = true
	}

	if strings.TrimSpace(cfg.HTTP.Listen) == "" {
		cfg.HTTP.Listen = defaultHTTPListen
	}
	if strings.TrimSpace(cfg.HTTP.HealthPath) == "" {
		cfg.HTTP.HealthPath = defaultHealthPath
	}
	if strings.TrimSpace(cfg.HTTP.ReadyPath) == "" {
		cfg.HTTP.ReadyPath = defaultReadyPath
	}
	if strings.TrimSpace(cfg.HTTP.MetricsPath) == "" {
		cfg.HTTP.MetricsPath = defaultMetricsPath
	}
	if cfg.HTTP.MaxBodyBytes <= 0 {
		cfg.HTTP.MaxBodyBytes = defaultMaxBodyBytes
	}

	if cfg.Evaluation.TimeoutSec == 0 {
		cfg.Evaluation.TimeoutSec = defaultEvaluationTimeoutSec
	}
	if cfg.Evaluation.NotificationTimeoutSec == 0 {
		cfg.Evaluation.NotificationTimeoutSec = defaultNotificationTimeoutSec
	}
	if cfg.Evaluation.BaseIntervalSec == 0 {
		cfg.Evaluation.BaseIntervalSec = defaultBaseIntervalSec
	}
	if cfg.Evaluation.Workers == 0 {
		cfg.Evaluation.Workers = defaultEvaluationWorkers
	}
	if cfg.Evaluation.QueueSize == 0 {
		cfg.Evaluation.QueueSize = cfg.Evaluation.Workers * 4
	}
	if cfg.Evaluation.ResendDelaySec == 0 {
		cfg.Evaluation.ResendDelaySec = defaultResendDelaySec
	}

	for i := range cfg.Datasource {
		ds := &cfg.Datasource[i]
		ds.Type = strings.ToLower(strings.TrimSpace(ds.Type))
		if ds.Type == "" {
			ds.Type = DatasourceTypePrometheus
		}
		if ds.TimeoutSec == 0 {
			ds.TimeoutSec = defaultDatasourceTimeoutSec
		}
	}
	for i := range cfg.Alertmanager.Org {
		if cfg.Alertmanager.Org[i].TimeoutSec == 0 {
			cfg.Alertmanager.Org[i].TimeoutSec = defaultAlertmanagerTimeoutSec
		}
	}

	cfg.NATS.URL = normalizeNATSURLs(cfg.NATS.URL)
	if len(cfg.NATS.URL) == 0 {
		cfg.NATS.URL = []string{defaultNATSURL}
	}

	cfg.InstanceStore.Backend = strings.ToLower(strings.TrimSpace(cfg.InstanceStore.Backend))
	if cfg.Service.Mode == ServiceModeSingle {
		// Single mode always disables NATS-dependent paths regardless of user flags.
		if cfg.InstanceStore.Backend == "" || cfg.InstanceStore.Backend == InstanceStoreNATS {
			cfg.InstanceStore.Backend = InstanceStoreMemory
		}
		cfg.Alertmanager.Queue.Enabled = false
		cfg.Alertmanager.Queue.DLQ = false
		cfg.Ingest.NATS.Enabled = false
	} else if cfg.InstanceStore.Backend == "" {
		cfg.InstanceStore.Backend = InstanceStoreNATS
	}
	if cfg.InstanceStore.Bucket == "" {
		cfg.InstanceStore.Bucket = defaultInstanceBucket
	}

	queue := &cfg.Alertmanager.Queue
	queue.URL = cfg.NATS.URL
	fillString(&queue.Stream, defaultQueueStream)
	fillString(&queue.Subject, defaultQueueSubject)
	fillString(&queue.ConsumerName, defaultQueueConsumer)
	fillString(&queue.DeliverGroup, defaultQueueGroup)
	queue.DLQStream = defaultQueueDLQStream
	queue.DLQSubject = defaultQueueDLQSubject
	fillInt(&queue.AckWaitSec, defaultAckWaitSec)
	fillInt(&queue.NackDelayMS, defaultNackDelayMS)
	fillInt(&queue.MaxDeliver, defaultMaxDeliver)
	fillInt(&queue.MaxAckPending, defaultMaxAckPending)

	ingest := &cfg.Ingest.NATS
	ingest.URL = cfg.NATS.URL
	fillString(&ingest.Stream, defaultIngestStream)
	fillString(&ingest.Subject, defaultIngestSubject)
	fillString(&ingest.ConsumerName, defaultIngestConsumer)
	fillString(&ingest.DeliverGroup, defaultIngestGroup)
	fillInt(&ingest.AckWaitSec, defaultAckWaitSec)
	fillInt(&ingest.NackDelayMS, defaultNackDelayMS)
	fillInt(&ingest.MaxDeliver, defaultMaxDeliver)
	fillInt(&ingest.MaxAckPending, defaultMaxAckPending)

	fillInt(&cfg.History.Kafka.BatchTimeoutMS, defaultHistoryBatchTimeoutMS)
	if cfg.History.Kafka.RequiredAcks == 0 {
		cfg.History.Kafka.RequiredAcks = -1
	}
}

func fillString(dst *string, fallback string) {
	if strings.TrimSpace(*dst) == "" {
		*dst = fallback
	}
}

func fillInt(dst *int, fallback int) {
	if *dst == 0 {
		*dst = fallback
	}
}

// validateConfig checks semantic constraints after defaults.
// Params: config snapshot.
// Returns: first validation error.
func validateConfig(cfg Config) error {
	mode := NormalizeServiceMode(cfg.Service.Mode)
	if !IsSupportedServiceMode(mode) {
		return fmt.Errorf("service.mode has unsupported value %q", cfg.Service.Mode)
	}
	if _, err := ParseAppURL(cfg); err != nil {
		return err
	}
	if cfg.Service.ReloadIntervalSec <= 0 {
		return errors.New("service.reload_interval_sec must be >0")
	}
	if strings.TrimSpace(cfg.HTTP.Listen) == "" {
		return errors.New("http.listen is required")
	}
	for name, path := range map[string]string{
		"http.health_path":  cfg.HTTP.HealthPath,
		"http.ready_path":   cfg.HTTP.ReadyPath,
		"http.metrics_path": cfg.HTTP.MetricsPath,
	} {
		if !strings.HasPrefix(path, "/") {
			return fmt.Errorf("%s must start with /", name)
		}
	}

	if cfg.Evaluation.TimeoutSec <= 0 {
		return errors.New("evaluation.timeout_sec must be >0")
	}
	if cfg.Evaluation.NotificationTimeoutSec <= 0 {
		return errors.New("evaluation.notification_timeout_sec must be >0")
	}
	if cfg.Evaluation.BaseIntervalSec <= 0 {
		return errors.New("evaluation.base_interval_sec must be >0")
	}
	if cfg.Evaluation.Workers <= 0 {
		return errors.New("evaluation.workers must be >0")
	}
	if cfg.Evaluation.QueueSize <= 0 {
		return errors.New("evaluation.queue_size must be >0")
	}
	if cfg.Evaluation.ResendDelaySec < 0 {
		return errors.New("evaluation.resend_delay_sec must be >=0")
	}

	seenDatasource := make(map[string]struct{}, len(cfg.Datasource))
	for _, ds := range cfg.Datasource {
		if _, exists := seenDatasource[ds.UID]; exists {
			return fmt.Errorf("datasource.%s is defined more than once", ds.UID)
		}
		seenDatasource[ds.UID] = struct{}{}
		if ds.Type != DatasourceTypePrometheus {
			return fmt.Errorf("datasource.%s.type has unsupported value %q", ds.UID, ds.Type)
		}
		if err := validateHTTPURL("datasource."+ds.UID+".url", ds.URL); err != nil {
			return err
		}
		if ds.TimeoutSec <= 0 {
			return fmt.Errorf("datasource.%s.timeout_sec must be >0", ds.UID)
		}
	}

	seenOrg := make(map[int64]struct{}, len(cfg.Alertmanager.Org))
	for _, org := range cfg.Alertmanager.Org {
		if _, exists := seenOrg[org.OrgID]; exists {
			return fmt.Errorf("alertmanager.org.%d is defined more than once", org.OrgID)
		}
		seenOrg[org.OrgID] = struct{}{}
		if err := validateHTTPURL(fmt.Sprintf("alertmanager.org.%d.url", org.OrgID), org.URL); err != nil {
			return err
		}
		if org.TimeoutSec <= 0 {
			return fmt.Errorf("alertmanager.org.%d.timeout_sec must be >0", org.OrgID)
		}
	}

	switch cfg.InstanceStore.Backend {
	case InstanceStoreMemory:
	case InstanceStoreNATS:
		if mode == ServiceModeSingle {
			return errors.New("instance_store.backend=nats requires service.mode=nats")
		}
		if strings.TrimSpace(cfg.InstanceStore.Bucket) == "" {
			return errors.New("instance_store.bucket is required")
		}
	case InstanceStorePostgres, InstanceStoreMySQL:
		if strings.TrimSpace(cfg.InstanceStore.DSN) == "" {
			return fmt.Errorf("instance_store.dsn is required when instance_store.backend=%s", cfg.InstanceStore.Backend)
		}
	default:
		return fmt.Errorf("instance_store.backend has unsupported value %q", cfg.InstanceStore.Backend)
	}

	for i, raw := range cfg.NATS.URL {
		if strings.TrimSpace(raw) == "" {
			return fmt.Errorf("nats.url[%d] is empty", i)
		}
	}
	if cfg.Alertmanager.Queue.Enabled {
		if err := validateConsumer("alertmanager.queue", cfg.Alertmanager.Queue.AckWaitSec, cfg.Alertmanager.Queue.NackDelayMS, cfg.Alertmanager.Queue.MaxDeliver); err != nil {
			return err
		}
	}
	if cfg.Ingest.NATS.Enabled {
		if err := validateConsumer("ingest.nats", cfg.Ingest.NATS.AckWaitSec, cfg.Ingest.NATS.NackDelayMS, cfg.Ingest.NATS.MaxDeliver); err != nil {
			return err
		}
	}

	if cfg.History.Kafka.Enabled {
		if len(cfg.History.Kafka.Brokers) == 0 {
			return errors.New("history.kafka.brokers is required when history.kafka.enabled=true")
		}
		if strings.TrimSpace(cfg.History.Kafka.Topic) == "" {
			return errors.New("history.kafka.topic is required when history.kafka.enabled=true")
		}
		switch cfg.History.Kafka.RequiredAcks {
		case -1, 1:
		default:
			return errors.New("history.kafka.required_acks must be -1 or 1")
		}
	}

	if err := validateLogSink("log.console", cfg.Log.Console, false); err != nil {
		return err
	}
	if err := validateLogSink("log.file", cfg.Log.File, true); err != nil {
		return err
	}
	return nil
}

// validateConsumer checks shared JetStream consumer settings.
// Params: section path and consumer values.
// Returns: validation error.
func validateConsumer(path string, ackWaitSec, nackDelayMS, maxDeliver int) error {
	if ackWaitSec <= 0 {
		return fmt.Errorf("%s.ack_wait_sec must be >0", path)
	}
	if nackDelayMS < 0 {
		return fmt.Errorf("%s.nack_delay_ms must be >=0", path)
	}
	if maxDeliver == 0 || maxDeliver < -1 {
		return fmt.Errorf("%s.max_deliver must be -1 or >0", path)
	}
	return nil
}

// validateHTTPURL checks that value is an absolute http(s) URL.
// Params: config path and raw URL.
// Returns: validation error.
func validateHTTPURL(path, raw string) error {
	if strings.TrimSpace(raw) == "" {
		return fmt.Errorf("%s is required", path)
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is invalid: %w", path, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("%s must use http or https", path)
	}
	if parsed.Host == "" {
		return fmt.Errorf("%s must include host", path)
	}
	return nil
}

// normalizeNATSURLs trims URL list and drops empty entries.
// Params: raw URL list.
// Returns: cleaned URL list.
func normalizeNATSURLs(urls []string) []string {
	out := make([]string, 0, len(urls))
	for _, raw := range urls {
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" {
			continue
		}
		out = append(out, trimmed)
	}
	return out
}

// NormalizeServiceMode maps empty mode to single.
// Params: raw mode value.
// Returns: lower-case mode.
func NormalizeServiceMode(value string) string {
	mode := strings.ToLower(strings.TrimSpace(value))
	if mode == "" {
		return ServiceModeSingle
	}
	return mode
}

// IsSupportedServiceMode reports whether mode is known.
// Params: normalized mode.
// Returns: true for single and nats.
func IsSupportedServiceMode(mode string) bool {
	switch mode {
	case ServiceModeSingle, ServiceModeNATS:
		return true
	default:
		return false
	}
}

// validateLogSink validates one log sink configuration.
// Params: sink name, sink values, and whether path is required.
// Returns: sink validation error.
func validateLogSink(name string, sink LogSinkConfig, requirePath bool) error {
	if !sink.Enabled {
		return nil
	}

	switch strings.ToLower(strings.TrimSpace(sink.Level)) {
	case "debug", "info", "warn", "error", "panic":
	default:
		return fmt.Errorf("%s.level has unsupported value %q", name, sink.Level)
	}

	switch strings.ToLower(strings.TrimSpace(sink.Format)) {
	case "line", "json":
	default:
		return fmt.Errorf("%s.format has unsupported value %q", name, sink.Format)
	}

	if requirePath && strings.TrimSpace(sink.Path) == "" {
		return fmt.Errorf("%s.path is required", name)
	}

	return nil
}
