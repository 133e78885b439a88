package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"ngalert/internal/config"
	"ngalert/internal/logging"
	"ngalert/internal/permanent"
)

const (
	alertsPath       = "/api/v2/alerts"
	defaultTimeout   = 10 * time.Second
	maxErrorBodySize = 4 << 10
)

// HTTPAlertmanager pushes alerts to one organization's alertmanager v2 API.
// Params: org id, endpoint, headers and HTTP client.
// Returns: Alertmanager implementation.
type HTTPAlertmanager struct {
	orgID    int64
	endpoint string
	headers  map[string]string
	client   *http.Client
	logger   *slog.Logger
}

// NewHTTPAlertmanager creates alertmanager client for one organization.
// Params: org alertmanager settings and logger.
// Returns: client or URL validation error.
func NewHTTPAlertmanager(cfg config.OrgAlertmanagerConfig, logger *slog.Logger) (*HTTPAlertmanager, error) {
	base, err := url.Parse(strings.TrimSpace(cfg.URL))
	if err != nil {
		return nil, fmt.Errorf("parse alertmanager url for org %d: %w", cfg.OrgID, err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("alertmanager url for org %d must be absolute", cfg.OrgID)
	}
	timeout := cfg.Timeout()
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	headers := make(map[string]string, len(cfg.Headers))
	for k, v := range cfg.Headers {
		headers[k] = v
	}
	return &HTTPAlertmanager{
		orgID:    cfg.OrgID,
		endpoint: strings.TrimRight(base.String(), "/") + alertsPath,
		headers:  headers,
		client:   &http.Client{Timeout: timeout},
		logger:   logging.Component(logger, "ngalert.notifier").With("org_id", cfg.OrgID),
	}, nil
}

// PutAlerts posts batch as JSON array.
// Params: ctx bounds request; batch of alerts.
// Returns: DeliveryError on transport failure or non-2xx status, 4xx marked permanent.
func (a *HTTPAlertmanager) PutAlerts(ctx context.Context, alerts PostableAlerts) error {
	if len(alerts.PostableAlerts) == 0 {
		return nil
	}
	body, err := json.Marshal(alerts.PostableAlerts)
	if err != nil {
		return permanent.Mark(&DeliveryError{OrgID: a.orgID, Err: fmt.Errorf("encode alerts: %w", err)})
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(body))
	if err != nil {
		return &DeliveryError{OrgID: a.orgID, Err: fmt.Errorf("build request: %w", err)}
	}
	request.Header.Set("Content-Type", "application/json")
	for key, value := range a.headers {
		request.Header.Set(key, value)
	}

	response, err := a.client.Do(request)
	if err != nil {
		return &DeliveryError{OrgID: a.orgID, Err: err}
	}
	defer response.Body.Close()
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		deliveryErr := &DeliveryError{OrgID: a.orgID, StatusCode: response.StatusCode, Err: responseError(response)}
		return permanent.MarkStatus(response.StatusCode, deliveryErr)
	}
	_, _ = io.Copy(io.Discard, response.Body)
	a.logger.Debug("alerts delivered", "count", len(alerts.PostableAlerts))
	return nil
}

// Stop releases idle connections.
// Params: none.
// Returns: none.
func (a *HTTPAlertmanager) Stop() {
	a.client.CloseIdleConnections()
}

// responseError reads bounded response body into error text.
func responseError(response *http.Response) error {
	raw, err := io.ReadAll(io.LimitReader(response.Body, maxErrorBodySize))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return errors.New(http.StatusText(response.StatusCode))
	}
	return errors.New(trimmed)
}
