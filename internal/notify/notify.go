// Package notify delivers a completed export to the configured webhooks:
// the flattened records to the primary endpoint and a failure summary to
// the secondary endpoint.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/precatorio-exporter/internal/export"
	"github.com/JakeFAU/precatorio-exporter/internal/metrics"
)

const (
	defaultTimeout = 30 * time.Second
	defaultEvent   = "export.completed"

	targetData    = "data"
	targetSummary = "summary"
)

// RecordReader returns every record of an export.
type RecordReader interface {
	ReadAll(ctx context.Context, exportID string) ([]json.RawMessage, error)
}

// Publisher announces completed exports on an event bus.
type Publisher interface {
	Publish(ctx context.Context, event string, payload any) (string, error)
}

// Config tunes delivery.
type Config struct {
	Timeout time.Duration
	Event   string
}

// Summary is the body posted to the secondary endpoint.
type Summary struct {
	Failures []export.FailureEntry `json:"failures"`
	Errors   []export.ProcessError `json:"errors"`
	Export   export.Export         `json:"export"`
}

// Event is the payload published when an export is delivered.
type Event struct {
	ExportID       string `json:"export_id"`
	Records        int    `json:"records"`
	Failures       int    `json:"failures"`
	DataDelivered  bool   `json:"data_delivered"`
	ErrorDelivered bool   `json:"error_delivered"`
}

// Dispatcher runs notify tasks.
type Dispatcher struct {
	repo      export.Repository
	settings  export.Settings
	reader    RecordReader
	publisher Publisher
	client    *http.Client
	clock     export.Clock
	event     string
	logger    *zap.Logger
}

// New constructs a Dispatcher. publisher may be nil.
func New(
	repo export.Repository,
	settings export.Settings,
	reader RecordReader,
	publisher Publisher,
	clock export.Clock,
	cfg Config,
	logger *zap.Logger,
) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Event == "" {
		cfg.Event = defaultEvent
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		repo:      repo,
		settings:  settings,
		reader:    reader,
		publisher: publisher,
		client:    &http.Client{Timeout: cfg.Timeout},
		clock:     clock,
		event:     cfg.Event,
		logger:    logger,
	}
}

// Handle performs both deliveries for the export named by task. Each
// delivery failure is recorded as a process error and does not stop the
// other. An export whose delivery flag is already set is skipped.
func (d *Dispatcher) Handle(ctx context.Context, task export.Task) error {
	exp, err := d.repo.GetExport(ctx, task.ExportID)
	if err != nil {
		return fmt.Errorf("load export: %w", err)
	}
	if exp.NotifiedAt != nil {
		d.logger.Info("export already notified, skipping", zap.String("export_id", exp.ID))
		return nil
	}

	records, dataErr := d.deliverData(ctx, exp)
	if dataErr != nil {
		d.fail(ctx, exp.ID, targetData, "data webhook delivery failed: ", dataErr)
	}
	failures, summaryErr := d.deliverSummary(ctx, exp)
	if summaryErr != nil {
		d.fail(ctx, exp.ID, targetSummary, "error webhook delivery failed: ", summaryErr)
	}

	d.publish(ctx, Event{
		ExportID:       exp.ID,
		Records:        records,
		Failures:       failures,
		DataDelivered:  dataErr == nil,
		ErrorDelivered: summaryErr == nil,
	})

	if _, err := d.repo.MarkNotified(ctx, exp.ID, d.now()); err != nil {
		return fmt.Errorf("mark notified: %w", err)
	}
	d.logger.Info("export notification finished",
		zap.String("export_id", exp.ID),
		zap.Int("records", records),
		zap.Bool("data_delivered", dataErr == nil),
		zap.Bool("error_delivered", summaryErr == nil),
	)
	return nil
}

func (d *Dispatcher) deliverData(ctx context.Context, exp export.Export) (int, error) {
	url, err := d.endpoint(ctx, export.SettingWebhookURL)
	if err != nil {
		return 0, err
	}
	records, err := d.reader.ReadAll(ctx, exp.ID)
	if err != nil {
		return 0, fmt.Errorf("read records: %w", err)
	}
	if len(records) == 0 {
		return 0, errors.New("export has no records to deliver")
	}
	if err := d.post(ctx, url, records); err != nil {
		return len(records), err
	}
	metrics.ObserveNotification(targetData, "delivered")
	return len(records), nil
}

func (d *Dispatcher) deliverSummary(ctx context.Context, exp export.Export) (int, error) {
	url, err := d.endpoint(ctx, export.SettingErrorWebhookURL)
	if err != nil {
		return 0, err
	}
	failures, err := d.repo.ListFailures(ctx, exp.ID)
	if err != nil {
		return 0, fmt.Errorf("list failures: %w", err)
	}
	errs, err := d.repo.ListProcessErrors(ctx, exp.ID)
	if err != nil {
		return len(failures), fmt.Errorf("list process errors: %w", err)
	}
	if err := d.post(ctx, url, Summary{Failures: failures, Errors: errs, Export: exp}); err != nil {
		return len(failures), err
	}
	metrics.ObserveNotification(targetSummary, "delivered")
	return len(failures), nil
}

func (d *Dispatcher) endpoint(ctx context.Context, key string) (string, error) {
	url, err := d.settings.GetSetting(ctx, key)
	if err != nil {
		if errors.Is(err, export.ErrNotFound) {
			return "", fmt.Errorf("%s is not configured", key)
		}
		return "", fmt.Errorf("read %s: %w", key, err)
	}
	url = strings.TrimSpace(url)
	if url == "" {
		return "", fmt.Errorf("%s is not configured", key)
	}
	return url, nil
}

func (d *Dispatcher) post(ctx context.Context, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook responded with status %d", resp.StatusCode)
	}
	return nil
}

func (d *Dispatcher) fail(ctx context.Context, exportID, target, prefix string, cause error) {
	metrics.ObserveNotification(target, "failed")
	d.logger.Warn("webhook delivery failed",
		zap.String("export_id", exportID),
		zap.String("target", target),
		zap.Error(cause),
	)
	perr := export.ProcessError{
		ExportID:  exportID,
		Message:   prefix + cause.Error(),
		Trace:     export.Trace(cause),
		CreatedAt: d.now(),
	}
	if err := d.repo.AddProcessError(ctx, perr); err != nil {
		d.logger.Error("failed to record delivery error", zap.String("export_id", exportID), zap.Error(err))
	}
}

func (d *Dispatcher) publish(ctx context.Context, ev Event) {
	if d.publisher == nil {
		return
	}
	id, err := d.publisher.Publish(ctx, d.event, ev)
	if err != nil {
		d.logger.Warn("completion event publish failed", zap.String("export_id", ev.ExportID), zap.Error(err))
		return
	}
	d.logger.Debug("completion event published", zap.String("export_id", ev.ExportID), zap.String("message_id", id))
}

func (d *Dispatcher) now() time.Time {
	if d.clock == nil {
		return time.Now().UTC()
	}
	return d.clock.Now()
}
