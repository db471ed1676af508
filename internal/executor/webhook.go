package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"

	"github.com/ynop/vespene/internal/domain"
	"github.com/ynop/vespene/pkg/retry"
)

// Webhook hands a build to an external executor over HTTP. The remote side
// answers 2xx when the build succeeded and any other status when it failed.
type Webhook struct {
	url       string
	client    *http.Client
	attempts  int
	baseDelay time.Duration
	logger    *slog.Logger
}

// NewWebhook creates a Webhook engine posting builds to url. Transport errors
// and 5xx answers are retried up to attempts times in total.
func NewWebhook(url string, attempts int, baseDelay time.Duration, logger *slog.Logger) *Webhook {
	return &Webhook{
		url:       url,
		client:    &http.Client{Timeout: 15 * time.Minute},
		attempts:  attempts,
		baseDelay: baseDelay,
		logger:    logger,
	}
}

func (h *Webhook) Name() string { return "webhook" }

func (h *Webhook) Run(ctx context.Context, build *domain.Build) error {
	ctx, span := otel.Tracer("worker").Start(ctx, "engine.webhook")
	defer span.End()
	span.SetAttributes(attribute.String("webhook.url", h.url))

	if h.url == "" {
		err := errors.New("webhook engine has no url configured")
		span.SetStatus(codes.Error, "missing url")
		return err
	}

	body, err := json.Marshal(build)
	if err != nil {
		return fmt.Errorf("marshal build %d: %w", build.ID, err)
	}

	err = retry.Do(ctx, retry.Config{
		MaxAttempts: h.attempts,
		BaseDelay:   h.baseDelay,
		OnRetry: func(attempt int, err error) {
			h.logger.Warn("webhook attempt failed, retrying",
				slog.Int64("build_id", build.ID),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
		},
	}, func() error {
		return h.post(ctx, body)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "webhook failed")
		return fmt.Errorf("build %d: %w", build.ID, err)
	}
	return nil
}

func (h *Webhook) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(fmt.Errorf("build webhook request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook call to %s: %w", h.url, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= http.StatusInternalServerError:
		return fmt.Errorf("webhook %s returned status %d", h.url, resp.StatusCode)
	case resp.StatusCode >= http.StatusBadRequest:
		return retry.Permanent(fmt.Errorf("webhook %s returned status %d", h.url, resp.StatusCode))
	case resp.StatusCode >= http.StatusMultipleChoices:
		return retry.Permanent(fmt.Errorf("webhook %s returned unexpected status %d", h.url, resp.StatusCode))
	}
	return nil
}
