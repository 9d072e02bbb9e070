package mailer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/flexinfer/mentatlab/services/automation-go/internal/apperr"
)

// Transport delivers one message. A returned error means the message was not
// accepted and may be retried. Send must return once ctx is done; the drainer
// stops waiting at that point and may retry the message.
type Transport interface {
	Send(ctx context.Context, to, subject, body string) error
}

// LogTransport logs messages instead of sending them. Used in development.
type LogTransport struct {
	Logger *slog.Logger
}

func (t *LogTransport) Send(ctx context.Context, to, subject, body string) error {
	logger := t.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "email send",
		slog.String("to", to),
		slog.String("subject", subject),
		slog.Int("body_bytes", len(body)),
	)
	return nil
}

// HTTPConfig configures an HTTP email API transport.
type HTTPConfig struct {
	// Endpoint receives a JSON POST per message.
	Endpoint string
	APIKey   string
	From     string
	Timeout  time.Duration
}

// HTTPTransport posts messages to an email provider's HTTP API.
type HTTPTransport struct {
	cfg    HTTPConfig
	client *http.Client
}

// NewHTTPTransport validates cfg and builds an instrumented client.
func NewHTTPTransport(cfg HTTPConfig) (*HTTPTransport, error) {
	if cfg.Endpoint == "" {
		return nil, apperr.Configuration("mailer.NewHTTPTransport", "email endpoint is required")
	}
	if cfg.From == "" {
		return nil, apperr.Configuration("mailer.NewHTTPTransport", "email from address is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPTransport{
		cfg: cfg,
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}, nil
}

type sendRequest struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	Text    string `json:"text"`
}

func (t *HTTPTransport) Send(ctx context.Context, to, subject, body string) error {
	const op = "mailer.HTTPTransport.Send"
	payload, err := json.Marshal(sendRequest{From: t.cfg.From, To: to, Subject: subject, Text: body})
	if err != nil {
		return fmt.Errorf("marshal email: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return apperr.Wrap(apperr.KindTransport, op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.cfg.APIKey)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.KindTransport, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return apperr.E(apperr.KindTransport, op, "provider returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	return nil
}
