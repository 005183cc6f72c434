// Package mailgun delivers disclosure notices through the Mailgun API.
package mailgun

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/mailgun/mailgun-go/v4"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/JakeFAU/codesearch/internal/codesearch"
	"github.com/JakeFAU/codesearch/internal/telemetry"
)

// Config controls delivery.
type Config struct {
	Domain string
	APIKey string
	From   string
	// Bcc receives a copy of every notice.
	Bcc []string
	// APIBase overrides the endpoint, e.g. https://api.eu.mailgun.net/v3.
	APIBase        string
	HTTPClient     *http.Client
	TracerProvider trace.TracerProvider
}

// Mailer implements codesearch.Mailer.
type Mailer struct {
	mg     *mailgun.MailgunImpl
	from   string
	bcc    []string
	domain string
	tracer trace.Tracer
}

var _ codesearch.Mailer = (*Mailer)(nil)

// New builds a Mailer.
func New(cfg Config) (*Mailer, error) {
	if cfg.Domain == "" || cfg.APIKey == "" {
		return nil, fmt.Errorf("mailgun domain and api key are required")
	}
	from := cfg.From
	if from == "" {
		from = "codesearch@" + cfg.Domain
	}
	mg := mailgun.NewMailgun(cfg.Domain, cfg.APIKey)
	if cfg.APIBase != "" {
		mg.SetAPIBase(strings.TrimSuffix(cfg.APIBase, "/"))
	}
	if cfg.HTTPClient != nil {
		mg.SetClient(cfg.HTTPClient)
	}
	return &Mailer{
		mg:     mg,
		from:   from,
		bcc:    cfg.Bcc,
		domain: cfg.Domain,
		tracer: telemetry.Tracer(cfg.TracerProvider),
	}, nil
}

// Send posts one plain-text message.
func (m *Mailer) Send(ctx context.Context, notice codesearch.Notice) error {
	ctx, span := m.tracer.Start(ctx, "mailgun.Send", trace.WithAttributes(
		attribute.String("mail.domain", m.domain),
		attribute.Int("mail.bcc_count", len(m.bcc)),
	))
	defer span.End()

	msg := m.mg.NewMessage(m.from, notice.Subject, notice.Text, notice.To)
	for _, addr := range m.bcc {
		if addr = strings.TrimSpace(addr); addr != "" {
			msg.AddBCC(addr)
		}
	}
	_, id, err := m.mg.Send(ctx, msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, "send failed")
		return fmt.Errorf("mailgun send: %w", err)
	}
	span.SetAttributes(attribute.String("mail.message_id", id))
	return nil
}
