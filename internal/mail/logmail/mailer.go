// Package logmail is a dry-run mailer that only logs what it would send.
package logmail

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/codesearch/internal/codesearch"
)

// Mailer implements codesearch.Mailer by logging notices.
type Mailer struct {
	logger *zap.Logger
	mu     sync.Mutex
	sent   []codesearch.Notice
}

var _ codesearch.Mailer = (*Mailer)(nil)

// New returns a Mailer writing to logger.
func New(logger *zap.Logger) *Mailer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mailer{logger: logger}
}

// Send logs the recipient and subject. The body quotes part of the
// credential and is not logged.
func (m *Mailer) Send(_ context.Context, notice codesearch.Notice) error {
	m.logger.Info("notice not sent (dry run)",
		zap.String("to", notice.To),
		zap.String("subject", notice.Subject),
		zap.Int("body_bytes", len(notice.Text)),
	)
	m.mu.Lock()
	m.sent = append(m.sent, notice)
	m.mu.Unlock()
	return nil
}

// Sent returns the notices handed to Send.
func (m *Mailer) Sent() []codesearch.Notice {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]codesearch.Notice(nil), m.sent...)
}
