// Package stdout implements a dry-run Provider that decomposes messages and
// prints them instead of saving them.
package stdout

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/shineum/smtp-mail-saver/internal/email"
	"github.com/shineum/smtp-mail-saver/internal/parser"
	"github.com/shineum/smtp-mail-saver/internal/provider"
)

// Provider prints decomposed messages in a human-readable format.
type Provider struct {
	// mu serializes writes so concurrent sessions do not interleave blocks.
	mu     sync.Mutex
	writer io.Writer
}

// New creates a new stdout Provider that writes to os.Stdout.
func New() *Provider {
	return &Provider{writer: os.Stdout}
}

// NewWithWriter creates a new stdout Provider that writes to the given writer.
// This is useful for testing.
func NewWithWriter(w io.Writer) *Provider {
	return &Provider{writer: w}
}

// Deliver decomposes the envelope and prints it. Decomposition defects are
// printed with the message rather than returned.
func (p *Provider) Deliver(_ context.Context, sess *email.Session, env *email.Envelope) (string, error) {
	msg, parseErr := parser.Parse(env.Data)

	var b strings.Builder

	b.WriteString("========================================\n")
	if sess != nil && sess.ID != "" {
		b.WriteString(fmt.Sprintf("Session: %s\n", sess.ID))
	}
	b.WriteString(fmt.Sprintf("From: %s\n", env.From))
	b.WriteString(fmt.Sprintf("To: %s\n", strings.Join(env.To, ", ")))
	b.WriteString(fmt.Sprintf("Subject: %s\n", valueOr(msg.Subject, "(none)")))

	if msg.PlainText != nil {
		b.WriteString("Plain Text:\n" + *msg.PlainText + "\n")
	}
	if msg.HTMLContent != nil {
		b.WriteString("HTML Content:\n" + *msg.HTMLContent + "\n")
	}

	if len(msg.Attachments) > 0 {
		attachments := make([]string, 0, len(msg.Attachments))
		for _, att := range msg.Attachments {
			name := att.Filename
			if name == "" {
				name = "(unnamed)"
			}
			attachments = append(attachments, fmt.Sprintf("%s (%s)", name, formatSize(len(att.Content))))
		}
		b.WriteString(fmt.Sprintf("Attachments: %s\n", strings.Join(attachments, ", ")))
	}

	if parseErr != nil {
		b.WriteString(fmt.Sprintf("Defects: %v\n", parseErr))
	}

	b.WriteString("========================================\n")

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := fmt.Fprint(p.writer, b.String()); err != nil {
		return provider.Accepted, fmt.Errorf("failed to print message: %w", err)
	}

	return provider.Accepted, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "stdout"
}

func valueOr(s *string, fallback string) string {
	if s == nil {
		return fallback
	}
	return *s
}

// formatSize formats a byte count into a human-readable string.
func formatSize(bytes int) string {
	const (
		kb = 1024
		mb = kb * 1024
	)

	switch {
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
