// Package provider defines the interface for message handling backends.
package provider

import (
	"context"

	"github.com/shineum/smtp-mail-saver/internal/email"
)

// Accepted is the acknowledgment text sent with the final 250 reply.
const Accepted = "Message accepted for delivery"

// Provider is the interface that message handling backends must implement.
// The SMTP session hands every completed DATA transaction to Deliver.
type Provider interface {
	// Deliver processes one envelope and returns the acknowledgment text for
	// the client. A non-nil error is logged by the session; the client is
	// still told the message was accepted.
	Deliver(ctx context.Context, sess *email.Session, env *email.Envelope) (string, error)

	// Name returns the human-readable name of this provider.
	Name() string
}
