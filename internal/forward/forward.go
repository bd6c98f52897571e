// Package forward defines the interface for passing stored mail on to
// another destination after it has been persisted.
package forward

import (
	"context"

	"github.com/shineum/tmpmail/internal/email"
)

// Forwarder hands a stored message to an external destination. It is only
// called after the message has been persisted, and its failures never affect
// the store.
type Forwarder interface {
	// Forward delivers a copy of mail. It returns an error if delivery fails.
	Forward(ctx context.Context, mail email.Mail) error

	// Name returns the human-readable name of this forwarder.
	Name() string
}
