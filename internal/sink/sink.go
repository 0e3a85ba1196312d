package sink

import (
	"context"

	"github.com/shortontech/threatgate/internal/event"
)

// Sink receives security events. Enqueue must be safe for concurrent use.
type Sink interface {
	Start(ctx context.Context) error
	Enqueue(e event.SecurityEvent) error
	Close() error
	Name() string // Returns the sink name for metrics and logging
}
