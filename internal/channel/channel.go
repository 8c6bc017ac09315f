package channel

import (
	"context"

	"github.com/atlastrips/notify-pipeline/internal/domain"
)

// Channel is the outbound delivery port for a single transport.
type Channel interface {
	Key() domain.Channel
	Send(ctx context.Context, job domain.Job, contact string) (*SendResult, error)
}

// SendResult stores gateway call metadata for the delivery ledger.
type SendResult struct {
	StatusCode int
	Body       string
	MessageID  string
}
