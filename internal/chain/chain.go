package chain

import (
	"context"

	"lootline/internal/domain"
)

// Client is the settlement surface the executor needs. Simulate must be
// side-effect free; Submit is irrevocable once accepted.
type Client interface {
	Simulate(ctx context.Context, c domain.Commitment) error
	Submit(ctx context.Context, c domain.Commitment) (string, error)
	AwaitConfirmations(ctx context.Context, txHash string, n int) error
}
