package exchange

import "context"

// VenueClient is the downstream surface the orchestrator drives.
type VenueClient interface {
	Name() string

	ListOpenPositions(ctx context.Context) ([]Position, error)

	ClosePosition(ctx context.Context, req CloseRequest) (Receipt, error)

	TightenStop(ctx context.Context, req StopRequest) error
}
