// Package channels defines the boundary to external channel APIs. The real
// POS/storefront/delivery clients live outside this repository and are
// injected; MemoryGateway backs development and tests.
package channels

import (
	"context"
	"time"

	"github.com/stocklinkhq/stocklink-backend/pkg/db/models"
)

// Quantity is one channel's view of a product's stock.
type Quantity struct {
	Value     int
	UpdatedAt time.Time
}

// Gateway is the injected surface to an external channel's inventory API.
type Gateway interface {
	GetChannelStock(ctx context.Context, channel models.Channel, externalID string) (Quantity, error)
	UpdateChannelStock(ctx context.Context, channel models.Channel, externalID string, quantity int) error
	CheckChannelHealth(ctx context.Context, channel models.Channel) error
}
