package channels

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stocklinkhq/stocklink-backend/pkg/db/models"
	pkgerrors "github.com/stocklinkhq/stocklink-backend/pkg/errors"
)

type memoryKey struct {
	channelID  uuid.UUID
	externalID string
}

// MemoryGateway keeps per-channel quantities in process memory. It stands in
// for the real channel integrations in development and tests.
type MemoryGateway struct {
	mu    sync.Mutex
	stock map[memoryKey]Quantity
	down  map[uuid.UUID]bool
	clock func() time.Time
}

func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{
		stock: make(map[memoryKey]Quantity),
		down:  make(map[uuid.UUID]bool),
		clock: time.Now,
	}
}

// Seed sets a channel quantity with an explicit timestamp.
func (g *MemoryGateway) Seed(channelID uuid.UUID, externalID string, quantity int, updatedAt time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stock[memoryKey{channelID: channelID, externalID: externalID}] = Quantity{Value: quantity, UpdatedAt: updatedAt}
}

// SetUnavailable marks a channel as unreachable for health probes and pushes.
func (g *MemoryGateway) SetUnavailable(channelID uuid.UUID, unavailable bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.down[channelID] = unavailable
}

func (g *MemoryGateway) GetChannelStock(ctx context.Context, channel models.Channel, externalID string) (Quantity, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.down[channel.ID] {
		return Quantity{}, pkgerrors.New(pkgerrors.CodeDependency, fmt.Sprintf("channel %s unreachable", channel.Name))
	}
	qty, ok := g.stock[memoryKey{channelID: channel.ID, externalID: externalID}]
	if !ok {
		return Quantity{}, pkgerrors.New(pkgerrors.CodeNotFound, "external record not found")
	}
	return qty, nil
}

func (g *MemoryGateway) UpdateChannelStock(ctx context.Context, channel models.Channel, externalID string, quantity int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.down[channel.ID] {
		return pkgerrors.New(pkgerrors.CodeDependency, fmt.Sprintf("channel %s unreachable", channel.Name))
	}
	g.stock[memoryKey{channelID: channel.ID, externalID: externalID}] = Quantity{Value: quantity, UpdatedAt: g.clock()}
	return nil
}

func (g *MemoryGateway) CheckChannelHealth(ctx context.Context, channel models.Channel) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.down[channel.ID] {
		return pkgerrors.New(pkgerrors.CodeDependency, fmt.Sprintf("channel %s unreachable", channel.Name))
	}
	return nil
}
