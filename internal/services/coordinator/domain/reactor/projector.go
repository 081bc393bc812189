package reactor

import (
	"context"

	"go.uber.org/zap"

	"github.com/louisbranch/evcoord/internal/services/coordinator/bus"
	"github.com/louisbranch/evcoord/internal/services/coordinator/domain/book"
)

// ProjectorHandler runs a Projector as a bus subscriber. Synchronous
// deliveries go through HandleSync and report the projection to
// OnProjection.
type ProjectorHandler struct {
	Name         string
	Domains      []string
	Projector    Projector
	OnProjection func(ctx context.Context, projection book.Projection)
	Logger       *zap.Logger
}

// Subscriber registers the projector on a bus.
func (p ProjectorHandler) Subscriber() bus.Subscriber {
	return bus.Subscriber{Name: p.Name, Domains: p.Domains, Handler: p.Handle}
}

// Handle projects events.
func (p ProjectorHandler) Handle(ctx context.Context, events book.EventBook) error {
	if !bus.SyncDelivery(ctx) {
		return p.Projector.Handle(ctx, events)
	}
	projection, err := p.Projector.HandleSync(ctx, events)
	if err != nil {
		return err
	}
	if projection.Projector == "" {
		projection.Projector = p.Name
	}
	if p.OnProjection != nil {
		p.OnProjection(ctx, projection)
	} else if p.Logger != nil {
		p.Logger.Debug("projection updated",
			zap.String("projector", projection.Projector),
			zap.Stringer("cover", projection.Cover),
			zap.Uint64("sequence", projection.Sequence),
		)
	}
	return nil
}
