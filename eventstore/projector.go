package eventstore

import (
	"context"
	"fmt"

	"github.com/gofiber/fiber/v2/log"

	"coreflow-backend/models"
)

// Projection folds events into a read model. Apply must skip events it has already applied,
// since a crash between Apply and the checkpoint write replays them.
type Projection interface {
	Name() string
	Apply(ctx context.Context, ev models.DomainEvent) error
}

// Projector feeds registered projections from the global event order.
type Projector struct {
	store       Store
	batchSize   int
	projections []Projection
}

func NewProjector(store Store, batchSize int, projections ...Projection) *Projector {
	if batchSize <= 0 {
		batchSize = 500
	}
	return &Projector{store: store, batchSize: batchSize, projections: projections}
}

// RunOnce catches every projection up to the end of the log and reports how many events each
// one applied.
func (p *Projector) RunOnce(ctx context.Context) (map[string]int, error) {
	applied := make(map[string]int, len(p.projections))
	for _, proj := range p.projections {
		n, err := p.catchUp(ctx, proj)
		applied[proj.Name()] = n
		if err != nil {
			return applied, err
		}
	}
	return applied, nil
}

func (p *Projector) catchUp(ctx context.Context, proj Projection) (int, error) {
	pos, err := p.store.Checkpoint(ctx, proj.Name())
	if err != nil {
		return 0, fmt.Errorf("read %s checkpoint: %w", proj.Name(), err)
	}
	applied := 0
	for {
		if err := ctx.Err(); err != nil {
			return applied, err
		}
		events, err := p.store.ReadAll(ctx, pos, p.batchSize)
		if err != nil {
			return applied, fmt.Errorf("read events after %d: %w", pos, err)
		}
		if len(events) == 0 {
			return applied, nil
		}

		for _, ev := range events {
			if err := proj.Apply(ctx, ev); err != nil {
				if saveErr := p.store.SaveCheckpoint(ctx, proj.Name(), pos); saveErr != nil {
					log.Errorw("save projection checkpoint", "projection", proj.Name(), "error", saveErr)
				}
				return applied, fmt.Errorf("%s apply position %d: %w", proj.Name(), ev.Position, err)
			}
			pos = ev.Position
			applied++
		}
		if err := p.store.SaveCheckpoint(ctx, proj.Name(), pos); err != nil {
			return applied, fmt.Errorf("save %s checkpoint: %w", proj.Name(), err)
		}
		log.Debugw("projection advanced", "projection", proj.Name(), "position", pos, "applied", applied)
		if len(events) < p.batchSize {
			return applied, nil
		}
	}
}
