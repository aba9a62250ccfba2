package ports

import (
	"context"

	"torrentvault/internal/domain"
)

// EventHandler receives engine notifications. Implementations must not block.
type EventHandler func(domain.EngineEvent)

type Engine interface {
	// Open joins the swarm described by spec. It returns as soon as the
	// session object exists; metadata may still be pending.
	Open(ctx context.Context, spec domain.TorrentSpec) (Session, error)
	Close() error
}
