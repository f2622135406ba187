// Package api serves the daemon's local gRPC API and provides its client.
package api

import (
	"time"

	"github.com/agonn78/p2p-chat/internal/bus"
	"github.com/agonn78/p2p-chat/internal/messenger"
	"github.com/agonn78/p2p-chat/internal/outbox"
	"github.com/agonn78/p2p-chat/internal/status"
	"github.com/agonn78/p2p-chat/internal/store"
	"github.com/agonn78/p2p-chat/internal/sync"
	"go.uber.org/zap"
)

// Deps are the components the service reads and drives.
type Deps struct {
	Profile   string
	Machine   *status.Machine
	Messenger *messenger.Messenger
	Sync      *sync.Service
	Retrier   *outbox.Retrier
	DB        *store.DB
	Bus       *bus.Bus
	Logger    *zap.Logger
}

// Service implements MessageServiceServer.
type Service struct {
	profile   string
	startedAt time.Time
	machine   *status.Machine
	messenger *messenger.Messenger
	sync      *sync.Service
	retrier   *outbox.Retrier
	db        *store.DB
	bus       *bus.Bus
	logger    *zap.Logger
}

// NewService creates the API service.
func NewService(d Deps) *Service {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return &Service{
		profile:   d.Profile,
		startedAt: time.Now(),
		machine:   d.Machine,
		messenger: d.Messenger,
		sync:      d.Sync,
		retrier:   d.Retrier,
		db:        d.DB,
		bus:       d.Bus,
		logger:    d.Logger,
	}
}
