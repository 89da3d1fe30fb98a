package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/adwski/signal-relay/backend/model"
	"github.com/adwski/signal-relay/backend/room"
	"github.com/rs/zerolog"
)

// Registry owns all rooms of one relay instance.
// Lock order is registry first, then room.
type Registry struct {
	logger zerolog.Logger
	mx     *sync.RWMutex
	db     map[string]*room.State
}

func NewRegistry(logger *zerolog.Logger) *Registry {
	return &Registry{
		logger: logger.With().Str("component", "registry").Logger(),
		mx:     &sync.RWMutex{},
		db:     make(map[string]*room.State),
	}
}

// GetOrCreate returns room for roomID creating it if absent.
// Concurrent callers for the same id always get the same instance.
func (r *Registry) GetOrCreate(roomID string) *room.State {
	r.mx.RLock()
	st, ok := r.db[roomID]
	r.mx.RUnlock()
	if ok {
		return st
	}

	r.mx.Lock()
	defer r.mx.Unlock()
	if st, ok = r.db[roomID]; ok {
		return st
	}
	st = room.New(roomID, &r.logger)
	r.db[roomID] = st
	r.logger.Debug().Str("roomID", roomID).Msg("room created")
	return st
}

func (r *Registry) Get(roomID string) (*room.State, bool) {
	r.mx.RLock()
	defer r.mx.RUnlock()
	st, ok := r.db[roomID]
	return st, ok
}

func (r *Registry) Room(roomID string) (model.Room, bool) {
	st, ok := r.Get(roomID)
	if !ok {
		return model.Room{}, false
	}
	return st.Info(), true
}

func (r *Registry) Len() int {
	r.mx.RLock()
	defer r.mx.RUnlock()
	return len(r.db)
}

// Rooms returns info of every room sorted by id.
func (r *Registry) Rooms() []model.Room {
	r.mx.RLock()
	states := make([]*room.State, 0, len(r.db))
	for _, st := range r.db {
		states = append(states, st)
	}
	r.mx.RUnlock()

	rooms := make([]model.Room, 0, len(states))
	for _, st := range states {
		rooms = append(rooms, st.Info())
	}
	sort.Slice(rooms, func(i, j int) bool {
		return rooms[i].ID < rooms[j].ID
	})
	return rooms
}

// Sweep removes empty rooms and returns how many were removed.
func (r *Registry) Sweep() int {
	r.mx.Lock()
	defer r.mx.Unlock()

	var n int
	for id, st := range r.db {
		if st.Evict() {
			delete(r.db, id)
			n++
		}
	}
	if n > 0 {
		r.logger.Debug().Int("count", n).Msg("empty rooms swept")
	}
	return n
}

// RunSweeper periodically sweeps empty rooms until ctx is done.
func (r *Registry) RunSweeper(ctx context.Context, wg *sync.WaitGroup, interval time.Duration) {
	defer wg.Done()
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}
