// Package analytics delivers presence events to an external sink.
// Delivery is fire-and-forget: Notify never blocks and publisher failures
// never reach the caller.
package analytics

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/adwski/signal-relay/backend/model"
	"github.com/rs/zerolog"
)

const (
	defaultQueueSize      = 1024
	defaultPublishTimeout = 3 * time.Second
)

var (
	ErrPublish = errors.New("unable to publish analytics event")
)

type Kind string

const (
	KindJoin  Kind = "join"
	KindLeave Kind = "leave"
)

type Event struct {
	Kind   Kind         `json:"event"`
	UserID model.UserID `json:"user_id"`
	RoomID string       `json:"room_id"`
	At     time.Time    `json:"at"`
}

type Sink interface {
	Notify(kind Kind, userID model.UserID, roomID string)
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Nop discards events.
type Nop struct{}

func (Nop) Notify(Kind, model.UserID, string) {}

type Config struct {
	Logger         *zerolog.Logger
	Publisher      Publisher
	QueueSize      int
	PublishTimeout time.Duration
	// OnDrop is called for every event that did not make it into the queue.
	OnDrop func()
}

// Dispatcher queues events and publishes them from a single worker.
type Dispatcher struct {
	logger  zerolog.Logger
	pub     Publisher
	queue   chan Event
	timeout time.Duration
	onDrop  func()
	now     func() time.Time
}

func NewDispatcher(cfg Config) *Dispatcher {
	size := cfg.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	timeout := cfg.PublishTimeout
	if timeout <= 0 {
		timeout = defaultPublishTimeout
	}
	onDrop := cfg.OnDrop
	if onDrop == nil {
		onDrop = func() {}
	}
	return &Dispatcher{
		logger:  cfg.Logger.With().Str("component", "analytics").Logger(),
		pub:     cfg.Publisher,
		queue:   make(chan Event, size),
		timeout: timeout,
		onDrop:  onDrop,
		now:     time.Now,
	}
}

func (d *Dispatcher) Notify(kind Kind, userID model.UserID, roomID string) {
	ev := Event{Kind: kind, UserID: userID, RoomID: roomID, At: d.now().UTC()}
	select {
	case d.queue <- ev:
	default:
		d.onDrop()
		d.logger.Warn().
			Str("event", string(kind)).
			Str("roomID", roomID).
			Msg("analytics queue is full, event dropped")
	}
}

// Run publishes queued events until ctx is done.
func (d *Dispatcher) Run(ctx context.Context, wg *sync.WaitGroup) {
	defer func() {
		d.logger.Debug().Msg("analytics dispatcher stopped")
		wg.Done()
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-d.queue:
			if err := d.publish(ctx, ev); err != nil {
				d.logger.Error().Err(err).
					Str("event", string(ev.Kind)).
					Str("roomID", ev.RoomID).
					Msg("analytics publish failed")
			}
		}
	}
}

func (d *Dispatcher) publish(ctx context.Context, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Join(ErrPublish, fmt.Errorf("publisher panic: %v", r))
		}
	}()

	pubCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if err = d.pub.Publish(pubCtx, ev); err != nil {
		return errors.Join(ErrPublish, err)
	}
	return nil
}
