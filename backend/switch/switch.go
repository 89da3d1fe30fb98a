package _switch

import (
	"sync"

	"github.com/adwski/signal-relay/backend/model"
	"github.com/rs/zerolog"
)

// Result is an outcome of a single fan-out.
type Result struct {
	Sent    int
	Dropped int
	// Overflowed are endpoints that were disconnected because their
	// outbox was full. Their wires are cut.
	Overflowed []string
}

func (r *Result) Add(other Result) {
	r.Sent += other.Sent
	r.Dropped += other.Dropped
	r.Overflowed = append(r.Overflowed, other.Overflowed...)
}

// Switch fans messages out to the outboxes of one room.
// Enqueue never blocks: an endpoint whose outbox is full is disconnected
// and its wire is cut, so it never sees a stream with a gap. The rest are
// unaffected. Callers that need a total order across
// broadcasts must serialize calls to Broadcast themselves.
type Switch struct {
	logger zerolog.Logger
	mx     *sync.RWMutex
	fwd    map[string]model.Wire
}

func NewSwitch(logger *zerolog.Logger, instance string) *Switch {
	return &Switch{
		logger: logger.With().Str("component", "switch").Str("instance", instance).Logger(),
		mx:     &sync.RWMutex{},
		fwd:    make(map[string]model.Wire),
	}
}

// Connect registers endpoint outbox. Reconnecting an endpoint replaces its wire.
func (sw *Switch) Connect(endpoint string, wire model.Wire) {
	sw.mx.Lock()
	sw.fwd[endpoint] = wire
	sw.mx.Unlock()

	sw.logger.Debug().Str("endpoint", endpoint).Msg("endpoint connected")
}

// Disconnect removes endpoint and reports whether it was connected.
func (sw *Switch) Disconnect(endpoint string) bool {
	sw.mx.Lock()
	_, ok := sw.fwd[endpoint]
	delete(sw.fwd, endpoint)
	sw.mx.Unlock()

	if ok {
		sw.logger.Debug().Str("endpoint", endpoint).Msg("endpoint disconnected")
	}
	return ok
}

func (sw *Switch) Len() int {
	sw.mx.RLock()
	defer sw.mx.RUnlock()
	return len(sw.fwd)
}

// Broadcast enqueues msg to every connected endpoint.
func (sw *Switch) Broadcast(msg model.Message) Result {
	var res Result

	sw.mx.Lock()
	defer sw.mx.Unlock()

	for endpoint, wire := range sw.fwd {
		if send(msg, wire.TX) {
			res.Sent++
			continue
		}
		res.Dropped++
		res.Overflowed = append(res.Overflowed, endpoint)
		delete(sw.fwd, endpoint)
		wire.Cut()
		sw.logger.Warn().
			Str("endpoint", endpoint).
			Str("type", msg.MessageType()).
			Msg("outbox is full, endpoint disconnected")
	}
	if res.Sent == 0 {
		sw.logger.Debug().
			Str("type", msg.MessageType()).
			Msg("broadcast did not reach anyone")
	}
	return res
}

func send(msg model.Message, tx chan<- model.Message) bool {
	select {
	case tx <- msg:
		return true
	default:
		return false
	}
}
