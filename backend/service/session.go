package service

import (
	"sync"

	"github.com/adwski/signal-relay/backend/analytics"
	"github.com/adwski/signal-relay/backend/model"
	"github.com/adwski/signal-relay/backend/room"
	sw "github.com/adwski/signal-relay/backend/switch"
	"github.com/rs/zerolog"
)

type sessionState int

const (
	stateJoined sessionState = iota
	stateAnnounced
	stateLeft
)

// Session is a confirmed subscription of one connection to one room.
// Identity and features never change after subscribe.
type Session struct {
	id       string
	ident    model.Identity
	features model.Features
	room     *room.State
	svc      *Service
	logger   zerolog.Logger

	mx    sync.Mutex
	state sessionState
	done  chan struct{}
}

func newSession(svc *Service, st *room.State, id string, ident model.Identity, features model.Features) *Session {
	return &Session{
		id:       id,
		ident:    ident,
		features: features,
		room:     st,
		svc:      svc,
		logger: svc.logger.With().
			Str("roomID", st.ID()).
			Str("userID", string(ident.UserID)).
			Str("sessionID", id).
			Logger(),
		done: make(chan struct{}),
	}
}

func (s *Session) ID() string            { return s.id }
func (s *Session) RoomID() string        { return s.room.ID() }
func (s *Session) UserID() model.UserID  { return s.ident.UserID }
func (s *Session) Role() model.Role      { return s.ident.Role }
func (s *Session) Done() <-chan struct{} { return s.done }

// Active reports whether session is still a member of its room.
func (s *Session) Active() bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.state != stateLeft
}

func (s *Session) Announced() bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.state == stateAnnounced
}

// AnnounceJoin broadcasts presence of the session user. It may be called
// repeatedly, every call broadcasts again.
func (s *Session) AnnounceJoin() bool {
	s.mx.Lock()
	defer s.mx.Unlock()

	if s.state == stateLeft {
		return false
	}
	res, ok := s.room.Announce(s.id, s.svc.markup)
	if !ok {
		return false
	}
	s.state = stateAnnounced
	s.delivered(model.MessageTypeJoin, res)
	s.svc.analytics.Notify(analytics.KindJoin, s.ident.UserID, s.room.ID())
	return true
}

// Signal relays an opaque negotiation message. Screen sharing signals
// require the feature to be enabled for this session.
func (s *Session) Signal(sigType string, payload any) bool {
	if sigType == model.MessageTypeScreenShare && !s.features.ScreenSharing {
		s.logger.Debug().Msg("screen sharing is disabled, signal dropped")
		return false
	}
	return s.relay(&model.SignalMessage{
		Type:    sigType,
		From:    s.ident.UserID,
		Payload: payload,
	})
}

// Moderate relays kick, mute or unmute. Only hosts may moderate, other
// roles are ignored silently. Target membership is not affected.
func (s *Session) Moderate(kind string, target any) bool {
	if s.ident.Role != model.RoleHost {
		s.logger.Debug().Str("type", kind).Msg("moderation by non-host ignored")
		return false
	}
	return s.relay(&model.ModerationMessage{
		Type:    kind,
		From:    s.ident.UserID,
		Payload: model.ModerationPayload{UserID: target},
	})
}

// Chat relays a chat message to the whole room. A message addressed with to
// requires private chat to be enabled; the recipient filters client side.
// A null or false to is not an address.
func (s *Session) Chat(message, to any) bool {
	if addressed(to) && !s.features.PrivateChat {
		s.logger.Debug().Msg("private chat is disabled, message dropped")
		return false
	}
	return s.relay(&model.ChatMessage{
		Type:    model.MessageTypeChat,
		From:    s.ident.UserID,
		Payload: model.ChatPayload{Message: message, To: to},
	})
}

// Leave removes session from its room. Safe to call any number of times
// from any goroutine, only the first call broadcasts.
func (s *Session) Leave() bool {
	s.mx.Lock()
	defer s.mx.Unlock()

	if s.state == stateLeft {
		return false
	}
	s.state = stateLeft
	close(s.done)

	res, ok := s.room.Leave(s.id)
	if !ok {
		return false
	}
	s.svc.metrics.SessionClosed()
	s.delivered(model.MessageTypeLeave, res)
	s.svc.analytics.Notify(analytics.KindLeave, s.ident.UserID, s.room.ID())
	s.logger.Debug().Msg("session left")
	return true
}

func (s *Session) relay(msg model.Message) bool {
	s.mx.Lock()
	defer s.mx.Unlock()

	if s.state == stateLeft {
		return false
	}
	res, ok := s.room.Relay(s.id, msg)
	if ok {
		s.delivered(msg.MessageType(), res)
	}
	return ok
}

func addressed(to any) bool {
	switch v := to.(type) {
	case nil:
		return false
	case bool:
		return v
	default:
		return true
	}
}

func (s *Session) delivered(msgType string, res sw.Result) {
	s.svc.metrics.Broadcast(msgType, res.Dropped)
	s.logger.Trace().
		Str("type", msgType).
		Int("sent", res.Sent).
		Int("dropped", res.Dropped).
		Msg("broadcast")
}
