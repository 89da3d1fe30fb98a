package room

import (
	"errors"
	"slices"
	"sync"

	"github.com/adwski/signal-relay/backend/model"
	sw "github.com/adwski/signal-relay/backend/switch"
	"github.com/rs/zerolog"
)

var (
	// ErrEvicted is returned when a join reaches a room that the registry
	// has already reclaimed. The caller should look the room up again.
	ErrEvicted = errors.New("room is evicted")
)

// Decision is an outcome of a join attempt. Zero value means accepted.
type Decision struct {
	Reason model.RejectReason
}

func (d Decision) Accepted() bool {
	return d.Reason == ""
}

func Reject(reason model.RejectReason) Decision {
	return Decision{Reason: reason}
}

type session struct {
	userID model.UserID
	policy model.Policy
}

// State is a single room: membership, last accepted policy and the fan-out
// switch. All mutations and every broadcast happen under mx, which gives a
// total order of messages per room.
type State struct {
	id     string
	logger zerolog.Logger

	mx       sync.Mutex
	members  []model.UserID
	sessions map[string]session
	// dropped are sessions removed for overflow whose transport has not
	// called Leave yet.
	dropped map[string]struct{}
	policy  model.Policy
	sw       *sw.Switch
	evicted  bool
}

func New(id string, logger *zerolog.Logger) *State {
	return &State{
		id:       id,
		logger:   logger.With().Str("component", "room").Str("roomID", id).Logger(),
		members:  make([]model.UserID, 0),
		sessions: make(map[string]session),
		dropped:  make(map[string]struct{}),
		sw:       sw.NewSwitch(logger, id),
	}
}

func (s *State) ID() string {
	return s.id
}

// TryJoin evaluates policy and on success registers the session outbox and
// adds the user to members. Capacity check and insertion are atomic.
// Nothing is broadcast.
func (s *State) TryJoin(sessionID string, ident model.Identity, policy model.Policy, wire model.Wire) (Decision, error) {
	if ident.UserID == "" {
		return Reject(model.RejectNoIdentity), nil
	}

	s.mx.Lock()
	defer s.mx.Unlock()

	if s.evicted {
		return Decision{}, ErrEvicted
	}
	if policy.Locked && ident.Role != model.RoleHost {
		return Reject(model.RejectLocked), nil
	}
	if policy.MaxParticipants > 0 && len(s.members) >= policy.MaxParticipants {
		return Reject(model.RejectFull), nil
	}

	s.sessions[sessionID] = session{userID: ident.UserID, policy: policy}
	s.addMember(ident.UserID)
	s.policy = policy
	s.sw.Connect(sessionID, wire)

	s.logger.Debug().
		Str("userID", string(ident.UserID)).
		Str("sessionID", sessionID).
		Int("members", len(s.members)).
		Msg("session joined")
	return Decision{}, nil
}

// Announce re-adds session user to members if absent and broadcasts a join
// message to everyone including the sender.
func (s *State) Announce(sessionID string, markup string) (sw.Result, bool) {
	s.mx.Lock()
	defer s.mx.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return sw.Result{}, false
	}
	s.addMember(sess.userID)

	msg := &model.JoinMessage{
		Type:            model.MessageTypeJoin,
		From:            sess.userID,
		Participants:    s.snapshot(),
		Topic:           sess.policy.Topic,
		MaxParticipants: max(sess.policy.MaxParticipants, 0),
		TurboStream:     markup,
	}
	return s.broadcast(msg), true
}

// Relay broadcasts msg on behalf of a connected session. Messages from
// sessions that already left are discarded.
func (s *State) Relay(sessionID string, msg model.Message) (sw.Result, bool) {
	s.mx.Lock()
	defer s.mx.Unlock()

	if _, ok := s.sessions[sessionID]; !ok {
		return sw.Result{}, false
	}
	return s.broadcast(msg), true
}

// Leave removes session and broadcasts a leave message with remaining
// participants. Only the first call for a session has any effect.
// The user stays a member while another of its sessions is connected.
// A session already dropped for overflow leaves without a broadcast, the
// room announced it when it was dropped.
func (s *State) Leave(sessionID string) (sw.Result, bool) {
	s.mx.Lock()
	defer s.mx.Unlock()

	if _, ok := s.dropped[sessionID]; ok {
		delete(s.dropped, sessionID)
		return sw.Result{}, true
	}
	userID, ok := s.remove(sessionID)
	if !ok {
		return sw.Result{}, false
	}
	s.sw.Disconnect(sessionID)

	s.logger.Debug().
		Str("userID", string(userID)).
		Str("sessionID", sessionID).
		Int("members", len(s.members)).
		Msg("session left")

	msg := &model.LeaveMessage{
		Type:         model.MessageTypeLeave,
		From:         userID,
		Participants: s.snapshot(),
	}
	return s.broadcast(msg), true
}

// broadcast fans msg out. Sessions whose outbox overflowed are dropped and
// the remaining ones get a leave for every user that is no longer a member.
// Those leaves may overflow further outboxes, so it repeats until nothing
// overflows. Must be called with mx held.
func (s *State) broadcast(msg model.Message) sw.Result {
	res := s.sw.Broadcast(msg)
	for pending := res.Overflowed; len(pending) > 0; {
		var next []string
		for _, sessionID := range pending {
			userID, ok := s.remove(sessionID)
			if !ok {
				continue
			}
			s.dropped[sessionID] = struct{}{}
			s.logger.Warn().
				Str("userID", string(userID)).
				Str("sessionID", sessionID).
				Msg("session dropped, outbox overflowed")
			if slices.Contains(s.members, userID) {
				continue
			}
			r := s.sw.Broadcast(&model.LeaveMessage{
				Type:         model.MessageTypeLeave,
				From:         userID,
				Participants: s.snapshot(),
			})
			next = append(next, r.Overflowed...)
			res.Add(r)
		}
		pending = next
	}
	return res
}

// remove forgets session and removes its user from members unless another
// session of the same user remains.
func (s *State) remove(sessionID string) (model.UserID, bool) {
	sess, ok := s.sessions[sessionID]
	if !ok {
		return "", false
	}
	delete(s.sessions, sessionID)
	if !s.hasSessionOf(sess.userID) {
		s.removeMember(sess.userID)
	}
	return sess.userID, true
}

func (s *State) Members() []model.UserID {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.snapshot()
}

func (s *State) Info() model.Room {
	s.mx.Lock()
	defer s.mx.Unlock()
	return model.Room{
		ID:              s.id,
		Participants:    s.snapshot(),
		Locked:          s.policy.Locked,
		MaxParticipants: max(s.policy.MaxParticipants, 0),
		Topic:           s.policy.Topic,
	}
}

// Evict marks room as reclaimed if it has no members and no sessions.
// Joins that race with eviction get ErrEvicted.
func (s *State) Evict() bool {
	s.mx.Lock()
	defer s.mx.Unlock()

	if len(s.members) != 0 || len(s.sessions) != 0 {
		return false
	}
	s.evicted = true
	return true
}

func (s *State) addMember(userID model.UserID) {
	if !slices.Contains(s.members, userID) {
		s.members = append(s.members, userID)
	}
}

func (s *State) removeMember(userID model.UserID) {
	s.members = slices.DeleteFunc(s.members, func(id model.UserID) bool {
		return id == userID
	})
}

func (s *State) hasSessionOf(userID model.UserID) bool {
	for _, sess := range s.sessions {
		if sess.userID == userID {
			return true
		}
	}
	return false
}

func (s *State) snapshot() []model.UserID {
	return slices.Clone(s.members)
}
