package service

import (
	"errors"
	"strings"

	"github.com/adwski/signal-relay/backend/analytics"
	"github.com/adwski/signal-relay/backend/metrics"
	"github.com/adwski/signal-relay/backend/model"
	"github.com/adwski/signal-relay/backend/room"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultJoinMarkup is attached to join broadcasts for clients that patch
// the participant list with turbo streams.
const DefaultJoinMarkup = `<turbo-stream action="append">...</turbo-stream>`

const maxJoinAttempts = 3

var (
	ErrJoin = errors.New("unable to join room")
)

type (
	Registry interface {
		GetOrCreate(roomID string) *room.State
	}

	Service struct {
		reg       Registry
		analytics analytics.Sink
		metrics   *metrics.Relay
		markup    string
		logger    zerolog.Logger
	}

	Config struct {
		Registry  Registry
		Analytics analytics.Sink
		// Metrics is optional.
		Metrics    *metrics.Relay
		Logger     *zerolog.Logger
		JoinMarkup string
	}
)

func NewService(cfg Config) *Service {
	sink := cfg.Analytics
	if sink == nil {
		sink = analytics.Nop{}
	}
	return &Service{
		reg:       cfg.Registry,
		analytics: sink,
		metrics:   cfg.Metrics,
		markup:    cfg.JoinMarkup,
		logger:    cfg.Logger.With().Str("component", "signaling").Logger(),
	}
}

// Subscribe authorizes a connection against a room. Rejection is reported
// through the decision, error is returned only if the room could not be
// reached at all.
func (svc *Service) Subscribe(ident model.Identity, params model.SubscribeParams, wire model.Wire) (*Session, room.Decision, error) {
	if ident.UserID == "" {
		return svc.reject(ident, params.RoomID, model.RejectNoIdentity)
	}
	if strings.TrimSpace(params.RoomID) == "" {
		return svc.reject(ident, params.RoomID, model.RejectBadRoom)
	}

	sessionID := uuid.NewString()
	for range maxJoinAttempts {
		st := svc.reg.GetOrCreate(params.RoomID)
		dec, err := st.TryJoin(sessionID, ident, params.Policy, wire)
		if errors.Is(err, room.ErrEvicted) {
			continue
		}
		if err != nil {
			return nil, room.Decision{}, errors.Join(ErrJoin, err)
		}
		if !dec.Accepted() {
			return svc.reject(ident, params.RoomID, dec.Reason)
		}

		svc.metrics.SessionOpened()
		sess := newSession(svc, st, sessionID, ident, params.Features)
		sess.logger.Debug().Msg("subscription confirmed")
		return sess, dec, nil
	}
	return nil, room.Decision{}, errors.Join(ErrJoin, room.ErrEvicted)
}

func (svc *Service) reject(ident model.Identity, roomID string, reason model.RejectReason) (*Session, room.Decision, error) {
	svc.metrics.Rejected(reason)
	svc.logger.Debug().
		Str("roomID", roomID).
		Str("userID", string(ident.UserID)).
		Str("reason", string(reason)).
		Msg("subscription rejected")
	return nil, room.Reject(reason), nil
}
