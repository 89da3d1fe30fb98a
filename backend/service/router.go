package service

import (
	"strings"

	"github.com/adwski/signal-relay/backend/metrics"
	"github.com/adwski/signal-relay/backend/model"
	"github.com/rs/zerolog"
)

type Action int

const (
	ActionUnknown Action = iota
	ActionSignal
	ActionJoinRoom
	ActionKick
	ActionMute
	ActionUnmute
	ActionChat
	ActionLeave
)

var actionNames = map[string]Action{
	"signal":    ActionSignal,
	"join_room": ActionJoinRoom,
	"kick":      ActionKick,
	"mute":      ActionMute,
	"unmute":    ActionUnmute,
	"chat":      ActionChat,
	"leave":     ActionLeave,
}

func ParseAction(s string) Action {
	if a, ok := actionNames[s]; ok {
		return a
	}
	return ActionUnknown
}

func (a Action) String() string {
	for name, act := range actionNames {
		if act == a {
			return name
		}
	}
	return "unknown"
}

type RouterConfig struct {
	Logger *zerolog.Logger
	// Metrics is optional.
	Metrics *metrics.Relay
}

// Router maps inbound envelopes onto session actions. It fails closed:
// unknown actions and actions of inactive sessions are dropped.
type Router struct {
	logger  zerolog.Logger
	metrics *metrics.Relay
}

func NewRouter(cfg RouterConfig) *Router {
	return &Router{
		logger:  cfg.Logger.With().Str("component", "router").Logger(),
		metrics: cfg.Metrics,
	}
}

func (rt *Router) Dispatch(s *Session, env model.Envelope) {
	action := ParseAction(env.Action)
	if action == ActionUnknown {
		rt.ignore(env.Action, "unknown action")
		return
	}
	if s == nil || !s.Active() {
		rt.ignore(env.Action, "session is not active")
		return
	}

	data := NormalizeKeys(env.Data)
	var relayed bool
	switch action {
	case ActionSignal:
		sigType, _ := data["type"].(string)
		if sigType == "" {
			rt.ignore(env.Action, "signal without type")
			return
		}
		relayed = s.Signal(sigType, data["payload"])
	case ActionJoinRoom:
		relayed = s.AnnounceJoin()
	case ActionKick:
		relayed = s.Moderate(model.MessageTypeKick, data["user_id"])
	case ActionMute:
		relayed = s.Moderate(model.MessageTypeMute, data["user_id"])
	case ActionUnmute:
		relayed = s.Moderate(model.MessageTypeUnmute, data["user_id"])
	case ActionChat:
		relayed = s.Chat(data["message"], data["to"])
	case ActionLeave:
		relayed = s.Leave()
	}
	if !relayed {
		rt.metrics.Ignored(action.String())
	}
}

func (rt *Router) ignore(action, reason string) {
	rt.metrics.Ignored(ParseAction(action).String())
	rt.logger.Debug().Str("action", action).Msg(reason)
}

// NormalizeKeys returns a copy of m with symbol-like keys (":type")
// turned into plain ones. When both forms are present the plain key wins.
// Nested maps and slices are normalized too.
func NormalizeKeys(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if name, ok := strings.CutPrefix(k, ":"); ok {
			if _, plain := m[name]; plain {
				continue
			}
			k = name
		}
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return NormalizeKeys(val)
	case []any:
		out := make([]any, len(val))
		for i := range val {
			out[i] = normalizeValue(val[i])
		}
		return out
	default:
		return v
	}
}
