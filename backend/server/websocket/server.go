package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/adwski/signal-relay/backend/auth"
	"github.com/adwski/signal-relay/backend/model"
	"github.com/adwski/signal-relay/backend/room"
	"github.com/adwski/signal-relay/backend/service"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	defaultShutdownDeadline = 10 * time.Second

	defaultOutboxSize = 256

	defaultWebsocketReadBufferSize     = 10000
	defaultWebsocketWriteBufferSize    = 10000
	defaultWebSocketMaxMessageSize     = 64 << 10
	defaultWebSocketHandshakeTimeout   = 3 * time.Second
	defaultWebSocketCloseWriteDeadline = 2 * time.Second
	defaultWebSocketWriteDeadline      = 5 * time.Second

	// defaultPongWait - defaultPingInterval == is how long we give client to respond
	defaultPingInterval = 5 * time.Second
	defaultPongWait     = 7 * time.Second
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type (
	SignalingService interface {
		Subscribe(model.Identity, model.SubscribeParams, model.Wire) (*service.Session, room.Decision, error)
	}

	Dispatcher interface {
		Dispatch(*service.Session, model.Envelope)
	}

	Config struct {
		Logger           *zerolog.Logger
		SignalingService SignalingService
		Router           Dispatcher
		Authenticator    auth.Authenticator
		ListenAddr       string
		// OutboxSize is a number of outbound messages buffered per connection.
		OutboxSize int
		// MaxMessageRate limits inbound messages per second per connection, 0 disables.
		MaxMessageRate float64
		// MaxMessageSize is a read limit for inbound frames in bytes.
		MaxMessageSize int64
	}

	Server struct {
		svc     SignalingService
		router  Dispatcher
		authn   auth.Authenticator
		ws      *websocket.Upgrader
		outbox  int
		msgRate float64
		msgSize int64
		*http.Server

		logger zerolog.Logger
	}
)

func NewServer(cfg Config) *Server {
	outbox := cfg.OutboxSize
	if outbox <= 0 {
		outbox = defaultOutboxSize
	}
	msgSize := cfg.MaxMessageSize
	if msgSize <= 0 {
		msgSize = defaultWebSocketMaxMessageSize
	}
	srv := &Server{
		logger:  cfg.Logger.With().Str("component", "websocket-server").Logger(),
		svc:     cfg.SignalingService,
		router:  cfg.Router,
		authn:   cfg.Authenticator,
		outbox:  outbox,
		msgRate: cfg.MaxMessageRate,
		msgSize: msgSize,
		ws: &websocket.Upgrader{
			HandshakeTimeout: defaultWebSocketHandshakeTimeout,
			ReadBufferSize:   defaultWebsocketReadBufferSize,
			WriteBufferSize:  defaultWebsocketWriteBufferSize,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/signal/room/{roomID}", srv.signal)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}
	return srv
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	errSrv := make(chan error, 1)
	go func() {
		errSrv <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-errSrv:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}

func (srv *Server) signal(w http.ResponseWriter, r *http.Request) {
	params := subscribeParams(r)

	ident, err := srv.authn.Authenticate(r)
	if err != nil {
		// Subscription is rejected by the relay itself, so the client
		// gets a proper reject frame instead of a failed handshake.
		srv.logger.Debug().Err(err).Str("roomID", params.RoomID).Msg("identity not resolved")
		ident = model.Identity{}
	}

	conn, err := srv.ws.Upgrade(w, r, nil)
	if err != nil {
		srv.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	wire := model.NewWire(srv.outbox)
	sess, dec, err := srv.svc.Subscribe(ident, params, wire)
	if err != nil {
		srv.logger.Error().Err(err).Msg("failed to create signaling session")
		webSocketCloser(conn, websocket.CloseInternalServerErr, &srv.logger)
		return
	}
	if !dec.Accepted() {
		_ = writeMessage(conn, &model.ControlMessage{
			Type:   model.MessageTypeReject,
			Reason: dec.Reason,
		})
		webSocketCloser(conn, websocket.ClosePolicyViolation, &srv.logger)
		return
	}

	logger := srv.logger.With().
		Str("roomID", sess.RoomID()).
		Str("userID", string(sess.UserID())).
		Str("sessionID", sess.ID()).
		Logger()
	logger.Debug().Msg("signaling session created")

	if err = writeMessage(conn, &model.ControlMessage{
		Type:   model.MessageTypeConfirm,
		RoomID: sess.RoomID(),
	}); err != nil {
		logger.Error().Err(err).Msg("failed to confirm subscription")
		sess.Leave()
		webSocketCloser(conn, websocket.CloseInternalServerErr, &logger)
		return
	}

	go srv.handleWSConn(conn, sess, wire, &logger)
}

func (srv *Server) handleWSConn(conn *websocket.Conn, sess *service.Session, wire model.Wire, logger *zerolog.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var limiter *rate.Limiter
	if srv.msgRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(srv.msgRate), max(int(srv.msgRate), 1))
	}

	wg := &sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer cancel()
		webSocketReceiver(ctx, wg, conn, srv.msgSize, limiter, func(env model.Envelope) {
			srv.router.Dispatch(sess, env)
		}, logger)
	}()
	go func() {
		select {
		case <-sess.Done():
			cancel()
		case <-wire.Gone():
			cancel()
		case <-ctx.Done():
		}
	}()

	webSocketSender(ctx, conn, wire.TX, logger)
	cancel()

	// disconnect is an implicit leave
	sess.Leave()
	code := websocket.CloseNormalClosure
	select {
	case <-wire.Gone():
		// the room dropped this connection, client should resubscribe
		logger.Warn().Msg("connection is too slow, closing")
		code = websocket.CloseTryAgainLater
	default:
	}
	webSocketCloser(conn, code, logger)
	wg.Wait()
	logger.Debug().Msg("signaling session ended")
}

func webSocketSender(
	ctx context.Context,
	conn *websocket.Conn,
	tx <-chan model.Message,
	logger *zerolog.Logger,
) {
	pingTicker := time.NewTicker(defaultPingInterval)
	defer pingTicker.Stop()

SendLoop:
	for {
		select {
		case <-ctx.Done():
			break SendLoop
		case <-pingTicker.C:
			wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline))
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to set websocket write deadline")
				break SendLoop
			}
			wsErr = conn.WriteMessage(websocket.PingMessage, []byte{})
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to send ping")
				break SendLoop
			}
			logger.Trace().Msg("ping sent")

		case msg := <-tx:
			if wsErr := writeMessage(conn, msg); wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to write outgoing message")
				break SendLoop
			}
		}
	}
}

func webSocketReceiver(
	ctx context.Context,
	wg *sync.WaitGroup,
	conn *websocket.Conn,
	readLimit int64,
	limiter *rate.Limiter,
	dispatch func(model.Envelope),
	logger *zerolog.Logger,
) {
	defer wg.Done()

	conn.SetReadLimit(readLimit)
	readDeadLineFunc := func(deadline time.Duration) error {
		return conn.SetReadDeadline(time.Now().Add(deadline))
	}
	conn.SetPongHandler(func(string) error {
		logger.Trace().Msg("got pong")
		return readDeadLineFunc(defaultPongWait)
	})
	err := readDeadLineFunc(defaultPongWait)
	if err != nil {
		logger.Error().Err(err).Msg("failed to set websocket read deadline")
		return
	}

	for {
		_, msg, wsErr := conn.ReadMessage()
		if wsErr != nil {
			switch {
			case ctx.Err() != nil:
			case websocket.IsCloseError(wsErr, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				logger.Debug().Err(wsErr).Msg("connection closed")
			default:
				logger.Warn().Err(wsErr).Msg("unexpected error during receive")
			}
			return
		}
		if err = readDeadLineFunc(defaultPongWait); err != nil {
			logger.Error().Err(err).Msg("failed to set websocket read deadline")
			return
		}
		if limiter != nil && !limiter.Allow() {
			logger.Warn().Msg("message rate exceeded, message dropped")
			continue
		}

		var env model.Envelope
		if wsErr = json.Unmarshal(msg, &env); wsErr != nil {
			logger.Warn().Err(wsErr).Msg("failed to unmarshall incoming message")
			continue
		}
		dispatch(env)
	}
}

func writeMessage(conn *websocket.Conn, msg model.Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err = conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, b)
}

func webSocketCloser(conn *websocket.Conn, code int, logger *zerolog.Logger) {
	wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketCloseWriteDeadline))
	if wsErr != nil {
		logger.Debug().Err(wsErr).Msg("failed to set websocket write deadline during closing")
	} else {
		wsErr = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""))
		if wsErr != nil {
			logger.Debug().Err(wsErr).Msg("failed to send close message")
		}
	}
	wsErr = conn.Close()
	if wsErr != nil {
		logger.Debug().Err(wsErr).Msg("failed to close websocket connection")
	}
}

// subscribeParams reads room id from path and policy from query.
// Malformed optional values are treated as unset.
func subscribeParams(r *http.Request) model.SubscribeParams {
	q := r.URL.Query()
	boolParam := func(key string) bool {
		v, err := strconv.ParseBool(q.Get(key))
		return err == nil && v
	}
	maxParticipants, err := strconv.Atoi(q.Get("max_participants"))
	if err != nil || maxParticipants < 1 {
		maxParticipants = 0
	}
	return model.SubscribeParams{
		RoomID: r.PathValue("roomID"),
		Policy: model.Policy{
			Locked:          boolParam("room_locked"),
			MaxParticipants: maxParticipants,
			Topic:           q.Get("room_topic"),
		},
		Features: model.Features{
			ScreenSharing: boolParam("enable_screen_sharing"),
			PrivateChat:   boolParam("enable_private_chat"),
		},
	}
}
