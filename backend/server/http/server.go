package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/adwski/signal-relay/backend/model"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline  = 10 * time.Second
	defaultReadHeaderTimeout = 10 * time.Second
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type RoomLister interface {
	Rooms() []model.Room
	Room(roomID string) (model.Room, bool)
}

type GenericResponse struct {
	Message string      `json:"message,omitempty"`
	Error   string      `json:"error,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

type StatusResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

type Server struct {
	logger  zerolog.Logger
	rooms   RoomLister
	version string
	*http.Server
}

type Config struct {
	Logger     *zerolog.Logger
	Rooms      RoomLister
	Metrics    http.Handler
	ListenAddr string
	Version    string
	// CORSOrigins are allowed origins, empty means any.
	CORSOrigins []string
}

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger:  cfg.Logger.With().Str("component", "api-server").Logger(),
		rooms:   cfg.Rooms,
		version: cfg.Version,
	}

	r := http.NewServeMux()
	r.HandleFunc("GET /status", srv.status)
	r.HandleFunc("GET /api/rooms", srv.listRooms)
	r.HandleFunc("GET /api/rooms/{roomID}", srv.getRoom)
	if cfg.Metrics != nil {
		r.Handle("GET /metrics", cfg.Metrics)
	}

	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders:   []string{"Origin", "Content-Type", "Accept", "Authorization"},
		// credentials are never allowed for an unrestricted origin list
		AllowCredentials: len(cfg.CORSOrigins) > 0,
		MaxAge:           86400,
	})

	srv.Server = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           c.Handler(r),
		ReadHeaderTimeout: defaultReadHeaderTimeout,
	}
	return srv
}

func (srv *Server) status(w http.ResponseWriter, _ *http.Request) {
	srv.writeJSON(w, http.StatusOK, &StatusResponse{Status: "ok", Version: srv.version})
}

func (srv *Server) listRooms(w http.ResponseWriter, _ *http.Request) {
	srv.writeJSON(w, http.StatusOK, &GenericResponse{Data: srv.rooms.Rooms()})
}

func (srv *Server) getRoom(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("roomID")
	room, ok := srv.rooms.Room(roomID)
	if !ok {
		srv.writeJSON(w, http.StatusNotFound, &GenericResponse{Error: "room not found"})
		return
	}
	srv.logger.Trace().Str("roomID", roomID).Msg("room requested")
	srv.writeJSON(w, http.StatusOK, &GenericResponse{Data: room})
}

func (srv *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		srv.logger.Error().Err(err).Msg("failed to marshal response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.WriteHeader(code)
	if _, err = w.Write(b); err != nil {
		srv.logger.Error().Err(err).Msg("failed to write response")
	}
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	hErr := make(chan error, 1)
	go func() {
		hErr <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-hErr:
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
