package analytics

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

var (
	ErrConnect = errors.New("unable to connect analytics backend")
)

// Log writes events to the log.
type Log struct {
	logger zerolog.Logger
}

func NewLog(logger *zerolog.Logger) *Log {
	return &Log{logger: logger.With().Str("component", "analytics-log").Logger()}
}

func (l *Log) Publish(_ context.Context, ev Event) error {
	l.logger.Info().
		Str("event", string(ev.Kind)).
		Str("userID", string(ev.UserID)).
		Str("roomID", ev.RoomID).
		Time("at", ev.At).
		Msg("presence event")
	return nil
}

// Redis publishes events as JSON to a pub/sub channel.
type Redis struct {
	rdb     *redis.Client
	channel string
}

func NewRedis(ctx context.Context, addr string, db int, channel string) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Join(ErrConnect, err)
	}
	return &Redis{rdb: rdb, channel: channel}, nil
}

func (r *Redis) Publish(ctx context.Context, ev Event) error {
	b, err := json.Marshal(&ev)
	if err != nil {
		return err
	}
	return r.rdb.Publish(ctx, r.channel, b).Err()
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}

// NATS publishes events to "<subject>.<kind>".
type NATS struct {
	nc      *nats.Conn
	subject string
}

func NewNATS(url, subject string, logger *zerolog.Logger) (*NATS, error) {
	l := logger.With().Str("component", "analytics-nats").Logger()
	nc, err := nats.Connect(url,
		nats.Name("signal-relay"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				l.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			l.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, errors.Join(ErrConnect, err)
	}
	return &NATS{nc: nc, subject: subject}, nil
}

func (n *NATS) Publish(_ context.Context, ev Event) error {
	b, err := json.Marshal(&ev)
	if err != nil {
		return err
	}
	return n.nc.Publish(n.subject+"."+string(ev.Kind), b)
}

func (n *NATS) Close() error {
	n.nc.Close()
	return nil
}

const createEventsTable = `
CREATE TABLE IF NOT EXISTS presence_events (
	id          BIGSERIAL PRIMARY KEY,
	kind        TEXT        NOT NULL,
	user_id     TEXT        NOT NULL,
	room_id     TEXT        NOT NULL,
	occurred_at TIMESTAMPTZ NOT NULL
)`

// Postgres appends events to the presence_events table.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, url string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, errors.Join(ErrConnect, err)
	}
	if _, err = pool.Exec(ctx, createEventsTable); err != nil {
		pool.Close()
		return nil, errors.Join(ErrConnect, err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Publish(ctx context.Context, ev Event) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO presence_events (kind, user_id, room_id, occurred_at)
		VALUES ($1, $2, $3, $4)
	`, string(ev.Kind), string(ev.UserID), ev.RoomID, ev.At)
	return err
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
