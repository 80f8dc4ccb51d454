// Package relay carries broker frames between service instances so that a
// client connected to one node receives events produced on another.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

const (
	BackendLocal = "local"
	BackendRedis = "redis"
	BackendNATS  = "nats"
)

// Envelope is one broker frame addressed to one or more channels.
type Envelope struct {
	Origin   string          `json:"origin"`
	Channels []string        `json:"channels"`
	Frame    json.RawMessage `json:"frame"`
}

// Handler receives envelopes published by any node, including this one.
type Handler func(Envelope)

// Relay is a best-effort cross-node fan-out. Like the broker itself it keeps
// no backlog.
type Relay interface {
	Publish(ctx context.Context, env Envelope) error
	Subscribe(ctx context.Context, handler Handler) error
	Backend() string
	Close() error
}

type Options struct {
	Backend  string
	RedisURL string
	NATSURL  string
	Subject  string
	Logger   *slog.Logger
}

// New builds the relay for the configured backend.
func New(opts Options) (Relay, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	logger := opts.Logger.With("component", "relay", "backend", opts.Backend)
	switch opts.Backend {
	case "", BackendLocal:
		return NewLocal(), nil
	case BackendRedis:
		return NewRedis(opts.RedisURL, opts.Subject, logger)
	case BackendNATS:
		return NewNATS(opts.NATSURL, opts.Subject, logger)
	default:
		return nil, fmt.Errorf("unknown relay backend %q", opts.Backend)
	}
}

func decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, err
	}
	if len(env.Channels) == 0 {
		return Envelope{}, fmt.Errorf("relay envelope without channels")
	}
	return env, nil
}
