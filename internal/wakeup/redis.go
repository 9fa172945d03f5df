// Package wakeup shares job-added hints between engine nodes.
//
// Every node runs its own job executor against the shared database. A
// node that commits a new job wakes its own executor directly; Redis
// carries the hint to the executors of the other nodes so they do not
// wait for their next acquisition cycle. Hints are best effort: a lost
// hint only delays a job until the next cycle.
package wakeup

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	backend "github.com/redis/go-redis/v9"

	"github.com/roach88/pvm/internal/jobs"
)

// DefaultChannel is the pub/sub channel hints are published on.
const DefaultChannel = "pvm:jobs"

// DefaultPublishTimeout bounds a hint publish.
const DefaultPublishTimeout = time.Second

type hint struct {
	Node string `json:"node"`
	// Due is the due date in unix milliseconds, 0 for due now.
	Due int64 `json:"due,omitempty"`
}

// Redis is a jobs.Notifier that forwards hints to a local notifier and
// publishes them for other nodes.
//
// Thread-safety: safe for concurrent use.
type Redis struct {
	client  *backend.Client
	channel string
	node    string
	local   jobs.Notifier
	logger  *slog.Logger
	timeout time.Duration
}

// Option configures a Redis notifier.
type Option func(*Redis)

// WithChannel sets the pub/sub channel.
// Default: DefaultChannel.
func WithChannel(channel string) Option {
	return func(r *Redis) {
		r.channel = channel
	}
}

// WithLogger sets the logger.
// Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *Redis) {
		r.logger = l
	}
}

// WithPublishTimeout bounds each publish.
// Default: DefaultPublishTimeout.
func WithPublishTimeout(d time.Duration) Option {
	return func(r *Redis) {
		r.timeout = d
	}
}

// NewRedis creates a notifier for node. Hints from node itself are not
// forwarded back to local.
func NewRedis(client *backend.Client, node string, local jobs.Notifier, opts ...Option) *Redis {
	r := &Redis{
		client:  client,
		channel: DefaultChannel,
		node:    node,
		local:   local,
		logger:  slog.Default(),
		timeout: DefaultPublishTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// JobAdded notifies the local executor and publishes the hint.
func (r *Redis) JobAdded(due time.Time) {
	r.local.JobAdded(due)

	h := hint{Node: r.node}
	if !due.IsZero() {
		h.Due = due.UnixMilli()
	}
	payload, err := json.Marshal(h)
	if err != nil {
		r.logger.Warn("failed to encode job hint", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		r.logger.Warn("failed to publish job hint", "channel", r.channel, "error", err)
	}
}

// Run forwards hints published by other nodes to the local notifier until
// ctx is canceled.
func (r *Redis) Run(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	// Wait for the subscription to be confirmed.
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	r.logger.Info("listening for job hints", "channel", r.channel, "node", r.node)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var h hint
			if err := json.Unmarshal([]byte(msg.Payload), &h); err != nil {
				r.logger.Warn("ignoring malformed job hint", "payload", msg.Payload, "error", err)
				continue
			}
			if h.Node == r.node {
				continue
			}
			var due time.Time
			if h.Due != 0 {
				due = time.UnixMilli(h.Due).UTC()
			}
			r.local.JobAdded(due)
		}
	}
}
