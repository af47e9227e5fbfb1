// Package pulse exposes a stream.Sink implementation that publishes engine
// events to goa.design/pulse streams. Services build a Redis client, pass
// it to New, and hand the resulting sink to the engine; subscribers consume
// one stream per workflow execution.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	"goa.design/flow/stream"
)

type (
	// Options configures the Pulse sink.
	Options struct {
		// Redis is the Redis connection used to back Pulse streams. Required.
		Redis *redis.Client
		// StreamMaxLen bounds the number of entries kept per stream. Zero
		// uses Pulse defaults.
		StreamMaxLen int
		// OperationTimeout bounds individual Add operations. Zero means no
		// timeout.
		OperationTimeout time.Duration
	}

	// Sink publishes engine events into per-execution Pulse streams.
	// Thread-safe for concurrent Send operations.
	Sink struct {
		redis   *redis.Client
		maxLen  int
		timeout time.Duration
	}
)

var _ stream.Sink = (*Sink)(nil)

// New constructs a Pulse sink backed by the provided Redis connection.
func New(opts Options) (*Sink, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	return &Sink{
		redis:   opts.Redis,
		maxLen:  opts.StreamMaxLen,
		timeout: opts.OperationTimeout,
	}, nil
}

// Send publishes the event to the stream of its workflow execution.
func (s *Sink) Send(ctx context.Context, event stream.Event) error {
	if event.WorkflowExecutionID == "" {
		return errors.New("stream event missing workflow execution id")
	}
	var opts []streamopts.Stream
	if s.maxLen > 0 {
		opts = append(opts, streamopts.WithStreamMaxLen(s.maxLen))
	}
	str, err := streaming.NewStream(streamName(event.WorkflowExecutionID), s.redis, opts...)
	if err != nil {
		return fmt.Errorf("create pulse stream: %w", err)
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal stream event: %w", err)
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	if _, err := str.Add(ctx, event.Type, payload); err != nil {
		return fmt.Errorf("pulse add: %w", err)
	}
	return nil
}

// Close is a no-op because the caller owns the Redis connection lifecycle.
func (s *Sink) Close(ctx context.Context) error { return nil }

func streamName(executionID string) string {
	return "execution/" + executionID
}
