// Package scheduler implements the durable delayed-call registry: "invoke
// target T with args A at time now+d". Calls persist in the store, so
// deferred work survives process restarts, and the poll loop claims due
// calls with a lease so concurrent pollers never double-invoke within a
// lease window. Delivery is at-least-once; targets must be idempotent.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"goa.design/flow/store"
	"goa.design/flow/telemetry"
)

type (
	// CallHandler executes one scheduled call with its rehydrated args.
	CallHandler func(ctx context.Context, args map[string]any) error

	// TargetRegistry resolves stable target/method names to handlers. It
	// is populated at startup, so durable calls created by an earlier
	// process resolve in the current one.
	TargetRegistry struct {
		mu       sync.RWMutex
		handlers map[string]CallHandler
	}

	// Serializer converts a non-primitive argument to and from its stored
	// textual form.
	Serializer interface {
		Marshal(v any) (string, error)
		Unmarshal(s string) (any, error)
	}

	// SerializerRegistry resolves serializer names recorded with a call.
	SerializerRegistry struct {
		mu          sync.RWMutex
		serializers map[string]Serializer
	}

	// Options configures a Scheduler.
	Options struct {
		// Store persists scheduled calls. Required.
		Store store.Store
		// Targets resolves call targets. Required.
		Targets *TargetRegistry
		// Serializers resolves argument serializers. Required when any
		// caller schedules non-primitive args.
		Serializers *SerializerRegistry
		// Interval is the poll cadence. Defaults to one second.
		Interval time.Duration
		// Lease is how long a claimed call stays invisible to other
		// pollers. Defaults to one minute.
		Lease time.Duration
		// InvocationsPerSecond caps target invocations per poller. Zero
		// means no cap.
		InvocationsPerSecond float64
		// Logger and Metrics default to no-ops.
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
	}

	// Scheduler persists future calls and runs the poll loop that claims
	// and invokes them.
	Scheduler struct {
		store       store.Store
		targets     *TargetRegistry
		serializers *SerializerRegistry
		interval    time.Duration
		lease       time.Duration
		limiter     *rate.Limiter
		log         telemetry.Logger
		metrics     telemetry.Metrics
	}
)

// NewTargetRegistry creates an empty target registry.
func NewTargetRegistry() *TargetRegistry {
	return &TargetRegistry{handlers: make(map[string]CallHandler)}
}

// Register binds a handler to a target/method pair. An empty target means
// method names a module-level function.
func (r *TargetRegistry) Register(target, method string, h CallHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[targetKey(target, method)] = h
}

// Resolve returns the handler bound to the target/method pair.
func (r *TargetRegistry) Resolve(target, method string) (CallHandler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[targetKey(target, method)]
	if !ok {
		return nil, fmt.Errorf("no handler registered for scheduled call target %q", targetKey(target, method))
	}
	return h, nil
}

func targetKey(target, method string) string {
	if target == "" {
		return method
	}
	return target + "." + method
}

// NewSerializerRegistry creates an empty serializer registry.
func NewSerializerRegistry() *SerializerRegistry {
	return &SerializerRegistry{serializers: make(map[string]Serializer)}
}

// Register binds a serializer to a stable name.
func (r *SerializerRegistry) Register(name string, s Serializer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.serializers[name] = s
}

// Resolve returns the named serializer.
func (r *SerializerRegistry) Resolve(name string) (Serializer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.serializers[name]
	if !ok {
		return nil, fmt.Errorf("no serializer registered under %q", name)
	}
	return s, nil
}

const (
	defaultInterval = time.Second
	defaultLease    = time.Minute
)

// New creates a Scheduler.
func New(opts Options) (*Scheduler, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Targets == nil {
		return nil, fmt.Errorf("target registry is required")
	}
	s := &Scheduler{
		store:       opts.Store,
		targets:     opts.Targets,
		serializers: opts.Serializers,
		interval:    opts.Interval,
		lease:       opts.Lease,
		log:         opts.Logger,
		metrics:     opts.Metrics,
	}
	if s.serializers == nil {
		s.serializers = NewSerializerRegistry()
	}
	if s.interval <= 0 {
		s.interval = defaultInterval
	}
	if s.lease <= 0 {
		s.lease = defaultLease
	}
	if opts.InvocationsPerSecond > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(opts.InvocationsPerSecond), 1)
	}
	if s.log == nil {
		s.log = telemetry.NoopLogger{}
	}
	if s.metrics == nil {
		s.metrics = telemetry.NoopMetrics{}
	}
	return s, nil
}

// ScheduleCall persists a call due after delay, inside the caller's
// transaction. Arguments named in serializers are stored in their textual
// form and rehydrated before invocation.
func (s *Scheduler) ScheduleCall(ctx context.Context, tx store.Tx, target, method string, delay time.Duration, serializers map[string]string, args map[string]any) error {
	stored := make(map[string]any, len(args))
	for k, v := range args {
		name, ok := serializers[k]
		if !ok {
			stored[k] = v
			continue
		}
		ser, err := s.serializers.Resolve(name)
		if err != nil {
			return err
		}
		text, err := ser.Marshal(v)
		if err != nil {
			return fmt.Errorf("serialize scheduled call arg %q: %w", k, err)
		}
		stored[k] = text
	}
	call := &store.ScheduledCall{
		ID:          uuid.NewString(),
		Target:      target,
		Method:      method,
		ExecuteAt:   time.Now().UTC().Add(delay),
		Args:        stored,
		Serializers: serializers,
		CreatedAt:   time.Now().UTC(),
	}
	return tx.CreateScheduledCall(ctx, call)
}

// Run polls for due calls at the configured cadence until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Poll(ctx); err != nil {
				s.log.Error(ctx, "scheduler poll failed", "err", err)
			}
		}
	}
}

// Poll claims and invokes every due call once. It returns the number of
// calls invoked successfully. Failed invocations keep their row; the lease
// expiry makes them eligible for retry.
func (s *Scheduler) Poll(ctx context.Context) (int, error) {
	start := time.Now()
	calls, err := s.store.ClaimDueCalls(ctx, time.Now().UTC(), s.lease, 0)
	if err != nil {
		return 0, err
	}
	s.metrics.RecordTimer("scheduler.claim_duration", time.Since(start))

	invoked := 0
	for _, call := range calls {
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return invoked, err
			}
		}
		if err := s.invoke(ctx, call); err != nil {
			s.log.Error(ctx, "scheduled call failed",
				"call_id", call.ID, "target", targetKey(call.Target, call.Method), "err", err)
			s.metrics.IncCounter("scheduler.call_failures", 1)
			continue
		}
		invoked++
		s.metrics.IncCounter("scheduler.calls_invoked", 1)
	}
	return invoked, nil
}

// invoke rehydrates args, runs the handler and deletes the call on success.
func (s *Scheduler) invoke(ctx context.Context, call *store.ScheduledCall) error {
	args := make(map[string]any, len(call.Args))
	for k, v := range call.Args {
		name, ok := call.Serializers[k]
		if !ok {
			args[k] = v
			continue
		}
		ser, err := s.serializers.Resolve(name)
		if err != nil {
			return err
		}
		text, ok := v.(string)
		if !ok {
			return fmt.Errorf("scheduled call arg %q is not in serialized form", k)
		}
		if args[k], err = ser.Unmarshal(text); err != nil {
			return fmt.Errorf("deserialize scheduled call arg %q: %w", k, err)
		}
	}
	handler, err := s.targets.Resolve(call.Target, call.Method)
	if err != nil {
		return err
	}
	if err := handler(ctx, args); err != nil {
		return err
	}
	return s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		err := tx.DeleteScheduledCall(ctx, call.ID)
		// Already deleted by a concurrent poller after lease expiry.
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	})
}
