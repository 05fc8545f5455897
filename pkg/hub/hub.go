// Package hub keeps the set of live push subscribers and fans payloads out to
// them with per-subscriber failure isolation.
package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultPushTimeout bounds a single delivery.
const DefaultPushTimeout = 5 * time.Second

var (
	// ErrUnavailable marks a subscriber that can no longer receive payloads.
	// Broadcast evicts subscribers whose Push fails with it.
	ErrUnavailable = errors.New("subscriber unavailable")
	// ErrBufferFull is returned by a subscriber whose outbound queue is full.
	ErrBufferFull = fmt.Errorf("%w: send buffer full", ErrUnavailable)
)

// Subscriber is a push target.
type Subscriber interface {
	ID() string
	Push(ctx context.Context, payload []byte) error
	Close() error
}

// Result summarises one broadcast.
type Result struct {
	Delivered int
	Failed    int
	Evicted   int
}

// Hub is a concurrency-safe subscriber registry.
type Hub struct {
	mu          sync.RWMutex
	subs        map[string]Subscriber
	pushTimeout time.Duration
	logger      zerolog.Logger
}

// Option configures a Hub.
type Option func(*Hub)

// WithPushTimeout bounds each delivery.
func WithPushTimeout(d time.Duration) Option {
	return func(h *Hub) {
		h.pushTimeout = d
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(h *Hub) {
		h.logger = l.With().Str("component", "hub").Logger()
	}
}

// New creates an empty Hub.
func New(opts ...Option) *Hub {
	h := &Hub{
		subs:        make(map[string]Subscriber),
		pushTimeout: DefaultPushTimeout,
		logger:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Add registers s, replacing any subscriber with the same ID.
func (h *Hub) Add(s Subscriber) {
	h.mu.Lock()
	old, replaced := h.subs[s.ID()]
	h.subs[s.ID()] = s
	h.mu.Unlock()

	if replaced && old != s {
		_ = old.Close()
	}
	h.logger.Info().Str("subscriber", s.ID()).Msg("subscriber registered")
}

// Remove unregisters and closes the subscriber with id. It reports whether
// the subscriber was registered.
func (h *Hub) Remove(id string) bool {
	h.mu.Lock()
	s, ok := h.subs[id]
	delete(h.subs, id)
	h.mu.Unlock()

	if !ok {
		return false
	}
	if err := s.Close(); err != nil {
		h.logger.Debug().Err(err).Str("subscriber", id).Msg("close subscriber")
	}
	h.logger.Info().Str("subscriber", id).Msg("subscriber unregistered")
	return true
}

// Snapshot returns the current subscribers. The slice is owned by the caller
// and unaffected by later Add or Remove calls.
func (h *Hub) Snapshot() []Subscriber {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]Subscriber, 0, len(h.subs))
	for _, s := range h.subs {
		out = append(out, s)
	}
	return out
}

// Len returns the number of registered subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Broadcast pushes payload to every current subscriber concurrently and waits
// for all deliveries. A failing or panicking subscriber never affects the
// others; failures are logged and counted. Subscribers that report
// ErrUnavailable are evicted.
func (h *Hub) Broadcast(ctx context.Context, payload []byte) Result {
	subs := h.Snapshot()
	if len(subs) == 0 {
		return Result{}
	}

	errs := make([]error, len(subs))
	var wg sync.WaitGroup
	for i, s := range subs {
		wg.Add(1)
		go func(i int, s Subscriber) {
			defer wg.Done()
			errs[i] = h.push(ctx, s, payload)
		}(i, s)
	}
	wg.Wait()

	var res Result
	for i, err := range errs {
		if err == nil {
			res.Delivered++
			continue
		}
		res.Failed++
		id := subs[i].ID()
		h.logger.Warn().Err(err).Str("subscriber", id).Msg("push failed")
		if errors.Is(err, ErrUnavailable) && h.Remove(id) {
			res.Evicted++
		}
	}
	return res
}

func (h *Hub) push(ctx context.Context, s Subscriber, payload []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("push panicked: %v", r)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, h.pushTimeout)
	defer cancel()
	return s.Push(ctx, payload)
}

// Close unregisters and closes every subscriber.
func (h *Hub) Close() {
	for _, s := range h.Snapshot() {
		h.Remove(s.ID())
	}
}
