package poll

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"
)

type handle interface {
	Stop()
	Done() <-chan struct{}
}

// Registry tracks the live subscriptions of one client by key, plus a single
// heartbeat slot.
type Registry struct {
	mu        sync.Mutex
	subs      map[string]handle
	heartbeat handle
	wg        sync.WaitGroup
	log       *zap.Logger
}

func NewRegistry(log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{subs: make(map[string]handle), log: log}
}

// Watch stops whatever runs under opts.Key and subscribes in its place.
func Watch[T any](ctx context.Context, r *Registry, probe Probe[T], onItems func([]T), opts Options[T]) StopFunc {
	r.Stop(opts.Key)
	if opts.Logger == nil {
		opts.Logger = r.log
	}
	s := Subscribe(ctx, probe, onItems, opts)
	r.put(opts.Key, s)
	return func() {
		s.Stop()
		r.release(opts.Key, s)
	}
}

func (r *Registry) put(key string, h handle) {
	r.mu.Lock()
	prev := r.subs[key]
	r.subs[key] = h
	r.wg.Add(1)
	r.mu.Unlock()

	if prev != nil {
		// two Watch calls raced on the same key
		prev.Stop()
	}
	go func() {
		defer r.wg.Done()
		<-h.Done()
		r.release(key, h)
	}()
}

// release drops key only while it still maps to h.
func (r *Registry) release(key string, h handle) {
	r.mu.Lock()
	if r.subs[key] == h {
		delete(r.subs, key)
	}
	r.mu.Unlock()
}

func (r *Registry) Stop(key string) {
	r.mu.Lock()
	h := r.subs[key]
	delete(r.subs, key)
	r.mu.Unlock()
	if h != nil {
		h.Stop()
	}
}

// StopAll stops every subscription and the heartbeat. Keys are snapshotted
// first, so callbacks may stop themselves meanwhile.
func (r *Registry) StopAll() {
	r.mu.Lock()
	hs := make([]handle, 0, len(r.subs)+1)
	for k, h := range r.subs {
		hs = append(hs, h)
		delete(r.subs, k)
	}
	if r.heartbeat != nil {
		hs = append(hs, r.heartbeat)
		r.heartbeat = nil
	}
	r.mu.Unlock()

	for _, h := range hs {
		h.Stop()
	}
	if len(hs) > 0 {
		r.log.Debug("poll: registry stopped", zap.Int("n", len(hs)))
	}
}

// Wait blocks until every goroutine started through r has exited or ctx ends.
func (r *Registry) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Registry) Active(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.subs[key]
	return ok
}

func (r *Registry) Keys() []string {
	r.mu.Lock()
	keys := make([]string, 0, len(r.subs))
	for k := range r.subs {
		keys = append(keys, k)
	}
	r.mu.Unlock()
	sort.Strings(keys)
	return keys
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// StartHeartbeat replaces the running heartbeat, if any.
func (r *Registry) StartHeartbeat(ctx context.Context, action func(context.Context) error, opts HeartbeatOptions) StopFunc {
	if opts.Logger == nil {
		opts.Logger = r.log
	}
	r.mu.Lock()
	prev := r.heartbeat
	r.heartbeat = nil
	r.mu.Unlock()
	if prev != nil {
		prev.Stop()
	}

	h := StartHeartbeat(ctx, action, opts)
	r.mu.Lock()
	prev, r.heartbeat = r.heartbeat, h
	r.wg.Add(1)
	r.mu.Unlock()
	if prev != nil {
		prev.Stop()
	}
	go func() {
		defer r.wg.Done()
		<-h.Done()
		r.clearHeartbeat(h)
	}()
	return func() {
		h.Stop()
		r.clearHeartbeat(h)
	}
}

func (r *Registry) clearHeartbeat(h handle) {
	r.mu.Lock()
	if r.heartbeat == h {
		r.heartbeat = nil
	}
	r.mu.Unlock()
}

// HeartbeatActive reports whether a heartbeat is running.
func (r *Registry) HeartbeatActive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.heartbeat != nil
}
