// Package dispatch routes inbound frames to the handlers registered for the
// frame's tag.
package dispatch

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

var (
	ErrEmptyTag   = errors.New("empty tag")
	ErrNilHandler = errors.New("nil handler")
)

// HandlerFunc receives the sanitized text of a frame. A returned error or a
// panic is a fault; it is reported and does not stop sibling handlers.
type HandlerFunc func(raw string) error

// FaultFunc observes handler faults after they have been logged.
type FaultFunc func(tag string, err error)

// Registry maps a tag to the handlers registered for it, in registration
// order. Registrations accumulate and are never replaced.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string][]HandlerFunc
	logger   *slog.Logger
	onFault  FaultFunc
}

func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Registry{
		handlers: make(map[string][]HandlerFunc),
		logger:   log,
	}
}

// OnFault installs an observer for handler faults.
func (r *Registry) OnFault(fn FaultFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onFault = fn
}

func (r *Registry) Register(tag string, h HandlerFunc) error {
	if tag == "" {
		return ErrEmptyTag
	}
	if h == nil {
		return ErrNilHandler
	}

	r.mu.Lock()
	r.handlers[tag] = append(r.handlers[tag], h)
	n := len(r.handlers[tag])
	r.mu.Unlock()

	r.logger.Debug("Registered protocol callback", "tag", tag, "handlers", n)
	return nil
}

// Handlers reports how many handlers are registered for tag.
func (r *Registry) Handlers(tag string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers[tag])
}

// Dispatch calls every handler for tag in order and returns the number of
// faults. An unknown tag is a no-op.
func (r *Registry) Dispatch(tag, raw string) int {
	r.mu.RLock()
	hs := r.handlers[tag]
	onFault := r.onFault
	r.mu.RUnlock()

	if len(hs) == 0 {
		return 0
	}
	r.logger.Debug("Dispatching message", "tag", tag, "handlers", len(hs))

	faults := 0
	for i, h := range hs {
		if err := invoke(h, raw); err != nil {
			faults++
			r.logger.Error("Protocol callback failed", "tag", tag, "index", i, "error", err)
			if onFault != nil {
				onFault(tag, err)
			}
		}
	}
	return faults
}

func invoke(h HandlerFunc, raw string) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return h(raw)
}
