// Package protocol defines the handler capability surface the engine
// depends on and the explicit registry that maps protocol ids to handler
// factories. The engine never resolves handlers by reflection or import
// path; everything executable is registered at startup.
package protocol

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hookrelay/hookrelay/internal/action"
)

// ErrUnknownProtocol is returned when no factory is registered for an id.
var ErrUnknownProtocol = errors.New("unknown protocol")

// Handler executes actions for one protocol. Implementations own their
// timeouts and cancellation; the engine treats Execute as an opaque
// blocking call and reads the outcome from the Result.
type Handler interface {
	Execute(ctx context.Context, act *action.Action, content []byte) (*action.Result, error)
	ValidateConfig() error
	TestConnection(ctx context.Context) error
}

// Factory builds a configured handler instance.
type Factory func(config map[string]any) (Handler, error)

// Registry maps protocol ids to handler factories. Registration happens
// once at startup; lookups are safe from any goroutine.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register installs a factory for the protocol id, replacing any previous
// registration.
func (r *Registry) Register(protocolID string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[protocolID] = f
}

// Handler builds a configured handler for the protocol id.
func (r *Registry) Handler(protocolID string, config map[string]any) (Handler, error) {
	r.mu.RLock()
	f, ok := r.factories[protocolID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProtocol, protocolID)
	}
	return f(config)
}

// Known reports whether a factory is registered for the protocol id.
func (r *Registry) Known(protocolID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[protocolID]
	return ok
}
