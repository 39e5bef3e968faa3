package xcomm

import (
	"errors"
	"fmt"
	"sync"
)

// BackendFactory constructs a Bus from a config blob.
type BackendFactory func(cfg map[string]any) (Bus, error)

var (
	backendRegistryMu sync.RWMutex
	backendRegistry   = map[string]BackendFactory{}
)

// RegisterBackend registers a backend adapter. Adapters call this from
// their init so that a blank import makes the backend constructible by
// name.
func RegisterBackend(name string, factory BackendFactory) error {
	if name == "" {
		return errors.New("xcomm: backend name must not be empty")
	}
	if factory == nil {
		return errors.New("xcomm: backend factory must not be nil")
	}
	backendRegistryMu.Lock()
	backendRegistry[name] = factory
	backendRegistryMu.Unlock()
	return nil
}

// New constructs a Bus by backend name with config.
func New(name string, cfg map[string]any) (Bus, error) {
	backendRegistryMu.RLock()
	f, ok := backendRegistry[name]
	backendRegistryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("xcomm: unknown backend %q", name)
	}
	return f(cfg)
}
