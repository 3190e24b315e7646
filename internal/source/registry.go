package source

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/yairfalse/terradrift/internal/config"
)

// Factory builds a Source from a storage descriptor. Factories must not
// touch the network or load credentials.
type Factory func(cfg config.Storage) (Source, error)

// Registry holds registered backend factories.
var (
	registry = make(map[string]Factory)
	mu       sync.RWMutex
)

// Register adds a backend factory under one or more provider names.
func Register(f Factory, providers ...string) {
	mu.Lock()
	defer mu.Unlock()
	for _, p := range providers {
		registry[strings.ToLower(p)] = f
	}
}

// New builds the Source for cfg.Provider.
func New(cfg config.Storage) (Source, error) {
	mu.RLock()
	f, ok := registry[strings.ToLower(cfg.Provider)]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown storage provider %q (registered: %s)", cfg.Provider, strings.Join(Providers(), ", "))
	}
	return f(cfg)
}

// Providers returns all registered provider names, sorted.
func Providers() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clear removes all factories from the registry. Used for testing.
func Clear() {
	mu.Lock()
	defer mu.Unlock()
	registry = make(map[string]Factory)
}
