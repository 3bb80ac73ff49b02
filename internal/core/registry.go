package core

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// SinkOptions carries the settings sink constructors may need.
type SinkOptions struct {
	OutputDir   string
	SQLitePath  string
	DatabaseURL string
	TablePrefix string
	Logger      *slog.Logger
}

// SinkConstructor opens a sink.
type SinkConstructor func(ctx context.Context, opts SinkOptions) (BatchSink, error)

var (
	sinkRegistry   = make(map[string]SinkConstructor)
	sinkRegistryMu sync.RWMutex
)

// RegisterSink makes a sink available by name.
// Panics if a sink with the same name is already registered.
func RegisterSink(name string, ctor SinkConstructor) {
	sinkRegistryMu.Lock()
	defer sinkRegistryMu.Unlock()

	if _, exists := sinkRegistry[name]; exists {
		panic(fmt.Sprintf("sink already registered: %s", name))
	}
	sinkRegistry[name] = ctor
}

// OpenSink opens the sink registered under name.
func OpenSink(ctx context.Context, name string, opts SinkOptions) (BatchSink, error) {
	sinkRegistryMu.RLock()
	ctor, ok := sinkRegistry[name]
	sinkRegistryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown sink %q (registered: %v)", name, SinkNames())
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s, err := ctor(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("open %s sink: %w", name, err)
	}
	return s, nil
}

// SinkNames returns the registered sink names, sorted.
func SinkNames() []string {
	sinkRegistryMu.RLock()
	defer sinkRegistryMu.RUnlock()

	names := make([]string, 0, len(sinkRegistry))
	for name := range sinkRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HasSink reports whether name is registered.
func HasSink(name string) bool {
	sinkRegistryMu.RLock()
	defer sinkRegistryMu.RUnlock()
	_, ok := sinkRegistry[name]
	return ok
}
