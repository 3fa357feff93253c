package schema

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Holder publishes the most recent Graph to concurrent readers such as the
// status server. Reads are lock-free; loads are serialized.
type Holder struct {
	graph     atomic.Pointer[Graph]
	mu        sync.Mutex
	logger    *slog.Logger
	ready     chan struct{}
	readyOnce sync.Once
}

// NewHolder returns an empty Holder.
func NewHolder(logger *slog.Logger) *Holder {
	return &Holder{logger: logger, ready: make(chan struct{})}
}

// Ready is closed once the first graph is stored.
func (h *Holder) Ready() <-chan struct{} {
	return h.ready
}

// Get returns the current graph or nil.
func (h *Holder) Get() *Graph {
	return h.graph.Load()
}

// Set stores g. A nil g is ignored.
func (h *Holder) Set(g *Graph) {
	if g == nil {
		return
	}
	h.graph.Store(g)
	h.readyOnce.Do(func() { close(h.ready) })
}

// Load introspects through q and stores the result.
func (h *Holder) Load(ctx context.Context, q Querier, exclude ...string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	g, err := BuildGraph(ctx, q, exclude...)
	if err != nil {
		return fmt.Errorf("building schema graph: %w", err)
	}
	h.Set(g)
	h.logger.Info("schema graph loaded", "tables", len(g.Tables), "schemas", g.Schemas)
	return nil
}
