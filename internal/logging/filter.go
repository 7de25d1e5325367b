package logging

import (
	"context"
	"log/slog"
	"sync"
)

// levelTable is shared by every handler derived from one ComponentFilterHandler,
// so SetLevel affects loggers that were scoped before the call.
type levelTable struct {
	mu         sync.RWMutex
	fallback   slog.Level
	components map[string]slog.Level
}

func (t *levelTable) levelFor(component string) slog.Level {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if lvl, ok := t.components[component]; ok {
		return lvl
	}
	return t.fallback
}

// minLevel is the most verbose level any component may log at.
func (t *levelTable) minLevel() slog.Level {
	t.mu.RLock()
	defer t.mu.RUnlock()
	lowest := t.fallback
	for _, lvl := range t.components {
		if lvl < lowest {
			lowest = lvl
		}
	}
	return lowest
}

// ComponentFilterHandler filters records by their "component" attribute,
// either attached through Logger.With or passed on the record itself.
// Components without an explicit level use the default level.
type ComponentFilterHandler struct {
	next      slog.Handler
	levels    *levelTable
	component string
}

// NewComponentFilterHandler wraps next, passing records at or above level
// unless a per-component level overrides it.
func NewComponentFilterHandler(next slog.Handler, level slog.Level) *ComponentFilterHandler {
	return &ComponentFilterHandler{
		next: next,
		levels: &levelTable{
			fallback:   level,
			components: make(map[string]slog.Level),
		},
	}
}

// SetDefaultLevel changes the level for components without an override.
func (h *ComponentFilterHandler) SetDefaultLevel(level slog.Level) {
	h.levels.mu.Lock()
	h.levels.fallback = level
	h.levels.mu.Unlock()
}

// SetLevel sets the level for one component.
func (h *ComponentFilterHandler) SetLevel(component string, level slog.Level) {
	h.levels.mu.Lock()
	h.levels.components[component] = level
	h.levels.mu.Unlock()
}

// ClearLevel drops a component override. No-op if none is set.
func (h *ComponentFilterHandler) ClearLevel(component string) {
	h.levels.mu.Lock()
	delete(h.levels.components, component)
	h.levels.mu.Unlock()
}

// Level returns the effective level for a component.
func (h *ComponentFilterHandler) Level(component string) slog.Level {
	return h.levels.levelFor(component)
}

// DefaultLevel returns the level used for components without an override.
func (h *ComponentFilterHandler) DefaultLevel() slog.Level {
	h.levels.mu.RLock()
	defer h.levels.mu.RUnlock()
	return h.levels.fallback
}

// Enabled implements slog.Handler. Per-component filtering happens in Handle,
// since the record's own attributes are not visible here.
func (h *ComponentFilterHandler) Enabled(ctx context.Context, level slog.Level) bool {
	if level < h.levels.minLevel() {
		return false
	}
	return h.next.Enabled(ctx, level)
}

// Handle implements slog.Handler.
func (h *ComponentFilterHandler) Handle(ctx context.Context, r slog.Record) error {
	component := h.component
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "component" {
			component = a.Value.String()
			return false
		}
		return true
	})
	if r.Level < h.levels.levelFor(component) {
		return nil
	}
	return h.next.Handle(ctx, r)
}

// WithAttrs implements slog.Handler. The last "component" attribute wins.
func (h *ComponentFilterHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	component := h.component
	for _, a := range attrs {
		if a.Key == "component" {
			component = a.Value.String()
		}
	}
	return &ComponentFilterHandler{
		next:      h.next.WithAttrs(attrs),
		levels:    h.levels,
		component: component,
	}
}

// WithGroup implements slog.Handler.
func (h *ComponentFilterHandler) WithGroup(name string) slog.Handler {
	return &ComponentFilterHandler{
		next:      h.next.WithGroup(name),
		levels:    h.levels,
		component: h.component,
	}
}
