package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/aretw0/orchestra/internal/logging"
	"github.com/aretw0/orchestra/pkg/domain"
)

// StreamManager fans engine events out to SSE subscribers. Subscribers to
// the empty workflow ID receive every event.
type StreamManager struct {
	mu          sync.RWMutex
	subscribers map[domain.WorkflowID]map[chan<- string]struct{}
	logger      *slog.Logger
}

// NewStreamManager creates an empty StreamManager.
func NewStreamManager(logger *slog.Logger) *StreamManager {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &StreamManager{
		subscribers: make(map[domain.WorkflowID]map[chan<- string]struct{}),
		logger:      logger,
	}
}

// Subscribe registers a buffered channel for the events of workflow id.
// The returned func unsubscribes and closes the channel.
func (sm *StreamManager) Subscribe(id domain.WorkflowID) (<-chan string, func()) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	ch := make(chan string, 64)
	if _, ok := sm.subscribers[id]; !ok {
		sm.subscribers[id] = make(map[chan<- string]struct{})
	}
	sm.subscribers[id][ch] = struct{}{}

	return ch, func() {
		sm.mu.Lock()
		defer sm.mu.Unlock()
		if subs, ok := sm.subscribers[id]; ok {
			if _, live := subs[ch]; !live {
				return
			}
			delete(subs, ch)
			close(ch)
			if len(subs) == 0 {
				delete(sm.subscribers, id)
			}
		}
	}
}

// Broadcast delivers ev to the subscribers of its workflow and to global subscribers.
// Slow subscribers lose events rather than block the engine.
func (sm *StreamManager) Broadcast(ev domain.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		sm.logger.Error("Failed to encode event", "err", err)
		return
	}
	msg := string(ev.Type) + "\n" + string(payload)

	sm.mu.RLock()
	defer sm.mu.RUnlock()
	for _, key := range []domain.WorkflowID{ev.WorkflowID, ""} {
		for ch := range sm.subscribers[key] {
			select {
			case ch <- msg:
			default:
				sm.logger.Warn("SSE: Client buffer full, dropping event", "workflow_id", ev.WorkflowID, "event", ev.Type)
			}
		}
		if ev.WorkflowID == "" {
			break
		}
	}
}

// Hooks returns engine hooks that broadcast every transition.
func (sm *StreamManager) Hooks() domain.LifecycleHooks {
	publish := func(_ context.Context, ev domain.Event) { sm.Broadcast(ev) }
	return domain.LifecycleHooks{OnWorkflow: publish, OnNode: publish}
}
