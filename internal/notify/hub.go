// Package notify fans session notifications out to in-process listeners.
package notify

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/g960059/tabtime/internal/logging"
	"github.com/g960059/tabtime/internal/metrics"
	"github.com/g960059/tabtime/internal/model"
)

// Result is the outcome of one Publish.
type Result int

const (
	NoListener Result = iota
	Delivered
	Failed
)

func (r Result) String() string {
	switch r {
	case Delivered:
		return "delivered"
	case Failed:
		return "failed"
	default:
		return "no_listener"
	}
}

const DefaultBuffer = 16

type Hub struct {
	mu     sync.RWMutex
	subs   map[uint64]chan model.Notification
	nextID uint64

	logger  *zap.Logger
	metrics *metrics.Metrics
}

type Option func(*Hub)

func WithLogger(logger *zap.Logger) Option {
	return func(h *Hub) { h.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

func NewHub(opts ...Option) *Hub {
	h := &Hub{subs: map[uint64]chan model.Notification{}}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = logging.OrNop(h.logger).Named("notify")
	return h
}

// Subscribe registers a listener. The returned func unsubscribes and closes
// the channel; it is safe to call more than once.
func (h *Hub) Subscribe(buffer int) (<-chan model.Notification, func()) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan model.Notification, buffer)
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

func (h *Hub) Listeners() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Publish never blocks. A listener whose buffer is full misses n; the result
// is Failed only when no listener received it.
func (h *Hub) Publish(n model.Notification) Result {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	h.mu.RLock()
	result := NoListener
	if len(h.subs) > 0 {
		result = Failed
	}
	for _, ch := range h.subs {
		select {
		case ch <- n:
			result = Delivered
		default:
		}
	}
	h.mu.RUnlock()

	if result == Failed {
		h.logger.Debug("notification dropped, listeners are full",
			zap.String("kind", string(n.Kind)),
			zap.String("domain", n.Domain))
	}
	h.metrics.Notified(result.String())
	return result
}
