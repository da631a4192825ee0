// Package notify fans escrow lifecycle events out to notification sinks.
// Delivery is fire-and-forget: a failing sink is logged and never affects
// escrow state.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"QuorumVault/internal/models"
)

type Event struct {
	ID         string                  `json:"id"`
	Type       models.NotificationType `json:"type"`
	EscrowID   string                  `json:"escrow_id"`
	VaultID    string                  `json:"vault_id"`
	PolicyID   string                  `json:"policy_id"`
	State      models.EscrowState      `json:"state"`
	Recipients []string                `json:"recipients,omitempty"`
	Title      string                  `json:"title"`
	Message    string                  `json:"message"`
	Data       map[string]any          `json:"data,omitempty"`
	OccurredAt time.Time               `json:"occurred_at"`
}

// NewEvent fills in the envelope fields from the escrow.
func NewEvent(typ models.NotificationType, e *models.Escrow, title, message string) Event {
	evt := Event{
		ID:         uuid.NewString(),
		Type:       typ,
		Title:      title,
		Message:    message,
		OccurredAt: time.Now().UTC(),
	}
	if e != nil {
		evt.EscrowID = e.ID
		evt.VaultID = e.VaultID
		evt.PolicyID = e.PolicyID
		evt.State = e.State
		evt.Recipients = recipientsOf(e)
	}
	return evt
}

func recipientsOf(e *models.Escrow) []string {
	seen := map[string]bool{}
	var out []string
	add := func(a string) {
		if a != "" && !seen[a] {
			seen[a] = true
			out = append(out, a)
		}
	}
	add(e.Requester)
	add(e.Recipient)
	for _, p := range e.Participants {
		add(p.Address)
	}
	return out
}

// Publisher is what the engine emits events through.
type Publisher interface {
	Publish(evt Event)
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(Event) {}

type Sink interface {
	Name() string
	Deliver(ctx context.Context, evt Event) error
}

// Dispatcher delivers events to every sink from a single background worker.
// Publish never blocks; events are dropped when the queue is full.
type Dispatcher struct {
	sinks   []Sink
	queue   chan Event
	logger  *slog.Logger
	timeout time.Duration

	wg        sync.WaitGroup
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

func NewDispatcher(logger *slog.Logger, buffer int, sinks ...Sink) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if buffer <= 0 {
		buffer = 256
	}
	return &Dispatcher{
		sinks:   sinks,
		queue:   make(chan Event, buffer),
		logger:  logger,
		timeout: 5 * time.Second,
	}
}

func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for evt := range d.queue {
			d.deliver(evt)
		}
	}()
}

func (d *Dispatcher) Publish(evt Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	select {
	case d.queue <- evt:
	default:
		d.logger.Warn("notification dropped",
			"module", "notify",
			"operation", "publish",
			"outcome", "dropped",
			"event_type", evt.Type,
			"escrow_id", evt.EscrowID,
		)
	}
}

// Close stops accepting events and drains the queue.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		close(d.queue)
		d.mu.Unlock()
	})
	d.wg.Wait()
}

func (d *Dispatcher) deliver(evt Event) {
	for _, s := range d.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		err := safeDeliver(ctx, s, evt)
		cancel()
		if err != nil {
			d.logger.Warn("notification delivery failed",
				"module", "notify",
				"operation", "deliver",
				"outcome", "failure",
				"sink", s.Name(),
				"event_type", evt.Type,
				"escrow_id", evt.EscrowID,
				"error", err,
			)
		}
	}
}

func safeDeliver(ctx context.Context, s Sink, evt Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r}
		}
	}()
	return s.Deliver(ctx, evt)
}

type panicError struct {
	value any
}

func (p *panicError) Error() string {
	return "sink panicked: " + slog.AnyValue(p.value).String()
}
