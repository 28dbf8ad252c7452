package events

import (
	"sync"
	"time"

	"github.com/cuemby/conductor/pkg/hash"
	"github.com/cuemby/conductor/pkg/types"
	"github.com/google/uuid"
)

// SignalType represents the type of signal
type SignalType string

const (
	SignalApp                   SignalType = "app"
	SignalCountersigningSuccess SignalType = "countersigning.success"
	SignalCountersigningAbandon SignalType = "countersigning.abandoned"
	SignalAppEnabled            SignalType = "app.enabled"
	SignalAppDisabled           SignalType = "app.disabled"
	SignalOpRejected            SignalType = "op.rejected"
)

// Signal is an event emitted by a cell or the conductor, delivered to
// authenticated app-interface connections.
type Signal struct {
	ID        string
	Type      SignalType
	Timestamp time.Time
	CellID    types.CellID
	AppID     string
	// App signal payload (SignalApp) or the session's app entry hash
	// (countersigning signals).
	Payload   []byte
	EntryHash *hash.Hash
	Message   string
}

// Subscriber is a channel that receives signals
type Subscriber chan *Signal

// Broker manages signal subscriptions and distribution
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	signalCh    chan *Signal
	stopCh      chan struct{}
}

// NewBroker creates a new signal broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		signalCh:    make(chan *Signal, 100), // Buffer up to 100 signals
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50) // Buffer per subscriber
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish publishes a signal to all subscribers
func (b *Broker) Publish(signal *Signal) {
	if signal.ID == "" {
		signal.ID = uuid.New().String()
	}
	if signal.Timestamp.IsZero() {
		signal.Timestamp = time.Now()
	}

	select {
	case b.signalCh <- signal:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case signal := <-b.signalCh:
			b.broadcast(signal)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(signal *Signal) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- signal:
		default:
			// Subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
