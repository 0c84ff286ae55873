package sessionclient

import (
	"sync"
	"time"
)

// Signal names a kind of user interaction.
type Signal string

// Interaction signals that count as user activity.
const (
	SignalPointerDown Signal = "pointerdown"
	SignalKeyDown     Signal = "keydown"
	SignalScroll      Signal = "scroll"
	SignalTouchStart  Signal = "touchstart"
)

// InteractionSignals is the fixed set the activity monitor subscribes to.
var InteractionSignals = []Signal{SignalPointerDown, SignalKeyDown, SignalScroll, SignalTouchStart}

// ActivitySource delivers interaction signals to subscribers.
type ActivitySource interface {
	// Subscribe registers handler for the given signals and returns a func that removes it.
	Subscribe(signals []Signal, handler func(Signal)) (unsubscribe func())
}

// ActivityMonitor timestamps the most recent user interaction.
type ActivityMonitor struct {
	mutex          sync.Mutex
	clock          Clock
	source         ActivitySource
	lastActivityAt time.Time
	unsubscribe    func()
}

// NewActivityMonitor builds a monitor. A nil source means activity is only recorded through Record.
func NewActivityMonitor(clock Clock, source ActivitySource) *ActivityMonitor {
	if clock == nil {
		clock = systemClock{}
	}
	return &ActivityMonitor{clock: clock, source: source}
}

// Attach subscribes to the interaction signals and marks now as the latest activity.
func (monitor *ActivityMonitor) Attach() {
	monitor.mutex.Lock()
	monitor.lastActivityAt = monitor.clock.Now()
	alreadyAttached := monitor.unsubscribe != nil
	monitor.mutex.Unlock()
	if alreadyAttached || monitor.source == nil {
		return
	}
	unsubscribe := monitor.source.Subscribe(InteractionSignals, monitor.Record)
	monitor.mutex.Lock()
	defer monitor.mutex.Unlock()
	if monitor.unsubscribe != nil {
		unsubscribe()
		return
	}
	monitor.unsubscribe = unsubscribe
}

// Detach removes the subscription made by Attach.
func (monitor *ActivityMonitor) Detach() {
	monitor.mutex.Lock()
	unsubscribe := monitor.unsubscribe
	monitor.unsubscribe = nil
	monitor.mutex.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
}

// Record marks an interaction. The timestamp never moves backwards.
func (monitor *ActivityMonitor) Record(Signal) {
	now := monitor.clock.Now()
	monitor.mutex.Lock()
	defer monitor.mutex.Unlock()
	if now.After(monitor.lastActivityAt) {
		monitor.lastActivityAt = now
	}
}

// LastActivityAt returns the latest recorded interaction.
func (monitor *ActivityMonitor) LastActivityAt() time.Time {
	monitor.mutex.Lock()
	defer monitor.mutex.Unlock()
	return monitor.lastActivityAt
}

// SignalHub is an in-process ActivitySource; UI code calls Emit for each interaction.
type SignalHub struct {
	mutex    sync.RWMutex
	nextID   uint64
	handlers map[uint64]hubSubscription
}

type hubSubscription struct {
	signals map[Signal]struct{}
	handler func(Signal)
}

// NewSignalHub constructs an empty hub.
func NewSignalHub() *SignalHub {
	return &SignalHub{handlers: make(map[uint64]hubSubscription)}
}

// Subscribe implements ActivitySource.
func (hub *SignalHub) Subscribe(signals []Signal, handler func(Signal)) func() {
	wanted := make(map[Signal]struct{}, len(signals))
	for _, signal := range signals {
		wanted[signal] = struct{}{}
	}
	hub.mutex.Lock()
	hub.nextID++
	subscriptionID := hub.nextID
	hub.handlers[subscriptionID] = hubSubscription{signals: wanted, handler: handler}
	hub.mutex.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			hub.mutex.Lock()
			delete(hub.handlers, subscriptionID)
			hub.mutex.Unlock()
		})
	}
}

// Emit delivers signal to every subscriber interested in it.
func (hub *SignalHub) Emit(signal Signal) {
	hub.mutex.RLock()
	handlers := make([]func(Signal), 0, len(hub.handlers))
	for _, subscription := range hub.handlers {
		if _, ok := subscription.signals[signal]; ok {
			handlers = append(handlers, subscription.handler)
		}
	}
	hub.mutex.RUnlock()
	for _, handler := range handlers {
		handler(signal)
	}
}

// ListenerCount returns the number of live subscriptions.
func (hub *SignalHub) ListenerCount() int {
	hub.mutex.RLock()
	defer hub.mutex.RUnlock()
	return len(hub.handlers)
}
