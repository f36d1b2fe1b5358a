package server

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/top8/backend/internal/top8"
)

const (
	RealtimeEventTop8Changed = "top8-change"
	realtimeEventHeartbeat   = "heartbeat"
	realtimeSourceBackend    = "top8-backend"
)

// RealtimeMessage announces a change to an owner's ranking.
type RealtimeMessage struct {
	OwnerFID  int64
	EventType string
	Entries   []top8.EntryInput
	Timestamp time.Time
}

type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
}

type realtimeSubscriber struct {
	id     int64
	stream chan RealtimeMessage
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[int64]map[int64]*realtimeSubscriber),
		bufferSize:  16,
	}
}

// Subscribe registers a listener for one owner until ctx ends or cleanup is called.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, ownerFID int64) (<-chan RealtimeMessage, func()) {
	if ownerFID <= 0 {
		ch := make(chan RealtimeMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	d.registerSubscriber(ownerFID, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregisterSubscriber(ownerFID, subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish fans the message out without blocking; full subscriber buffers drop it.
func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.OwnerFID <= 0 || message.EventType == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[message.OwnerFID]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*realtimeSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

func (d *RealtimeDispatcher) subscriberCount(ownerFID int64) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[ownerFID])
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(ownerFID int64, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[ownerFID]; !ok {
		d.subscribers[ownerFID] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[ownerFID][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(ownerFID int64, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[ownerFID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, ownerFID)
		}
	}
	d.mu.Unlock()
}
