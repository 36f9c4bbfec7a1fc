package pubsub

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

const clientBufferSize = 32

// EventKeepAlive is delivered periodically so idle push connections are
// not reaped by intermediaries. Transports render it as a comment, not a
// named event.
const EventKeepAlive = "keepalive"

type Event struct {
	Name string
	Data []byte
}

// Publisher is the producer-side surface of the Broadcaster.
type Publisher interface {
	Publish(name string, payload any)
}

type Client struct {
	ch     chan Event
	closed bool
}

// Events returns the client's delivery channel. It is closed on eviction
// or unsubscribe.
func (c *Client) Events() <-chan Event {
	return c.ch
}

// Broadcaster fans named events out to every subscribed push connection.
// A client that cannot keep up is evicted rather than blocking publishers.
type Broadcaster struct {
	mu        sync.Mutex
	clients   map[*Client]struct{}
	keepAlive time.Duration
	stop      chan struct{}
	stopOnce  sync.Once
}

func NewBroadcaster(keepAlive time.Duration) *Broadcaster {
	b := &Broadcaster{
		clients:   make(map[*Client]struct{}),
		keepAlive: keepAlive,
		stop:      make(chan struct{}),
	}
	if keepAlive > 0 {
		go b.keepAliveLoop()
	}
	return b
}

func (b *Broadcaster) Subscribe() *Client {
	c := &Client{ch: make(chan Event, clientBufferSize)}
	b.mu.Lock()
	b.clients[c] = struct{}{}
	n := len(b.clients)
	b.mu.Unlock()
	slog.Debug("push client subscribed", "clients", n)
	return c
}

func (b *Broadcaster) Unsubscribe(c *Client) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(c)
}

func (b *Broadcaster) Publish(name string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("failed to encode push event", "error", err, "event", name)
		return
	}
	b.publishRaw(Event{Name: name, Data: data})
}

func (b *Broadcaster) publishRaw(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.clients {
		select {
		case c.ch <- ev:
		default:
			// Full buffer means the connection stopped draining.
			slog.Warn("evicting slow push client", "event", ev.Name)
			b.removeLocked(c)
		}
	}
}

func (b *Broadcaster) removeLocked(c *Client) {
	if _, ok := b.clients[c]; !ok {
		return
	}
	delete(b.clients, c)
	if !c.closed {
		c.closed = true
		close(c.ch)
	}
}

func (b *Broadcaster) ClientCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

func (b *Broadcaster) keepAliveLoop() {
	ticker := time.NewTicker(b.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			b.publishRaw(Event{Name: EventKeepAlive})
		}
	}
}

func (b *Broadcaster) Close() {
	b.stopOnce.Do(func() { close(b.stop) })
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.clients {
		b.removeLocked(c)
	}
}
