package broadcast

import (
	"encoding/json"
	"time"

	"log/slog"
)

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub fans deployment progress events out to live subscribers. Delivery is
// ordered per deployment and at-least-once; a small in-memory backlog is
// replayed to late subscribers. Publishing never blocks the orchestrator.
type Hub struct {
	logger      *slog.Logger
	backlogSize int
	heartbeat   time.Duration

	clients   map[string]map[Subscriber]struct{}
	backlog   map[string][]Event
	lastEvent map[string]time.Time
	finished  map[string]bool

	register  chan subscription
	unreg     chan subscription
	publish   chan publication
	stop      chan struct{}
}

type subscription struct {
	deploymentID string
	client       Subscriber
	snapshot     *Event
}

type publication struct {
	deploymentID string
	event        Event
}

// NewHub creates and starts a Hub.
func NewHub(logger *slog.Logger, backlogSize int, heartbeat time.Duration) *Hub {
	if backlogSize <= 0 {
		backlogSize = 64
	}
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	h := &Hub{
		logger:      logger,
		backlogSize: backlogSize,
		heartbeat:   heartbeat,
		clients:     make(map[string]map[Subscriber]struct{}),
		backlog:     make(map[string][]Event),
		lastEvent:   make(map[string]time.Time),
		finished:    make(map[string]bool),
		register:    make(chan subscription),
		unreg:       make(chan subscription),
		publish:     make(chan publication, 256),
		stop:        make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-h.stop:
			for id, clients := range h.clients {
				for c := range clients {
					c.Close()
				}
				delete(h.clients, id)
			}
			return
		case sub := <-h.register:
			h.attach(sub)
		case sub := <-h.unreg:
			if clients, ok := h.clients[sub.deploymentID]; ok {
				delete(clients, sub.client)
				if len(clients) == 0 {
					delete(h.clients, sub.deploymentID)
				}
			}
		case pub := <-h.publish:
			h.deliver(pub.deploymentID, pub.event)
		case now := <-ticker.C:
			h.sendHeartbeats(now)
		}
	}
}

func (h *Hub) attach(sub subscription) {
	id := sub.deploymentID
	if sub.snapshot != nil {
		if !h.send(sub.client, *sub.snapshot) {
			return
		}
	}
	// Replay the retained backlog so a late subscriber observes the same
	// ordered stream, including the terminal done event if one was emitted.
	for _, event := range h.backlog[id] {
		if !h.send(sub.client, event) {
			return
		}
	}
	if h.finished[id] {
		return
	}
	if _, ok := h.clients[id]; !ok {
		h.clients[id] = make(map[Subscriber]struct{})
	}
	h.clients[id][sub.client] = struct{}{}
}

func (h *Hub) deliver(id string, event Event) {
	if h.finished[id] {
		return
	}
	h.lastEvent[id] = time.Now()

	entries := append(h.backlog[id], event)
	if len(entries) > h.backlogSize {
		entries = entries[len(entries)-h.backlogSize:]
	}
	h.backlog[id] = entries

	clients := h.clients[id]
	for c := range clients {
		if !h.send(c, event) {
			delete(clients, c)
		}
	}

	if event.Type == EventDone {
		h.finished[id] = true
		for c := range clients {
			c.Close()
		}
		delete(h.clients, id)
	} else if len(clients) == 0 {
		delete(h.clients, id)
	}
}

func (h *Hub) sendHeartbeats(now time.Time) {
	beat := Event{Type: EventHeartbeat, Timestamp: now.UTC()}
	for id, clients := range h.clients {
		if last, ok := h.lastEvent[id]; ok && now.Sub(last) < h.heartbeat {
			continue
		}
		for c := range clients {
			if !h.send(c, beat) {
				delete(clients, c)
			}
		}
		if len(clients) == 0 {
			delete(h.clients, id)
		}
	}
}

func (h *Hub) send(c Subscriber, event Event) bool {
	payload, err := json.Marshal(event)
	if err != nil {
		h.logger.Warn("failed to marshal stream event", "type", event.Type, "error", err)
		return true
	}
	if err := c.Send(payload); err != nil {
		c.Close()
		return false
	}
	return true
}

// Register attaches a subscriber to a deployment stream. The snapshot event,
// when provided, is delivered first as the connected frame.
func (h *Hub) Register(deploymentID string, client Subscriber, snapshot *Event) {
	h.register <- subscription{deploymentID: deploymentID, client: client, snapshot: snapshot}
}

// Unregister detaches a subscriber. Detaching never affects the pipeline.
func (h *Hub) Unregister(deploymentID string, client Subscriber) {
	h.unreg <- subscription{deploymentID: deploymentID, client: client}
}

// Publish enqueues an event for fan-out. It never blocks: when the hub is
// saturated the event is dropped for live subscribers (observation only).
func (h *Hub) Publish(deploymentID string, event Event) {
	select {
	case h.publish <- publication{deploymentID: deploymentID, event: event}:
	default:
		h.logger.Warn("progress stream saturated, dropping event",
			"deployment_id", deploymentID, "type", event.Type)
	}
}

// Stop terminates the hub loop and closes all subscribers.
func (h *Hub) Stop() {
	close(h.stop)
}
