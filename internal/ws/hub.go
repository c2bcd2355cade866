package ws

import "sync"

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub manages stream subscriptions keyed by tenant page.
type Hub struct {
	mu        sync.RWMutex
	clients   map[string]map[Subscriber]struct{}
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
}

// message couples payload with its stream key.
type message struct {
	streamKey string
	payload   []byte
}

// subscription defines register/unregister requests.
type subscription struct {
	streamKey string
	client    Subscriber
}

// NewHub creates an initialized Hub. buffer sizes the broadcast channel so
// publishers are not blocked by a burst of status events; values <= 0 leave
// it unbuffered.
func NewHub(buffer int) *Hub {
	if buffer < 0 {
		buffer = 0
	}
	h := &Hub{
		clients:   make(map[string]map[Subscriber]struct{}),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan message, buffer),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case sub := <-h.register:
			if _, ok := h.clients[sub.streamKey]; !ok {
				h.clients[sub.streamKey] = make(map[Subscriber]struct{})
			}
			h.clients[sub.streamKey][sub.client] = struct{}{}
		case sub := <-h.unreg:
			if clients, ok := h.clients[sub.streamKey]; ok {
				delete(clients, sub.client)
				if len(clients) == 0 {
					delete(h.clients, sub.streamKey)
				}
			}
		case msg := <-h.broadcast:
			if clients, ok := h.clients[msg.streamKey]; ok {
				for c := range clients {
					if err := c.Send(msg.payload); err != nil {
						c.Close()
						delete(clients, c)
					}
				}
				if len(clients) == 0 {
					delete(h.clients, msg.streamKey)
				}
			}
		}
	}
}

// Register adds a client to a stream.
func (h *Hub) Register(streamKey string, client Subscriber) {
	h.register <- subscription{streamKey: streamKey, client: client}
}

// Unregister removes a client.
func (h *Hub) Unregister(streamKey string, client Subscriber) {
	h.unreg <- subscription{streamKey: streamKey, client: client}
}

// Broadcast sends payload to all clients on a stream.
func (h *Hub) Broadcast(streamKey string, payload []byte) {
	h.broadcast <- message{streamKey: streamKey, payload: payload}
}
