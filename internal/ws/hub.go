// Package ws fans stats snapshots out to websocket subscribers.
package ws

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub manages subscribers for the single stats stream.
type Hub struct {
	clients   map[Subscriber]struct{}
	register  chan Subscriber
	unreg     chan Subscriber
	broadcast chan []byte
}

// NewHub creates an initialized Hub with its dispatch loop running.
func NewHub() *Hub {
	h := &Hub{
		clients:   make(map[Subscriber]struct{}),
		register:  make(chan Subscriber),
		unreg:     make(chan Subscriber),
		broadcast: make(chan []byte),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case client := <-h.register:
			h.clients[client] = struct{}{}
		case client := <-h.unreg:
			delete(h.clients, client)
		case payload := <-h.broadcast:
			for c := range h.clients {
				if err := c.Send(payload); err != nil {
					c.Close()
					delete(h.clients, c)
				}
			}
		}
	}
}

// Register adds a subscriber to the stream.
func (h *Hub) Register(client Subscriber) {
	h.register <- client
}

// Unregister removes a subscriber.
func (h *Hub) Unregister(client Subscriber) {
	h.unreg <- client
}

// Broadcast sends payload to all subscribers.
func (h *Hub) Broadcast(payload []byte) {
	h.broadcast <- payload
}
