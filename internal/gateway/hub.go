package gateway

import (
	"context"

	"go.uber.org/zap"

	"rdv-chat/internal/logger"
)

type onlineQuery struct {
	userID int
	reply  chan int
}

// Hub tracks the live sockets of each user and delivers envelopes to them.
// Only Run touches the client map.
type Hub struct {
	clients    map[int]map[*Client]struct{}
	register   chan *Client
	unregister chan *Client
	deliver    chan Envelope
	online     chan onlineQuery
	done       chan struct{}
	log        *logger.Logger
}

func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[int]map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		deliver:    make(chan Envelope),
		online:     make(chan onlineQuery),
		done:       make(chan struct{}),
		log:        logger.OrNop(log),
	}
}

// Run serves the hub until ctx is done, then closes every socket.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			for _, set := range h.clients {
				for client := range set {
					client.shutdown()
				}
			}
			h.clients = map[int]map[*Client]struct{}{}
			return nil

		case client := <-h.register:
			set, ok := h.clients[client.UserID]
			if !ok {
				set = make(map[*Client]struct{})
				h.clients[client.UserID] = set
			}
			set[client] = struct{}{}
			h.log.Logger.Debug("client registered", zap.Int("user_id", client.UserID), zap.Int("sockets", len(set)))

		case client := <-h.unregister:
			h.remove(client)

		case env := <-h.deliver:
			seen := make(map[int]bool, len(env.TargetIDs))
			for _, userID := range env.TargetIDs {
				if seen[userID] {
					continue
				}
				seen[userID] = true
				for client := range h.clients[userID] {
					if !client.enqueue(env.Payload) {
						h.log.Warnf("dropping slow client of user %d", userID)
						h.remove(client)
					}
				}
			}

		case q := <-h.online:
			q.reply <- len(h.clients[q.userID])
		}
	}
}

func (h *Hub) remove(client *Client) {
	set, ok := h.clients[client.UserID]
	if !ok {
		return
	}
	if _, ok := set[client]; !ok {
		return
	}
	delete(set, client)
	if len(set) == 0 {
		delete(h.clients, client.UserID)
	}
	client.shutdown()
}

// Register adds client. It returns false once the hub has stopped.
func (h *Hub) Register(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Deliver hands an envelope from the broker to the local sockets.
func (h *Hub) Deliver(env Envelope) {
	select {
	case h.deliver <- env:
	case <-h.done:
	}
}

// Online returns how many sockets userID has open on this instance.
func (h *Hub) Online(userID int) int {
	q := onlineQuery{userID: userID, reply: make(chan int, 1)}
	select {
	case h.online <- q:
		return <-q.reply
	case <-h.done:
		return 0
	}
}
