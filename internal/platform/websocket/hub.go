// Package websocket pushes chart views to browsers. Clients subscribe to
// session topics and receive every view the session's coordinator draws.
package websocket

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/eurocovid/casechart/internal/domain/chartstate"
)

const (
	EventView    = "view"
	EventClosed  = "session.closed"
	EventReload  = "reference.reloaded"
	topicPrefix  = "session/"
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 50 * time.Second
	sendBuffer   = 64
)

// SessionTopic returns the topic a session's views are published on.
func SessionTopic(id string) string { return topicPrefix + id }

// Event is one message pushed to clients.
type Event struct {
	Type      string          `json:"type"`
	Topic     string          `json:"topic"`
	Session   string          `json:"session,omitempty"`
	Seq       uint64          `json:"seq,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ClientMessage is an inbound subscribe/unsubscribe request.
type ClientMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

// Client is one connected browser.
type Client struct {
	ID     string
	Topics []string
	Send   chan []byte
}

// NewClient returns a client with a buffered send queue.
func NewClient(topics ...string) *Client {
	return &Client{ID: uuid.New().String(), Topics: topics, Send: make(chan []byte, sendBuffer)}
}

// Hub tracks clients and their topic subscriptions.
type Hub struct {
	logger zerolog.Logger

	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}
	all     map[*Client]struct{}
}

// NewHub creates an empty hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		logger:  logger.With().Str("component", "websocket").Logger(),
		clients: make(map[string]map[*Client]struct{}),
		all:     make(map[*Client]struct{}),
	}
}

// Register adds a client and subscribes it to its initial topics.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.all[client] = struct{}{}
	for _, topic := range client.Topics {
		h.addLocked(topic, client)
	}
}

// Unregister removes a client and closes its send queue.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}
	for _, topic := range client.Topics {
		h.removeLocked(topic, client)
	}
	delete(h.all, client)
	close(client.Send)
}

// Subscribe adds topics to a registered client.
func (h *Hub) Subscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, topic := range topics {
		if _, ok := h.clients[topic][client]; ok {
			continue
		}
		h.addLocked(topic, client)
		client.Topics = append(client.Topics, topic)
	}
}

// Unsubscribe removes topics from a registered client.
func (h *Hub) Unsubscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	drop := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		drop[t] = struct{}{}
		h.removeLocked(t, client)
	}
	kept := client.Topics[:0]
	for _, t := range client.Topics {
		if _, ok := drop[t]; !ok {
			kept = append(kept, t)
		}
	}
	client.Topics = kept
}

func (h *Hub) addLocked(topic string, client *Client) {
	if h.clients[topic] == nil {
		h.clients[topic] = make(map[*Client]struct{})
	}
	h.clients[topic][client] = struct{}{}
}

func (h *Hub) removeLocked(topic string, client *Client) {
	if subs, ok := h.clients[topic]; ok {
		delete(subs, client)
		if len(subs) == 0 {
			delete(h.clients, topic)
		}
	}
}

// Broadcast sends event to every subscriber of topic. Slow clients whose
// queue is full miss the event; the next view supersedes it.
func (h *Hub) Broadcast(topic string, event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error().Err(err).Str("topic", topic).Msg("failed to marshal event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients[topic] {
		h.deliver(client, data)
	}
}

// BroadcastAll sends event to every connected client.
func (h *Hub) BroadcastAll(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to marshal event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.all {
		h.deliver(client, data)
	}
}

// deliver is called with h.mu held for reading.
func (h *Hub) deliver(client *Client, data []byte) {
	select {
	case client.Send <- data:
	default:
		h.logger.Debug().Str("client", client.ID).Msg("send queue full, dropping event")
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

// TopicCount returns the number of subscribers of topic.
func (h *Hub) TopicCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[topic])
}

// Draw implements chartstate.Renderer by publishing the view on its
// session topic.
func (h *Hub) Draw(v chartstate.View) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Error().Err(err).Str("session", v.Session).Msg("failed to marshal view")
		return
	}
	topic := SessionTopic(v.Session)
	h.Broadcast(topic, Event{
		Type:      EventView,
		Topic:     topic,
		Session:   v.Session,
		Seq:       v.Seq,
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
}

// SessionClosed tells subscribers the session is gone.
func (h *Hub) SessionClosed(id string) {
	topic := SessionTopic(id)
	h.Broadcast(topic, Event{Type: EventClosed, Topic: topic, Session: id, Timestamp: time.Now().UTC()})
}

// ReferenceReloaded tells every client the reference dataset changed.
func (h *Hub) ReferenceReloaded(records int) {
	data, _ := json.Marshal(map[string]int{"records": records})
	h.BroadcastAll(Event{Type: EventReload, Timestamp: time.Now().UTC(), Data: data})
}

// Snapshotter returns the current view for a session, sent to a client
// right after it subscribes.
type Snapshotter func(session string) (chartstate.View, bool)

// Handler upgrades HTTP requests to WebSocket connections.
type Handler struct {
	hub      *Hub
	snapshot Snapshotter
	upgrader gorillawebsocket.Upgrader
}

// NewHandler creates a handler. An empty origins list allows any origin.
func NewHandler(hub *Hub, snapshot Snapshotter, origins []string) *Handler {
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		if o = strings.TrimSpace(o); o != "" && o != "*" {
			allowed[o] = struct{}{}
		}
	}
	return &Handler{
		hub:      hub,
		snapshot: snapshot,
		upgrader: gorillawebsocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if len(allowed) == 0 {
					return true
				}
				_, ok := allowed[r.Header.Get("Origin")]
				return ok
			},
		},
	}
}

func (wsh *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/ws", wsh.HandleConnect)
}

// HandleConnect upgrades the connection. A "session" query parameter
// subscribes the client to that session right away.
func (wsh *Handler) HandleConnect(c echo.Context) error {
	ws, err := wsh.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	client := NewClient()
	wsh.hub.Register(client)
	if id := c.QueryParam("session"); id != "" {
		wsh.subscribe(client, []string{SessionTopic(id)})
	}

	go wsh.writePump(client, ws)
	go wsh.readPump(client, ws)
	return nil
}

func (wsh *Handler) subscribe(client *Client, topics []string) {
	wsh.hub.Subscribe(client, topics)
	if wsh.snapshot == nil {
		return
	}
	for _, topic := range topics {
		id := strings.TrimPrefix(topic, topicPrefix)
		if id == topic {
			continue
		}
		if v, ok := wsh.snapshot(id); ok {
			data, err := json.Marshal(v)
			if err != nil {
				continue
			}
			msg, _ := json.Marshal(Event{Type: EventView, Topic: topic, Session: id, Seq: v.Seq, Timestamp: time.Now().UTC(), Data: data})
			wsh.hub.mu.RLock()
			if _, live := wsh.hub.all[client]; live {
				wsh.hub.deliver(client, msg)
			}
			wsh.hub.mu.RUnlock()
		}
	}
}

func (wsh *Handler) process(client *Client, msg ClientMessage) {
	switch msg.Action {
	case "subscribe":
		wsh.subscribe(client, msg.Topics)
	case "unsubscribe":
		wsh.hub.Unsubscribe(client, msg.Topics)
	}
}

func (wsh *Handler) readPump(client *Client, ws *gorillawebsocket.Conn) {
	defer func() {
		wsh.hub.Unregister(client)
		ws.Close()
	}()

	ws.SetReadLimit(4096)
	ws.SetReadDeadline(time.Now().Add(pongTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		wsh.process(client, msg)
	}
}

func (wsh *Handler) writePump(client *Client, ws *gorillawebsocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case message, ok := <-client.Send:
			ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				ws.WriteMessage(gorillawebsocket.CloseMessage, nil)
				return
			}
			if err := ws.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := ws.WriteMessage(gorillawebsocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
