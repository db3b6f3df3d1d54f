// collab-relay is the coordination endpoint the collaboration core dials:
// it registers sessions, answers liveness probes and fans envelopes out
// to room subscribers. Payloads stay opaque; routing uses frame metadata
// only.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/Chicook/WoldVirtual3DlucIA-sub001/core/collab/common"
	"github.com/Chicook/WoldVirtual3DlucIA-sub001/core/collab/protocol"
)

// RelayConfig is read from the environment.
type RelayConfig struct {
	Addr            string        `env:"RELAY_ADDR" envDefault:":8787"`
	MaxMessageSize  int64         `env:"RELAY_MAX_MESSAGE_SIZE" envDefault:"10485760"`
	WriteWait       time.Duration `env:"RELAY_WRITE_WAIT" envDefault:"10s"`
	IdleTimeout     time.Duration `env:"RELAY_IDLE_TIMEOUT" envDefault:"120s"`
	SendBuffer      int           `env:"RELAY_SEND_BUFFER" envDefault:"256"`
	ShutdownTimeout time.Duration `env:"RELAY_SHUTDOWN_TIMEOUT" envDefault:"5s"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// client is one connected session.
type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// hub routes frames between sessions and tracks room subscriptions.
type hub struct {
	cfg    RelayConfig
	logger *slog.Logger
	start  time.Time

	mu      sync.RWMutex
	clients map[string]*client
	rooms   map[string]map[string]struct{}
}

func newHub(cfg RelayConfig, logger *slog.Logger) *hub {
	return &hub{
		cfg:     cfg,
		logger:  logger.With("component", "hub"),
		start:   time.Now(),
		clients: make(map[string]*client),
		rooms:   make(map[string]map[string]struct{}),
	}
}

func (h *hub) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(h.cfg.MaxMessageSize)

	c := &client{conn: conn, send: make(chan []byte, h.cfg.SendBuffer)}
	go h.writePump(c)
	h.readPump(c)
}

func (h *hub) readPump(c *client) {
	defer h.drop(c)
	for {
		c.conn.SetReadDeadline(time.Now().Add(h.cfg.IdleTimeout))
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		frame, err := protocol.ParseFrame(data)
		if err != nil {
			h.logger.Debug("dropping unroutable frame", "error", err)
			continue
		}

		// Sessions identify themselves with the first frame that names a
		// sender.
		if c.id == "" && frame.From != "" {
			h.register(c, frame.From)
		}

		h.route(c, frame, data)
	}
}

func (h *hub) writePump(c *client) {
	for data := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
}

func (h *hub) register(c *client, id string) {
	h.mu.Lock()
	if old, ok := h.clients[id]; ok && old != c {
		close(old.send)
		old.conn.Close()
	}
	c.id = id
	h.clients[id] = c
	h.mu.Unlock()
	h.logger.Info("session registered", "session", common.ShortID(id))
}

func (h *hub) drop(c *client) {
	h.mu.Lock()
	if c.id != "" && h.clients[c.id] == c {
		delete(h.clients, c.id)
		for room, members := range h.rooms {
			delete(members, c.id)
			if len(members) == 0 {
				delete(h.rooms, room)
			}
		}
	}
	h.mu.Unlock()
	c.conn.Close()
	if c.id != "" {
		h.logger.Info("session dropped", "session", common.ShortID(c.id))
	}
}

// route applies the relay's forwarding rules to one parsed frame.
func (h *hub) route(c *client, frame *protocol.Frame, raw []byte) {
	switch frame.Type {
	case common.MessageTypePing:
		if frame.To == "" {
			h.pong(c, frame)
			return
		}
		h.unicast(frame.To, raw)
	case common.MessageTypeJoin:
		h.subscribe(frame.Room, c.id)
		h.fanout(frame.Room, c.id, raw)
	case common.MessageTypeLeave:
		h.fanout(frame.Room, c.id, raw)
		h.unsubscribe(frame.Room, c.id)
	case common.MessageTypeSync:
		h.fanoutAll(c.id, raw)
	default:
		if frame.To != "" {
			h.unicast(frame.To, raw)
			return
		}
		if frame.Room != "" {
			h.fanout(frame.Room, c.id, raw)
		}
	}
}

// pong answers a connection-level liveness probe, echoing the probe's
// timestamp.
func (h *hub) pong(c *client, ping *protocol.Frame) {
	reply := protocol.Frame{
		ID:        ping.ID,
		Type:      common.MessageTypePong,
		Priority:  ping.Priority,
		Timestamp: ping.Timestamp,
	}
	data, err := json.Marshal(reply)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (h *hub) subscribe(roomID, clientID string) {
	if roomID == "" || clientID == "" {
		return
	}
	h.mu.Lock()
	if h.rooms[roomID] == nil {
		h.rooms[roomID] = make(map[string]struct{})
	}
	h.rooms[roomID][clientID] = struct{}{}
	h.mu.Unlock()
}

func (h *hub) unsubscribe(roomID, clientID string) {
	if roomID == "" || clientID == "" {
		return
	}
	h.mu.Lock()
	if members, ok := h.rooms[roomID]; ok {
		delete(members, clientID)
		if len(members) == 0 {
			delete(h.rooms, roomID)
		}
	}
	h.mu.Unlock()
}

func (h *hub) unicast(toID string, raw []byte) {
	h.mu.RLock()
	target, ok := h.clients[toID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	select {
	case target.send <- raw:
	default:
		h.logger.Debug("send buffer full, frame dropped", "session", common.ShortID(toID))
	}
}

func (h *hub) fanout(roomID, fromID string, raw []byte) {
	if roomID == "" {
		return
	}
	h.mu.RLock()
	targets := make([]*client, 0)
	for id := range h.rooms[roomID] {
		if id == fromID {
			continue
		}
		if c, ok := h.clients[id]; ok {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		select {
		case c.send <- raw:
		default:
		}
	}
}

func (h *hub) fanoutAll(fromID string, raw []byte) {
	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients))
	for id, c := range h.clients {
		if id == fromID {
			continue
		}
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		select {
		case c.send <- raw:
		default:
		}
	}
}

type healthResponse struct {
	Status   string  `json:"status"`
	Uptime   string  `json:"uptime"`
	Rooms    int     `json:"rooms"`
	Sessions int     `json:"sessions"`
	UptimeS  float64 `json:"uptime_seconds"`
}

type roomInfo struct {
	ID      string `json:"id"`
	Members int    `json:"members"`
}

func (h *hub) handleHealth(w http.ResponseWriter, _ *http.Request) {
	h.mu.RLock()
	resp := healthResponse{
		Status:   "ok",
		Uptime:   time.Since(h.start).Round(time.Second).String(),
		UptimeS:  time.Since(h.start).Seconds(),
		Rooms:    len(h.rooms),
		Sessions: len(h.clients),
	}
	h.mu.RUnlock()
	writeJSON(w, resp)
}

func (h *hub) handleRooms(w http.ResponseWriter, _ *http.Request) {
	h.mu.RLock()
	rooms := make([]roomInfo, 0, len(h.rooms))
	for id, members := range h.rooms {
		rooms = append(rooms, roomInfo{ID: id, Members: len(members)})
	}
	h.mu.RUnlock()
	writeJSON(w, rooms)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	var cfg RelayConfig
	if err := env.Parse(&cfg); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	h := newHub(cfg, logger)

	r := mux.NewRouter()
	r.HandleFunc("/ws", h.handleWS)
	r.HandleFunc("/healthz", h.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/rooms", h.handleRooms).Methods(http.MethodGet)

	srv := &http.Server{Addr: cfg.Addr, Handler: r}

	go func() {
		logger.Info("relay listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	srv.Shutdown(ctx)
}
