// Package ws serves a live preview of what the strip shows, the diagnostic
// stream, and a health probe.
package ws

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	diag "github.com/coreman2200/ledbrain/internal/diagnostics"
	"github.com/coreman2200/ledbrain/internal/led"
)

type client struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *client) send(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.write(b)
}

// write requires c.mu.
func (c *client) write(b []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(200 * time.Millisecond))
	return c.conn.WriteMessage(websocket.TextMessage, b)
}

type Hub struct {
	// Interval throttles preview frames; zero sends every frame.
	Interval      time.Duration
	CurrentDriver string
	Count         int

	// Status adds node specific fields to /health.
	Status func() map[string]any
	// OnRunTest is invoked for {"runTest": "<kind>"} control messages.
	OnRunTest func(kind string) error

	mu          sync.RWMutex
	frameID     uint64
	lastSent    time.Time
	startTime   time.Time
	clients     map[*client]bool
	diagClients map[*client]bool
	diags       *diag.Log
}

func NewHub(count int, driver string) *Hub {
	return &Hub{
		Interval:      time.Second / 15,
		CurrentDriver: driver,
		Count:         count,
		startTime:     time.Now(),
		clients:       map[*client]bool{},
		diagClients:   map[*client]bool{},
		diags:         diag.NewLog(64),
	}
}

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

// register upgrades the request and keeps the connection in set until the
// peer goes away. backlog, if set, is taken under the hub lock and written
// ahead of anything fanned out after the client joins. onRead receives every
// inbound message.
func (h *Hub) register(w http.ResponseWriter, r *http.Request, set map[*client]bool, backlog func() [][]byte, onRead func(*client, []byte)) *client {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("websocket upgrade")
		return nil
	}
	c := &client{conn: conn}
	var pending [][]byte
	c.mu.Lock()
	h.mu.Lock()
	set[c] = true
	if backlog != nil {
		pending = backlog()
	}
	h.mu.Unlock()
	for _, b := range pending {
		if err := c.write(b); err != nil {
			break
		}
	}
	c.mu.Unlock()

	go func() {
		defer func() {
			h.mu.Lock()
			delete(set, c)
			h.mu.Unlock()
			conn.Close()
		}()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if onRead != nil {
				onRead(c, data)
			}
		}
	}()
	return c
}

func (h *Hub) HandleFramesWS(w http.ResponseWriter, r *http.Request) {
	if c := h.register(w, r, h.clients, nil, nil); c != nil {
		h.sendTopology(c)
	}
}

func (h *Hub) HandleDiagWS(w http.ResponseWriter, r *http.Request) {
	h.register(w, r, h.diagClients, func() [][]byte {
		recent := h.diags.Recent()
		out := make([][]byte, 0, len(recent))
		for _, d := range recent {
			b, _ := json.Marshal(d)
			out = append(out, b)
		}
		return out
	}, nil)
}

func (h *Hub) HandleControlWS(w http.ResponseWriter, r *http.Request) {
	h.register(w, r, map[*client]bool{}, nil, func(c *client, data []byte) {
		var msg map[string]any
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		h.applyControl(msg)
		h.sendTopology(c)
	})
}

func (h *Hub) applyControl(msg map[string]any) {
	v, ok := msg["runTest"].(string)
	if !ok {
		return
	}
	if h.OnRunTest == nil {
		h.PushDiag(diag.Diagnostic{Severity: diag.Warn, Code: "TEST.UNAVAILABLE", Summary: "Self test not available"})
		return
	}
	h.PushDiag(diag.Diagnostic{Severity: diag.Info, Code: "TEST.RUNNING", Summary: "Running test", Detail: v})
	if err := h.OnRunTest(v); err != nil {
		h.PushDiag(diag.Diagnostic{
			Severity: diag.Warn, Code: "TEST.UNKNOWN", Summary: "Unknown test name",
			Detail: err.Error(), Evidence: map[string]any{"name": v},
		})
	}
}

func (h *Hub) HandleHealth(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	resp := map[string]any{
		"frame_id": h.frameID,
		"uptime_s": time.Since(h.startTime).Seconds(),
		"count":    h.Count,
		"driver":   h.CurrentDriver,
		"clients":  len(h.clients),
	}
	h.mu.RUnlock()
	if h.Status != nil {
		for k, v := range h.Status() {
			resp[k] = v
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (h *Hub) sendTopology(c *client) {
	top := map[string]any{
		"count":  h.Count,
		"driver": h.CurrentDriver,
	}
	b, _ := json.Marshal(top)
	_ = c.send(b)
}

// broadcastFrame sends rgb to preview clients, at most once per Interval.
func (h *Hub) broadcastFrame(rgb []byte) {
	h.mu.Lock()
	h.frameID++
	now := time.Now()
	if len(h.clients) == 0 || now.Sub(h.lastSent) < h.Interval {
		h.mu.Unlock()
		return
	}
	h.lastSent = now
	id := h.frameID
	targets := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	type frame struct {
		T       int64  `json:"t"`
		FrameID uint64 `json:"frame_id"`
		RGB     []byte `json:"rgb"`
	}
	b, _ := json.Marshal(frame{T: now.UnixNano(), FrameID: id, RGB: rgb})
	for _, c := range targets {
		if err := c.send(b); err != nil {
			log.Debug().Err(err).Msg("write frame")
		}
	}
}

// PushDiag records d and fans it out to diagnostic clients. Safe for
// concurrent use.
func (h *Hub) PushDiag(d diag.Diagnostic) {
	if d.At.IsZero() {
		d.At = time.Now()
	}
	b, _ := json.Marshal(d)
	// Recording and snapshotting together keeps a joining client from seeing
	// an entry twice or not at all.
	h.mu.Lock()
	h.diags.Add(d)
	targets := make([]*client, 0, len(h.diagClients))
	for c := range h.diagClients {
		targets = append(targets, c)
	}
	h.mu.Unlock()
	for _, c := range targets {
		_ = c.send(b)
	}
}

// Routes registers the hub's handlers on mux.
func (h *Hub) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", h.HandleFramesWS)
	mux.HandleFunc("/diag", h.HandleDiagWS)
	mux.HandleFunc("/control", h.HandleControlWS)
	mux.HandleFunc("/health", h.HandleHealth)
}

// Tap wraps d so every frame written to the strip is also previewed.
func (h *Hub) Tap(d led.Driver) led.Driver {
	return &tap{Driver: d, hub: h}
}

type tap struct {
	led.Driver
	hub *Hub
}

func (t *tap) Write(rgb []byte) error {
	err := t.Driver.Write(rgb)
	t.hub.broadcastFrame(rgb)
	return err
}
