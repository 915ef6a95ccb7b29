// Package broadcast serves the live view: aligned tracker frames out,
// operator commands (offset, start, stop) in.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"motion-recorder/internal/model"
	"motion-recorder/internal/session"
	"motion-recorder/internal/state"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // the UI is served from the operator's machine
	},
}

const (
	clientBuffer = 4096
	writeWait    = 5 * time.Second
)

// Controller executes operator commands.
type Controller interface {
	SetOffset(stream string, v int32) error
	Offsets() map[string]int32
	Start() (session.Take, error)
	Stop() (session.Take, error)
}

// Config configures a Hub.
type Config struct {
	History *state.History[model.Frame[model.Pose]]
	Control Controller
	Logger  *slog.Logger
}

// Hub maintains active clients and broadcasts MsgPack frames to all.
type Hub struct {
	history *state.History[model.Frame[model.Pose]]
	control Controller
	log     *slog.Logger

	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	commands   chan request
	done       chan struct{}
}

// NewHub creates a hub. Run must be started before clients connect.
func NewHub(cfg Config) *Hub {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Hub{
		history:    cfg.History,
		control:    cfg.Control,
		log:        cfg.Logger,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
		commands:   make(chan request),
		done:       make(chan struct{}),
	}
}

// Run fans frames from input out to every client until ctx ends.
func (h *Hub) Run(ctx context.Context, input <-chan model.Frame[model.Pose]) error {
	defer close(h.done)
	buf := make([]byte, 0, 128)

	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			return nil

		case client := <-h.register:
			h.clients[client] = true
			h.log.Info("broadcast: client connected", "clients", len(h.clients))

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.log.Info("broadcast: client disconnected", "clients", len(h.clients))
			}

		case req := <-h.commands:
			// Only Run sends on client.send, so replies never race a close.
			if _, ok := h.clients[req.client]; !ok {
				continue
			}
			rep := req.reply
			if rep == nil {
				r := h.handle(req.cmd)
				rep = &r
			}
			out, err := json.Marshal(rep)
			if err != nil {
				continue
			}
			select {
			case req.client.send <- outbound{kind: websocket.TextMessage, data: out}:
			default:
			}

		case f, ok := <-input:
			if !ok {
				input = nil
				continue
			}
			// Serialize ONCE per frame; each client gets its own copy of
			// the bytes because buf is reused.
			buf = model.AppendPoseMsgPack(buf[:0], &f)
			msg := outbound{kind: websocket.BinaryMessage, data: append([]byte(nil), buf...)}

			for client := range h.clients {
				select {
				case client.send <- msg:
				default:
					// Slow client: drop this frame, don't kill.
				}
			}
		}
	}
}

// Handler returns the HTTP routes: /ws (live view) and /metrics.
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.serveWs)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// Serve listens on addr until ctx ends, then shuts down gracefully.
func (h *Hub) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		h.log.Info("broadcast: listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

type outbound struct {
	kind int
	data []byte
}

// Client is one connected UI.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan outbound
}

// ═══════════════════════════════════════════════════════════════
// STREAMING HISTORY PROTOCOL
// ═══════════════════════════════════════════════════════════════
//
// History is streamed as individual small messages, not one big array:
//
//   Message 1: MsgPack uint32 = count of history frames
//   Message 2..N+1: individual FixArray(4) pose frames
//   After: client registered for live FixArray(4) frames
//
// Control (text, JSON), client → server:
//   {"op":"offset","stream":"aux","value":-3}
//   {"op":"start"}
//   {"op":"stop"}
//   {"op":"status"}
// Every command is answered with one text message:
//   {"op":"start","ok":true,"take":{...}}
//   {"op":"offset","ok":false,"error":"unknown stream \"x\""}

func (h *Hub) serveWs(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("broadcast: upgrade failed", "error", err)
		return
	}
	client := &Client{hub: h, conn: conn, send: make(chan outbound, clientBuffer)}

	// Send full history BEFORE registering for live frames
	if h.history != nil {
		frames := h.history.Snapshot()
		if len(frames) > 0 {
			header := model.AppendHistoryHeader(nil, uint32(len(frames)))
			if err := conn.WriteMessage(websocket.BinaryMessage, header); err != nil {
				h.log.Warn("broadcast: history header failed", "error", err)
				conn.Close()
				return
			}

			buf := make([]byte, 0, 128)
			for i := range frames {
				buf = model.AppendPoseMsgPack(buf[:0], &frames[i])
				if err := conn.WriteMessage(websocket.BinaryMessage, buf); err != nil {
					h.log.Warn("broadcast: history stream interrupted", "sent", i, "error", err)
					conn.Close()
					return
				}
			}
			h.log.Debug("broadcast: history streamed", "frames", len(frames))
		}
	}

	// Register for live frames
	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// command is an inbound control message.
type command struct {
	Op     string `json:"op"`
	Stream string `json:"stream,omitempty"`
	Value  int32  `json:"value,omitempty"`
}

type request struct {
	client *Client
	cmd    command
	reply  *reply // preset for messages that never reach the controller
}

// reply answers one command.
type reply struct {
	Op      string           `json:"op"`
	OK      bool             `json:"ok"`
	Error   string           `json:"error,omitempty"`
	Take    *session.Take    `json:"take,omitempty"`
	Offsets map[string]int32 `json:"offsets,omitempty"`
}

func (h *Hub) handle(cmd command) reply {
	rep := reply{Op: cmd.Op}
	if h.control == nil {
		rep.Error = "control disabled"
		return rep
	}

	var err error
	switch cmd.Op {
	case "offset":
		err = h.control.SetOffset(cmd.Stream, cmd.Value)
		rep.Offsets = h.control.Offsets()
	case "start":
		var take session.Take
		take, err = h.control.Start()
		rep.Take = &take
	case "stop":
		var take session.Take
		take, err = h.control.Stop()
		rep.Take = &take
	case "status":
		rep.Offsets = h.control.Offsets()
	default:
		rep.Error = "unknown op"
		return rep
	}

	if err != nil {
		rep.Error = err.Error()
		h.log.Warn("broadcast: command failed", "op", cmd.Op, "error", err)
		return rep
	}
	rep.OK = true
	h.log.Info("broadcast: command", "op", cmd.Op, "stream", cmd.Stream, "value", cmd.Value)
	return rep
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if kind != websocket.TextMessage {
			continue
		}

		req := request{client: c}
		if err := json.Unmarshal(data, &req.cmd); err != nil {
			req.reply = &reply{Error: "bad json"}
		}
		select {
		case c.hub.commands <- req:
		case <-c.hub.done:
			return
		}
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()
	for {
		msg, ok := <-c.send
		if !ok {
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}

		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(msg.kind, msg.data); err != nil {
			return
		}
	}
}
