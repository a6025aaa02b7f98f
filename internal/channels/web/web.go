// Package web is the browser console gateway adapter: a
// gorilla/websocket endpoint that lets a web client act as its own
// platform connection, one connection per websocket.
package web

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/gorp/internal/bus"
	"github.com/nextlevelbuilder/gorp/internal/channels"
	"github.com/nextlevelbuilder/gorp/internal/store"
)

const platformID = "web"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type inboundFrame struct {
	Prompt string `json:"prompt"`
}

type outboundFrame struct {
	Kind string `json:"kind"`
	Text string `json:"text"`
}

// Adapter runs a standalone websocket listener for the browser console.
type Adapter struct {
	cfg      Config
	bus      *bus.Bus
	sessions store.SessionStore

	httpServer *http.Server
	nextConnID atomic.Uint64

	mu    sync.RWMutex
	conns map[string]*websocket.Conn
}

// Config shapes the web console listener.
type Config struct {
	Host  string
	Port  int
	Path  string // default "/ws"
	Token string // empty disables the auth check
}

// New builds a web console adapter.
func New(cfg Config, b *bus.Bus, sessions store.SessionStore) *Adapter {
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}
	return &Adapter{cfg: cfg, bus: b, sessions: sessions, conns: make(map[string]*websocket.Conn)}
}

func (a *Adapter) PlatformID() string { return platformID }

// Start runs the websocket listener until Stop is called.
func (a *Adapter) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc(a.cfg.Path, a.handleWS)

	addr := fmt.Sprintf("%s:%d", a.cfg.Host, a.cfg.Port)
	a.httpServer = &http.Server{Addr: addr, Handler: mux}

	slog.Info("web: console listener starting", "addr", addr, "path", a.cfg.Path)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.httpServer.Shutdown(shutdownCtx)
	}()

	go func() {
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("web: console listener exited", "error", err)
		}
	}()

	return nil
}

// Stop shuts the listener down and closes every open connection.
func (a *Adapter) Stop(_ context.Context) error {
	if a.httpServer != nil {
		_ = a.httpServer.Close()
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, c := range a.conns {
		_ = c.Close()
	}
	a.conns = make(map[string]*websocket.Conn)
	return nil
}

// Send writes resp.Text to every open console connection currently
// bound to resp.SessionName.
func (a *Adapter) Send(ctx context.Context, resp bus.BusResponse) error {
	if resp.Text == "" {
		return nil
	}
	bindings, err := a.sessions.ListBindings(ctx, resp.SessionName)
	if err != nil {
		return fmt.Errorf("web: listing bindings for %q: %w", resp.SessionName, err)
	}
	for _, b := range bindings {
		if b.Platform != platformID {
			continue
		}
		a.mu.RLock()
		conn, ok := a.conns[b.ConnectionID]
		a.mu.RUnlock()
		if !ok {
			continue
		}
		frame := outboundFrame{Kind: string(resp.Kind), Text: resp.Text}
		if err := conn.WriteJSON(frame); err != nil {
			slog.Warn("web: send failed", "connection_id", b.ConnectionID, "error", err)
		}
	}
	return nil
}

func (a *Adapter) handleWS(w http.ResponseWriter, r *http.Request) {
	if a.cfg.Token != "" {
		if subtle.ConstantTimeCompare([]byte(r.URL.Query().Get("token")), []byte(a.cfg.Token)) != 1 {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("web: upgrade failed", "error", err)
		return
	}

	connID := fmt.Sprintf("conn-%d", a.nextConnID.Add(1))
	a.mu.Lock()
	a.conns[connID] = conn
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		delete(a.conns, connID)
		a.mu.Unlock()
		_ = conn.Close()
	}()

	for {
		var frame inboundFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		if frame.Prompt == "" {
			continue
		}
		channels.Publish(a.bus, platformID, connID, "web", frame.Prompt)
	}
}
