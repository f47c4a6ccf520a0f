package webserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/zsprackett/pi-control/internal/events"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 64
)

// makeUpgrader creates a WebSocket upgrader with origin checking. An empty
// list or "*" allows every origin.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // the device agent is not a browser
			}
			return originSet[origin]
		},
	}
}

// wsPeer is a relay.Peer backed by a websocket connection. Only writePump
// writes to conn.
type wsPeer struct {
	id     string
	conn   *websocket.Conn
	send   chan events.Event
	logger *slog.Logger
}

func (p *wsPeer) ID() string { return p.id }

func (p *wsPeer) Send(e events.Event) {
	select {
	case p.send <- e:
	default:
		p.logger.Debug("send buffer full, dropping event", "peer", p.id, "event", e.Name)
	}
}

func (p *wsPeer) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-p.send:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteJSON(e); err != nil {
				p.logger.Debug("write failed", "peer", p.id, "err", err)
				p.conn.Close()
				return
			}
		case <-ticker.C:
			if err := p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				p.conn.Close()
				return
			}
		}
	}
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	peer := &wsPeer{
		id:     uuid.NewString(),
		conn:   conn,
		send:   make(chan events.Event, sendBuffer),
		logger: s.logger,
	}
	go peer.writePump(ctx)

	if err := s.relay.Connect(ctx, peer); err != nil {
		return
	}
	// The relay must hear about the disconnect even though ctx is done by then.
	defer s.relay.Disconnect(context.Background(), peer)
	s.logger.Debug("socket connected", "peer", peer.id, "remote", r.RemoteAddr)

	conn.SetReadLimit(s.cfg.MaxMessageBytes)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			s.logger.Debug("socket closed", "peer", peer.id, "err", err)
			return
		}
		// Any message resets the read deadline.
		conn.SetReadDeadline(time.Now().Add(pongWait))

		var e events.Event
		if err := json.Unmarshal(raw, &e); err != nil || e.Name == "" {
			s.logger.Debug("invalid message", "peer", peer.id, "err", err)
			continue
		}
		if err := s.relay.Dispatch(ctx, peer, e); err != nil {
			return
		}
	}
}
