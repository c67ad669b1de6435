package api

import (
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"confab/internal/logging"
	"confab/internal/relay"
)

const (
	wsReadBufferSize  = 1024
	wsWriteBufferSize = 1024
	wsWriteTimeout    = 10 * time.Second
	wsPongTimeout     = 60 * time.Second
	wsPingPeriod      = 30 * time.Second
)

// StreamHandler upgrades /api/ws connections and pushes inbox deliveries to
// the subscribed participant as JSON frames. While the socket is open the
// participant is exempt from idle reaping; on disconnect the proxy falls back
// to inbox polling.
type StreamHandler struct {
	Relay          *relay.Relay
	Logger         *logging.Logger
	AuthToken      string
	AllowedOrigins []string
}

func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Relay == nil {
		http.Error(w, "relay unavailable", http.StatusInternalServerError)
		return
	}
	if !validateToken(r, h.AuthToken) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "participant id is required", http.StatusBadRequest)
		return
	}

	// Drain before subscribing so queued messages are not stranded in the
	// inbox while the socket is open.
	backlog, err := h.Relay.DrainInbox(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	output, cancel, err := h.Relay.Subscribe(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	defer cancel()

	// A message routed between the first drain and the subscribe landed in
	// the inbox, where it would sit until the socket dropped. Sweep it into
	// the backlog now that deliveries flow to the push channel.
	if late, err := h.Relay.DrainInbox(id); err == nil {
		backlog = append(backlog, late...)
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  wsReadBufferSize,
		WriteBufferSize: wsWriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			return isOriginAllowed(r, h.AllowedOrigins)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		if h.Logger != nil {
			h.Logger.Warn("websocket upgrade failed", map[string]string{
				"participant": id,
				"error":       err.Error(),
			})
		}
		return
	}
	defer conn.Close()

	if h.Logger != nil {
		h.Logger.Info("websocket attached", map[string]string{"participant": id})
	}

	// The read loop only services control frames; deliveries flow one way.
	conn.SetReadLimit(maxRequestBody)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	})
	readClosed := make(chan struct{})
	go func() {
		defer close(readClosed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for _, msg := range backlog {
		if !h.writeMessage(conn, id, msg) {
			return
		}
	}

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	for {
		select {
		case msg, ok := <-output:
			if !ok {
				return
			}
			if !h.writeMessage(conn, id, msg) {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-readClosed:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (h *StreamHandler) writeMessage(conn *websocket.Conn, id string, payload any) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteJSON(payload); err != nil {
		if h.Logger != nil {
			h.Logger.Debug("websocket write failed", map[string]string{
				"participant": id,
				"error":       err.Error(),
			})
		}
		return false
	}
	return true
}

func isOriginAllowed(r *http.Request, allowed []string) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	originHost := parsed.Hostname()
	if originHost == "" {
		return false
	}

	if len(allowed) > 0 {
		for _, allowedOrigin := range allowed {
			if strings.EqualFold(origin, allowedOrigin) || strings.EqualFold(originHost, allowedOrigin) {
				return true
			}
		}
		return false
	}

	requestHost := hostOnly(r.Host)
	return strings.EqualFold(originHost, requestHost)
}

func hostOnly(hostport string) string {
	host := hostport
	if strings.HasPrefix(hostport, "[") {
		if parsedHost, _, err := net.SplitHostPort(hostport); err == nil {
			host = parsedHost
		}
		return strings.Trim(host, "[]")
	}

	if parsedHost, _, err := net.SplitHostPort(hostport); err == nil {
		host = parsedHost
	}

	return host
}
