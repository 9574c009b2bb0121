package handlers

import (
	"encoding/json"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/websocket"

	"github.com/PortNumber53/event-post-assistant/internal/models"
)

// realtimeHub fans post events out to websocket subscribers, keyed by user id.
type realtimeHub struct {
	mu    sync.Mutex
	conns map[string]map[*websocket.Conn]struct{}
}

func newRealtimeHub() *realtimeHub {
	return &realtimeHub{
		conns: make(map[string]map[*websocket.Conn]struct{}),
	}
}

func (h *realtimeHub) add(userID string, c *websocket.Conn) {
	if h == nil || c == nil || strings.TrimSpace(userID) == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	m := h.conns[userID]
	if m == nil {
		m = make(map[*websocket.Conn]struct{})
		h.conns[userID] = m
	}
	m[c] = struct{}{}
}

func (h *realtimeHub) remove(userID string, c *websocket.Conn) {
	if h == nil || c == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	m := h.conns[userID]
	if m == nil {
		return
	}
	delete(m, c)
	if len(m) == 0 {
		delete(h.conns, userID)
	}
}

func (h *realtimeHub) broadcast(userID string, msg []byte) {
	if h == nil || len(msg) == 0 {
		return
	}
	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.conns[userID]))
	for c := range h.conns[userID] {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		_ = c.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := websocket.Message.Send(c, string(msg)); err != nil {
			_ = c.Close()
			h.remove(userID, c)
		}
	}
}

func (h *realtimeHub) count(userID string) int {
	if h == nil {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns[userID])
}

func isLoopback(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil && h != "" {
		host = h
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// wsAllowed admits loopback clients, and others only with a matching X-Internal-WS-Secret.
func (h *Handler) wsAllowed(r *http.Request) bool {
	if isLoopback(r.RemoteAddr) {
		return true
	}
	if h.wsSec == "" {
		return false
	}
	return strings.TrimSpace(r.Header.Get("X-Internal-WS-Secret")) == h.wsSec
}

type realtimeEvent struct {
	Type   string       `json:"type"`
	UserID string       `json:"user_id"`
	PostID string       `json:"postId,omitempty"`
	JobID  string       `json:"jobId,omitempty"`
	Status string       `json:"status,omitempty"`
	Error  string       `json:"error,omitempty"`
	Post   *models.Post `json:"post,omitempty"`
	At     string       `json:"at"`
}

// EventsWebSocket streams post lifecycle events.
//
// URL: /api/events/ws?userId=... (defaults to the demo user)
func (h *Handler) EventsWebSocket(w http.ResponseWriter, r *http.Request) {
	if !h.wsAllowed(r) {
		log.Printf("[RealtimeWS] forbidden remote=%s host=%s secSet=%v", r.RemoteAddr, r.Host, h.wsSec != "")
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	userID := strings.TrimSpace(r.URL.Query().Get("userId"))
	if userID == "" {
		userID = strconv.FormatInt(h.userID, 10)
	}

	// Origin is not checked; access is decided by wsAllowed.
	wsServer := websocket.Server{
		Handshake: func(cfg *websocket.Config, req *http.Request) error { return nil },
		Handler: func(c *websocket.Conn) {
			log.Printf("[RealtimeWS] connect userId=%s remote=%s ua=%q", userID, r.RemoteAddr, truncate(r.UserAgent(), 120))
			h.rt.add(userID, c)
			defer h.rt.remove(userID, c)
			defer log.Printf("[RealtimeWS] disconnect userId=%s remote=%s", userID, r.RemoteAddr)

			hello := realtimeEvent{Type: "hello", UserID: userID, At: time.Now().UTC().Format(time.RFC3339)}
			if b, err := json.Marshal(hello); err == nil {
				_ = websocket.Message.Send(c, string(b))
			}

			// Read until the client goes away.
			for {
				var ignored string
				if err := websocket.Message.Receive(c, &ignored); err != nil {
					return
				}
			}
		},
	}
	wsServer.ServeHTTP(w, r)
}

// PostChanged is the orchestrator's change hook. It pushes the post to its owner's subscribers.
func (h *Handler) PostChanged(event string, p models.Post) {
	if h == nil || h.rt == nil {
		return
	}
	ev := realtimeEvent{
		Type:   event,
		UserID: strconv.FormatInt(p.UserID, 10),
		PostID: strconv.FormatInt(p.ID, 10),
		Status: string(p.Status),
		Post:   &p,
		At:     time.Now().UTC().Format(time.RFC3339),
	}
	if p.LastPublishJobID != nil {
		ev.JobID = *p.LastPublishJobID
	}
	if p.PublishError != nil {
		ev.Error = *p.PublishError
	}
	h.emitEvent(ev)
}

func (h *Handler) emitEvent(ev realtimeEvent) {
	subs := h.rt.count(ev.UserID)
	if subs == 0 {
		return
	}
	b, err := json.Marshal(ev)
	if err != nil {
		log.Printf("[Realtime] marshal_failed userId=%s err=%v", ev.UserID, err)
		return
	}
	log.Printf("[Realtime] emit userId=%s type=%s postId=%s jobId=%s status=%s subs=%d",
		ev.UserID, ev.Type, ev.PostID, ev.JobID, ev.Status, subs)
	h.rt.broadcast(ev.UserID, b)
}
