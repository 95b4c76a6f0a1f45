package controller

import (
	"log"
	"sync"

	"github.com/gofiber/websocket/v2"

	"identswitch/checker"
	"identswitch/models"
	"identswitch/session"
)

// ActiveSession identifies one connected push client.
type ActiveSession struct {
	UserID    uint
	SessionID string
	Email     string
}

// PushHub fans the checker's asynchronous messages out to the websocket
// clients of each user. It also doubles as the registry of sessions the
// background worker should check.
type PushHub struct {
	mu     sync.Mutex
	conns  map[*websocket.Conn]ActiveSession
	logger *log.Logger
}

func NewPushHub(logger *log.Logger) *PushHub {
	return &PushHub{
		conns:  make(map[*websocket.Conn]ActiveSession),
		logger: logger,
	}
}

// Handle runs for the lifetime of one websocket connection. The client
// never sends meaningful payloads; reads only detect the close.
func (h *PushHub) Handle(c *websocket.Conn) {
	user, ok := c.Locals("user").(*models.User)
	if !ok {
		_ = c.Close()
		return
	}
	sessionID, _ := c.Locals("sessionID").(string)

	sess := ActiveSession{UserID: user.ID, SessionID: sessionID, Email: user.Email}
	h.mu.Lock()
	h.conns[c] = sess
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.conns, c)
		h.mu.Unlock()
		_ = c.Close()
	}()

	for {
		if _, _, err := c.ReadMessage(); err != nil {
			return
		}
	}
}

// ActiveSessions lists the distinct sessions with an open socket.
func (h *PushHub) ActiveSessions() []ActiveSession {
	h.mu.Lock()
	defer h.mu.Unlock()

	seen := make(map[string]struct{}, len(h.conns))
	sessions := make([]ActiveSession, 0, len(h.conns))
	for _, sess := range h.conns {
		if _, dup := seen[sess.SessionID]; dup {
			continue
		}
		seen[sess.SessionID] = struct{}{}
		sessions = append(sessions, sess)
	}
	return sessions
}

type countPayload struct {
	Unseen   uint32 `json:"unseen"`
	Baseline uint32 `json:"baseline"`
}

type countsMessage struct {
	Type   string                `json:"type"`
	Counts map[uint]countPayload `json:"counts"`
}

type notifyMessage struct {
	Type string `json:"type"`
	checker.Notification
}

// PushCounts sends the full cached-counts snapshot so the UI can compute
// per-account deltas and the total badge.
func (h *PushHub) PushCounts(userID uint, counts map[uint]session.CountEntry) {
	payload := make(map[uint]countPayload, len(counts))
	for id, entry := range counts {
		p := countPayload{Unseen: entry.Unseen, Baseline: entry.Unseen}
		if entry.Baseline != nil {
			p.Baseline = *entry.Baseline
		}
		payload[id] = p
	}
	h.broadcast(userID, countsMessage{Type: "update_counts", Counts: payload})
}

// PushNotify signals one account's new-mail event with its resolved
// notification channels.
func (h *PushHub) PushNotify(userID uint, n checker.Notification) {
	h.broadcast(userID, notifyMessage{Type: "notify", Notification: n})
}

func (h *PushHub) broadcast(userID uint, payload interface{}) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c, sess := range h.conns {
		if sess.UserID != userID {
			continue
		}
		if err := c.WriteJSON(payload); err != nil {
			h.logger.Printf("push to user %d failed, dropping connection: %v", userID, err)
			delete(h.conns, c)
			_ = c.Close()
		}
	}
}
