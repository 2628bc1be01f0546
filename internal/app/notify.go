package app

import (
	"sync"
	"time"

	"github.com/MrWong99/duplexvoice/internal/session"
)

// Notification types.
const (
	NotifySnapshot = "snapshot"
	NotifyState    = "state"
	NotifyActivity = "activity"
)

// Notification is one entry of the controller's event stream. It is the JSON
// shape sent over /v1/events.
type Notification struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`

	// State, Reason and Message are set for state notifications.
	State   string `json:"state,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`

	// Activity and Text are set for activity notifications.
	Activity string `json:"activity,omitempty"`
	Text     string `json:"text,omitempty"`

	At time.Time `json:"at"`
}

func stateNotification(ch session.StateChange) Notification {
	n := Notification{
		Type:      NotifyState,
		SessionID: ch.SessionID,
		State:     ch.State.String(),
		Message:   ch.Message,
		At:        ch.At,
	}
	if ch.State == session.StateClosed {
		n.Reason = ch.Reason.String()
	}
	return n
}

func activityNotification(a session.Activity) Notification {
	return Notification{
		Type:      NotifyActivity,
		SessionID: a.SessionID,
		Activity:  a.Kind.String(),
		Text:      a.Text,
		At:        a.At,
	}
}

func snapshotNotification(info session.Info, ok bool) Notification {
	n := Notification{Type: NotifySnapshot, State: session.StateIdle.String(), At: time.Now()}
	if ok {
		n.SessionID = info.ID
		n.State = info.State.String()
		n.Message = info.Message
		if info.State == session.StateClosed {
			n.Reason = info.Reason.String()
		}
	}
	return n
}

// hub fans notifications out to subscribers. Publishing never blocks: a
// subscriber whose buffer is full misses the notification.
type hub struct {
	buffer int

	mu     sync.Mutex
	nextID int
	subs   map[int]chan Notification
	closed bool
}

func newHub() *hub {
	return &hub{buffer: 64, subs: make(map[int]chan Notification)}
}

func (h *hub) subscribe() (<-chan Notification, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan Notification, h.buffer)
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if c, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(c)
			}
		})
	}
}

func (h *hub) publish(n Notification) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- n:
		default:
		}
	}
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
