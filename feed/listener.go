// Package feed turns Postgres NOTIFY events from the presence registry into
// pubsub payloads. The feed is a signal to reconcile, not a replicated log:
// payloads carry no row data and consumers must re-read the registry.
package feed

import (
	"os"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/openroom/voicesync/pubsub"
	"github.com/openroom/voicesync/state"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

const (
	minReconnectInterval = 1 * time.Second
	maxReconnectInterval = 30 * time.Second
)

// Listener subscribes to presence registry changes. All rooms share one NOTIFY
// channel (arbitrary room ids don't make valid Postgres identifiers), so room
// scoping happens here: Subscribe sets the room whose events are republished
// and everything else is dropped. There is at most one subscribed room,
// matching the coordinator's single-active-room invariant.
type Listener struct {
	pgl      *pq.Listener
	notifier pubsub.Notifier

	mu     sync.Mutex
	roomID string // empty = not subscribed
}

func NewListener(postgresURI string, notifier pubsub.Notifier) *Listener {
	l := &Listener{
		notifier: notifier,
	}
	l.pgl = pq.NewListener(postgresURI, minReconnectInterval, maxReconnectInterval, l.onConnEvent)
	return l
}

// Run blocks, forwarding notifications until Close is called.
func (l *Listener) Run() error {
	if err := l.pgl.Listen(state.NotifyChannel); err != nil {
		return err
	}
	for n := range l.pgl.Notify {
		if n == nil {
			// lib/pq sends nil after a reconnection: we may have missed events,
			// so tell the current room to reconcile unconditionally.
			l.resync()
			continue
		}
		l.onNotification(n)
	}
	return nil
}

// Subscribe scopes the feed to roomID, replacing any previous subscription.
func (l *Listener) Subscribe(roomID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.roomID = roomID
	logger.Info().Str("room_id", roomID).Msg("feed: subscribed")
}

// Unsubscribe drops the current room scope. Events seen while unsubscribed are
// discarded; a dangling subscription refreshing the wrong roster is both a leak
// and a correctness hazard.
func (l *Listener) Unsubscribe() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.roomID != "" {
		logger.Info().Str("room_id", l.roomID).Msg("feed: unsubscribed")
	}
	l.roomID = ""
}

func (l *Listener) Close() error {
	return l.pgl.Close()
}

func (l *Listener) currentRoom() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.roomID
}

func (l *Listener) onNotification(n *pq.Notification) {
	roomID := l.currentRoom()
	if roomID == "" {
		return
	}
	payload := gjson.Parse(n.Extra)
	if payload.Get("room_id").Str != roomID {
		return
	}
	p := &pubsub.PresenceChanged{
		Op:     payload.Get("op").Str,
		RoomID: payload.Get("room_id").Str,
		UserID: payload.Get("user_id").Str,
	}
	if err := l.notifier.Notify(pubsub.ChanPresence, p); err != nil {
		logger.Warn().Err(err).Str("room_id", roomID).Msg("feed: failed to publish change")
	}
}

func (l *Listener) resync() {
	roomID := l.currentRoom()
	if roomID == "" {
		return
	}
	p := &pubsub.PresenceChanged{Op: pubsub.OpResync, RoomID: roomID}
	if err := l.notifier.Notify(pubsub.ChanPresence, p); err != nil {
		logger.Warn().Err(err).Msg("feed: failed to publish resync")
	}
}

func (l *Listener) onConnEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventDisconnected, pq.ListenerEventConnectionAttemptFailed:
		logger.Warn().Err(err).Int("event", int(ev)).Msg("feed: connection problem")
	case pq.ListenerEventReconnected:
		logger.Info().Msg("feed: reconnected")
	}
}
