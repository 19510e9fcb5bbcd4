package pubsub

// ChanPresence is the channel presence registry change signals are sent on.
const ChanPresence = "presence"

// Operations carried by a PresenceChanged payload.
const (
	OpInsert = "insert"
	OpUpdate = "update"
	OpDelete = "delete"
	// OpResync is synthesised locally when the feed connection is re-established
	// and we may have missed events. RoomID carries the room current at the time,
	// UserID is empty.
	OpResync = "resync"
)

// PresenceChanged says a row in the presence registry changed. It deliberately carries
// no row data: consumers must reconcile by re-reading the registry, never by applying
// the payload as a delta.
type PresenceChanged struct {
	Op     string
	RoomID string
	UserID string
}

func (*PresenceChanged) Type() string { return "PresenceChanged" }
