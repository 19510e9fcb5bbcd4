package state

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/openroom/voicesync/internal"
	"github.com/openroom/voicesync/pubsub"
	"github.com/openroom/voicesync/sqlutil"
)

// NotifyChannel is the Postgres NOTIFY channel every presence write fires on.
// There is a single channel for all rooms; the payload carries the room id and
// listeners filter on it, as arbitrary room ids don't make valid channel names.
const NotifyChannel = "voicesync_presence"

// PresenceRow is one (room, user) membership claim in the shared registry.
// last_seen is the sole liveness signal: a row older than the stale window
// must be treated as departed by every reader, deleted or not.
type PresenceRow struct {
	RoomID              string              `db:"room_id" json:"room_id"`
	UserID              string              `db:"user_id" json:"user_id"`
	SessionID           string              `db:"session_id" json:"session_id"`
	EngineParticipantID int32               `db:"engine_participant_id" json:"engine_participant_id"`
	JoinedAt            time.Time           `db:"joined_at" json:"joined_at"`
	LastSeen            time.Time           `db:"last_seen" json:"last_seen"`
	IsMuted             bool                `db:"is_muted" json:"is_muted"`
	AudioRoute          internal.AudioRoute `db:"audio_route" json:"audio_route"`
}

type notifyPayload struct {
	Op     string `json:"op"`
	RoomID string `json:"room_id"`
	UserID string `json:"user_id"`
}

// PresenceTable stores who is currently claiming membership of which voice room.
type PresenceTable struct {
	db *sqlx.DB
}

func NewPresenceTable(db *sqlx.DB) *PresenceTable {
	// make sure tables are made
	db.MustExec(`
	CREATE TABLE IF NOT EXISTS voicesync_presence (
		room_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		engine_participant_id BIGINT NOT NULL,
		joined_at TIMESTAMPTZ NOT NULL,
		last_seen TIMESTAMPTZ NOT NULL,
		is_muted BOOL NOT NULL,
		audio_route TEXT NOT NULL,
		UNIQUE(room_id, user_id)
	);
	-- heartbeats rewrite last_seen every few seconds, leave headroom for HOT updates
	ALTER TABLE voicesync_presence SET (fillfactor = 90);
	`)
	return &PresenceTable{db}
}

// Upsert writes the row, keyed on (room_id, user_id). All mutable fields are
// replaced on conflict except joined_at, which survives as long as the row
// still belongs to the same session; a new session restarts it.
// Fires a NOTIFY so feed listeners know to reconcile.
func (t *PresenceTable) Upsert(row *PresenceRow) error {
	return sqlutil.WithTransaction(t.db, func(txn *sqlx.Tx) error {
		var inserted bool
		err := txn.QueryRow(`
		INSERT INTO voicesync_presence(room_id, user_id, session_id, engine_participant_id, joined_at, last_seen, is_muted, audio_route)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (room_id, user_id) DO UPDATE SET
			session_id = EXCLUDED.session_id,
			engine_participant_id = EXCLUDED.engine_participant_id,
			joined_at = CASE
				WHEN voicesync_presence.session_id = EXCLUDED.session_id THEN voicesync_presence.joined_at
				ELSE EXCLUDED.joined_at
			END,
			last_seen = EXCLUDED.last_seen,
			is_muted = EXCLUDED.is_muted,
			audio_route = EXCLUDED.audio_route
		RETURNING (xmax = 0) AS inserted`,
			row.RoomID, row.UserID, row.SessionID, row.EngineParticipantID,
			row.JoinedAt, row.LastSeen, row.IsMuted, string(row.AudioRoute),
		).Scan(&inserted)
		if err != nil {
			return err
		}
		op := pubsub.OpUpdate
		if inserted {
			op = pubsub.OpInsert
		}
		return notify(txn, op, row.RoomID, row.UserID)
	})
}

// Delete removes the user's row, but only if it still belongs to sessionID.
// A mismatch means a newer session superseded this row, in which case the
// delete is a deliberate no-op and (false, nil) is returned.
func (t *PresenceTable) Delete(roomID, userID, sessionID string) (deleted bool, err error) {
	err = sqlutil.WithTransaction(t.db, func(txn *sqlx.Tx) error {
		res, err := txn.Exec(
			`DELETE FROM voicesync_presence WHERE room_id=$1 AND user_id=$2 AND session_id=$3`,
			roomID, userID, sessionID,
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		deleted = true
		return notify(txn, pubsub.OpDelete, roomID, userID)
	})
	return
}

// SelectLive returns the rows for roomID seen since cutoff, newest join first.
func (t *PresenceTable) SelectLive(roomID string, cutoff time.Time) (rows []PresenceRow, err error) {
	err = t.db.Select(&rows,
		`SELECT room_id, user_id, session_id, engine_participant_id, joined_at, last_seen, is_muted, audio_route
		FROM voicesync_presence WHERE room_id=$1 AND last_seen > $2 ORDER BY joined_at DESC`,
		roomID, cutoff,
	)
	return
}

// SelectRecent is the fallback for when SelectLive comes back empty: under clock
// skew between a writer and our cutoff a room can look empty when it isn't. No
// staleness filter, bounded to the most recently seen rows. Callers must still
// apply the stale window when merging.
func (t *PresenceTable) SelectRecent(roomID string, limit int) (rows []PresenceRow, err error) {
	err = t.db.Select(&rows,
		`SELECT room_id, user_id, session_id, engine_participant_id, joined_at, last_seen, is_muted, audio_route
		FROM voicesync_presence WHERE room_id=$1 ORDER BY last_seen DESC LIMIT $2`,
		roomID, limit,
	)
	return
}

// SelectUser returns the row for this user in this room, or nil if absent.
func (t *PresenceTable) SelectUser(roomID, userID string) (*PresenceRow, error) {
	var row PresenceRow
	err := t.db.Get(&row,
		`SELECT room_id, user_id, session_id, engine_participant_id, joined_at, last_seen, is_muted, audio_route
		FROM voicesync_presence WHERE room_id=$1 AND user_id=$2`,
		roomID, userID,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func notify(txn *sqlx.Tx, op, roomID, userID string) error {
	b, err := json.Marshal(notifyPayload{Op: op, RoomID: roomID, UserID: userID})
	if err != nil {
		return err
	}
	_, err = txn.Exec(`SELECT pg_notify($1, $2)`, NotifyChannel, string(b))
	return err
}
