// Package session owns the client's view of "am I in a voice room". It keeps a
// single active room, reconciles an optimistic local roster against the shared
// presence registry, heartbeats liveness, and drives the audio engine adapter.
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openroom/voicesync/engine"
	"github.com/openroom/voicesync/internal"
	"github.com/openroom/voicesync/profile"
	"github.com/openroom/voicesync/pubsub"
	"github.com/openroom/voicesync/state"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

var (
	ErrNotJoined = errors.New("not joined to a room")
	ErrStopped   = errors.New("coordinator stopped")
)

// Registry is the coordinator's view of the shared presence store. Writes are
// best-effort visibility aids, never the source of truth for whether the audio
// connection is live.
type Registry interface {
	Upsert(row *state.PresenceRow) error
	Delete(roomID, userID, sessionID string) (deleted bool, err error)
	SelectLive(roomID string, cutoff time.Time) ([]state.PresenceRow, error)
	SelectRecent(roomID string, limit int) ([]state.PresenceRow, error)
}

// RoomFeed scopes the change feed to the current room. Implementations must
// tolerate Subscribe replacing an existing subscription.
type RoomFeed interface {
	Subscribe(roomID string)
	Unsubscribe()
}

// Phase of the single-active-room state machine.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseJoining
	PhaseJoined
	PhaseLeaving
)

func (p Phase) String() string {
	switch p {
	case PhaseJoining:
		return "joining"
	case PhaseJoined:
		return "joined"
	case PhaseLeaving:
		return "leaving"
	}
	return "idle"
}

// Config for a Coordinator. Zero durations get defaults.
type Config struct {
	UserID string
	// SessionID disambiguates rapid rejoin/leave from the same user and scopes
	// deletes so a stale client cannot remove a newer session's row. Minted
	// once per process if empty.
	SessionID string
	// RoomToken is handed to the engine on join, opaque to us. May be nil.
	RoomToken *string

	Engine engine.Config

	HeartbeatInterval time.Duration // default 10s
	StaleWindow       time.Duration // default 120s
	BackgroundGrace   time.Duration // default 60s
	FallbackLimit     int           // default 50
	SpeakingThreshold int           // default 40 (engine levels are 0-255)
	SpeakingDecay     time.Duration // default 1s

	// EnableMetrics registers Prometheus collectors. Off by default so tests
	// can construct many coordinators in one process.
	EnableMetrics bool
}

func (c *Config) setDefaults() {
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.StaleWindow == 0 {
		c.StaleWindow = 120 * time.Second
	}
	if c.BackgroundGrace == 0 {
		c.BackgroundGrace = 60 * time.Second
	}
	if c.FallbackLimit == 0 {
		c.FallbackLimit = 50
	}
	if c.SpeakingThreshold == 0 {
		c.SpeakingThreshold = 40
	}
	if c.SpeakingDecay == 0 {
		c.SpeakingDecay = time.Second
	}
	if c.SessionID == "" {
		c.SessionID = uuid.NewString()
	}
}

// Session is a point-in-time copy of the coordinator's room state, safe to
// hand to UIs and the /status endpoint.
type Session struct {
	RoomID        string              `json:"room_id"`
	RoomName      string              `json:"room_name"`
	Phase         string              `json:"phase"`
	IsJoined      bool                `json:"is_joined"`
	IsMuted       bool                `json:"is_muted"`
	AudioRoute    internal.AudioRoute `json:"audio_route"`
	ParticipantID int32               `json:"participant_id"`
	Roster        []RosterEntry       `json:"roster"`
	Speaking      []int32             `json:"speaking"`
	ActiveSpeaker int32               `json:"active_speaker"`
}

type command struct {
	fn   func()
	done chan struct{}
}

// Coordinator serialises every state mutation through one run-loop goroutine:
// user commands, engine callbacks, heartbeat ticks, lifecycle transitions and
// feed signals are processed strictly one at a time, so no locking guards the
// session fields and total ordering is preserved.
type Coordinator struct {
	cfg      Config
	registry Registry
	profiles profile.Source
	eng      engine.Engine
	feed     RoomFeed
	speaking *speakingTracker
	metrics  *metrics
	logger   zerolog.Logger

	cmds      chan command
	lifecycle chan LifecycleState
	feedCh    chan *pubsub.PresenceChanged
	graceCh   chan uint64

	stopOnce sync.Once
	stop     chan struct{}
	stopped  chan struct{}

	// Everything below is owned by the run loop and never touched elsewhere.
	phase         Phase
	roomID        string
	roomName      string
	participantID int32
	joinedAt      time.Time
	isMuted       bool
	audioRoute    internal.AudioRoute
	roster        []RosterEntry
	activeSpeaker int32
	intent        *localIntent
	lastRefresh   time.Time
	engineReady   bool
	joinSeq       uint64
	graceTimer    *time.Timer
	hb            *time.Ticker
	hbC           <-chan time.Time
	engEvents     <-chan engine.Event
}

func New(cfg Config, registry Registry, profiles profile.Source, eng engine.Engine, feed RoomFeed) *Coordinator {
	cfg.setDefaults()
	c := &Coordinator{
		cfg:       cfg,
		registry:  registry,
		profiles:  profiles,
		eng:       eng,
		feed:      feed,
		speaking:  newSpeakingTracker(cfg.SpeakingThreshold, cfg.SpeakingDecay),
		logger:    logger.With().Str("user", cfg.UserID).Logger(),
		cmds:      make(chan command),
		lifecycle: make(chan LifecycleState, 8),
		feedCh:    make(chan *pubsub.PresenceChanged, 16),
		graceCh:   make(chan uint64, 1),
		stop:      make(chan struct{}),
		stopped:   make(chan struct{}),
		engEvents: eng.Events(),
	}
	if cfg.EnableMetrics {
		c.metrics = newMetrics()
	}
	return c
}

// Run blocks, processing the event loop until Stop is called. Do this in a
// goroutine.
func (c *Coordinator) Run() {
	defer close(c.stopped)
	for {
		select {
		case <-c.stop:
			c.shutdown()
			return
		case cmd := <-c.cmds:
			cmd.fn()
			close(cmd.done)
		case ev, ok := <-c.engEvents:
			if !ok {
				c.engEvents = nil
				continue
			}
			c.onEngineEvent(ev)
		case st := <-c.lifecycle:
			c.onLifecycle(st)
		case seq := <-c.graceCh:
			c.onGraceExpired(seq)
		case <-c.hbC:
			c.onHeartbeat()
		case p := <-c.feedCh:
			c.onFeedEvent(p)
		}
	}
}

// Stop leaves any current room and terminates the run loop. Safe to call more
// than once; blocks until the loop has exited.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
	<-c.stopped
}

// do runs fn on the loop goroutine and waits for it to complete.
func (c *Coordinator) do(fn func()) error {
	cmd := command{fn: fn, done: make(chan struct{})}
	select {
	case c.cmds <- cmd:
	case <-c.stop:
		return ErrStopped
	}
	select {
	case <-cmd.done:
		return nil
	case <-c.stopped:
		return ErrStopped
	}
}

// Join connects to roomID, leaving any current room first: the system never
// holds two audio channel memberships. Already being in roomID is a no-op.
// A nil error means the attempt is in flight; membership is confirmed when the
// engine reports JoinSucceeded.
func (c *Coordinator) Join(roomID, roomName string) error {
	var err error
	if doErr := c.do(func() { err = c.join(roomID, roomName) }); doErr != nil {
		return doErr
	}
	return err
}

// Leave tears down the current room. No-op when not joined; safe to call twice.
func (c *Coordinator) Leave() error {
	var err error
	if doErr := c.do(func() { err = c.leave() }); doErr != nil {
		return doErr
	}
	return err
}

// ToggleMute flips the local mute state and reports the new value.
func (c *Coordinator) ToggleMute() (muted bool, err error) {
	if doErr := c.do(func() { muted, err = c.toggleMute() }); doErr != nil {
		return false, doErr
	}
	return
}

// SetAudioRoute switches audio between speakerphone and earpiece.
func (c *Coordinator) SetAudioRoute(route internal.AudioRoute) error {
	var err error
	if doErr := c.do(func() { err = c.setAudioRoute(route) }); doErr != nil {
		return doErr
	}
	return err
}

// RefreshRoster forces a reconciliation against the registry.
func (c *Coordinator) RefreshRoster() error {
	return c.do(func() { c.refresh() })
}

// Snapshot returns a copy of the current session state.
func (c *Coordinator) Snapshot() Session {
	var s Session
	if err := c.do(func() { s = c.snapshot() }); err != nil {
		return Session{Phase: PhaseIdle.String()}
	}
	return s
}

// ReportLifecycle feeds a device foreground/background transition into the
// loop. Safe from any goroutine.
func (c *Coordinator) ReportLifecycle(s LifecycleState) {
	select {
	case c.lifecycle <- s:
	case <-c.stop:
	}
}

// OnPresenceChanged folds a change-feed signal into the loop. The payload is
// only a hint to reconcile, so it is dropped rather than blocking when the
// loop is busy: a refresh is already queued.
func (c *Coordinator) OnPresenceChanged(p *pubsub.PresenceChanged) {
	select {
	case c.feedCh <- p:
	default:
	}
}

// SessionID returns the identifier minted for this process.
func (c *Coordinator) SessionID() string {
	return c.cfg.SessionID
}

func (c *Coordinator) shutdown() {
	if c.phase != PhaseIdle {
		if err := c.leave(); err != nil {
			c.logger.Warn().Err(err).Msg("leave on shutdown failed")
		}
	}
	if c.engineReady {
		if err := c.eng.Release(); err != nil {
			c.logger.Warn().Err(err).Msg("engine release failed")
		}
		c.engineReady = false
	}
	c.speaking.Stop()
}

// ensureEngine initialises the engine once. Failure here (e.g. microphone
// permission refused) is fatal to the join: we never join an uninitialised
// engine.
func (c *Coordinator) ensureEngine() error {
	if c.engineReady {
		return nil
	}
	if err := c.eng.Initialize(c.cfg.Engine); err != nil {
		return fmt.Errorf("engine initialise: %w", err)
	}
	if err := c.eng.EnableAudio(); err != nil {
		return fmt.Errorf("engine enable audio: %w", err)
	}
	c.engineReady = true
	return nil
}

func (c *Coordinator) join(roomID, roomName string) error {
	if (c.phase == PhaseJoined || c.phase == PhaseJoining) && c.roomID == roomID {
		return nil
	}
	if c.phase != PhaseIdle {
		if err := c.leave(); err != nil {
			c.logger.Warn().Err(err).Msg("leave before join reported an error, continuing")
		}
	}
	if err := c.ensureEngine(); err != nil {
		return err
	}
	pid, ok := engine.DeriveParticipantID(c.cfg.UserID)
	if !ok {
		pid = engine.RandomParticipantID()
	}

	c.joinSeq++
	c.phase = PhaseJoining
	c.roomID = roomID
	c.roomName = roomName
	c.participantID = pid
	c.isMuted = false
	c.audioRoute = internal.RouteSpeaker
	c.intent = nil
	c.joinedAt = time.Now()
	c.lastRefresh = time.Time{}
	selfRow := c.selfRow(time.Now())
	// optimistic: the UI sees us in the room before any network round-trip
	c.roster = []RosterEntry{{Row: selfRow, Origin: OriginOptimistic}}
	c.metrics.roster(len(c.roster))

	// presence visibility is best-effort; audio connectivity is primary
	if err := c.registry.Upsert(&selfRow); err != nil {
		c.logger.Warn().Err(err).Str("room_id", roomID).Msg("self presence upsert failed, continuing with audio join")
	}
	if c.feed != nil {
		c.feed.Subscribe(roomID)
	}
	if err := c.eng.Join(c.cfg.RoomToken, roomID, pid); err != nil {
		c.logger.Error().Err(err).Str("room_id", roomID).Msg("engine join failed, rolling back")
		internal.GetSentryHubFromContextOrDefault(context.Background()).CaptureException(err)
		c.rollbackJoin()
		return fmt.Errorf("engine join %s: %w", roomID, err)
	}
	c.logger.Info().Str("room_id", roomID).Int32("participant_id", pid).Msg("join in flight")
	return nil
}

// rollbackJoin undoes the optimistic state after a failed join. The registry
// row is left for the stale window to clean up if orphaned.
func (c *Coordinator) rollbackJoin() {
	c.joinSeq++
	if c.feed != nil {
		c.feed.Unsubscribe()
	}
	c.phase = PhaseIdle
	c.roomID = ""
	c.roomName = ""
	c.participantID = 0
	c.roster = nil
	c.intent = nil
	c.metrics.roster(0)
}

func (c *Coordinator) leave() error {
	if c.phase == PhaseIdle {
		return nil
	}
	roomID := c.roomID
	// order matters: drop the joined state first so the UI stops showing us as
	// present even if the network steps below fail
	c.phase = PhaseLeaving
	c.joinSeq++
	c.stopHeartbeat()
	c.cancelGrace()
	c.speaking.Reset()
	c.activeSpeaker = 0

	// scoped by session id: a mismatch means a newer join superseded this row
	// and skipping is the correct outcome
	if _, err := c.registry.Delete(roomID, c.cfg.UserID, c.cfg.SessionID); err != nil {
		c.logger.Warn().Err(err).Str("room_id", roomID).Msg("presence delete failed, row will go stale")
	}
	var engErr error
	if err := c.eng.Leave(); err != nil {
		c.logger.Error().Err(err).Str("room_id", roomID).Msg("engine leave failed")
		engErr = fmt.Errorf("engine leave %s: %w", roomID, err)
	}
	if c.feed != nil {
		c.feed.Unsubscribe()
	}
	c.phase = PhaseIdle
	c.roomID = ""
	c.roomName = ""
	c.participantID = 0
	c.roster = nil
	c.intent = nil
	c.isMuted = false
	c.audioRoute = internal.RouteSpeaker
	c.metrics.roster(0)
	c.logger.Info().Str("room_id", roomID).Msg("left room")
	return engErr
}

func (c *Coordinator) toggleMute() (bool, error) {
	if c.phase != PhaseJoined && c.phase != PhaseJoining {
		return false, ErrNotJoined
	}
	c.isMuted = !c.isMuted
	c.recordIntent()
	c.updateSelfEntry()
	if err := c.eng.MuteLocal(c.isMuted); err != nil {
		c.isMuted = !c.isMuted
		c.recordIntent()
		c.updateSelfEntry()
		return c.isMuted, fmt.Errorf("engine mute: %w", err)
	}
	c.pushSelfPresence()
	return c.isMuted, nil
}

func (c *Coordinator) setAudioRoute(route internal.AudioRoute) error {
	if !route.Valid() {
		return fmt.Errorf("unknown audio route %q", route)
	}
	if c.phase != PhaseJoined && c.phase != PhaseJoining {
		return ErrNotJoined
	}
	c.audioRoute = route
	c.recordIntent()
	c.updateSelfEntry()
	if err := c.eng.SetSpeakerphone(route == internal.RouteSpeaker); err != nil {
		return fmt.Errorf("engine set speakerphone: %w", err)
	}
	c.pushSelfPresence()
	return nil
}

func (c *Coordinator) recordIntent() {
	c.intent = &localIntent{isMuted: c.isMuted, route: c.audioRoute, at: time.Now()}
}

// pushSelfPresence fire-and-forgets the new mute/route state so other
// participants see it on their next refresh or our next heartbeat.
func (c *Coordinator) pushSelfPresence() {
	row := c.selfRow(time.Now())
	if err := c.registry.Upsert(&row); err != nil {
		c.logger.Warn().Err(err).Msg("self presence update failed, heartbeat will retry")
	}
}

func (c *Coordinator) selfRow(now time.Time) state.PresenceRow {
	return state.PresenceRow{
		RoomID:              c.roomID,
		UserID:              c.cfg.UserID,
		SessionID:           c.cfg.SessionID,
		EngineParticipantID: c.participantID,
		JoinedAt:            c.joinedAt,
		LastSeen:            now,
		IsMuted:             c.isMuted,
		AudioRoute:          c.audioRoute,
	}
}

func (c *Coordinator) updateSelfEntry() {
	for i := range c.roster {
		if c.roster[i].Row.UserID == c.cfg.UserID {
			c.roster[i].Row.IsMuted = c.isMuted
			c.roster[i].Row.AudioRoute = c.audioRoute
			return
		}
	}
}

func (c *Coordinator) startHeartbeat() {
	internal.Assert("heartbeat only starts while joined", c.phase == PhaseJoined)
	c.stopHeartbeat()
	c.hb = time.NewTicker(c.cfg.HeartbeatInterval)
	c.hbC = c.hb.C
}

func (c *Coordinator) stopHeartbeat() {
	if c.hb != nil {
		c.hb.Stop()
		c.hb = nil
		c.hbC = nil
	}
}

// onHeartbeat refreshes last_seen, the sole signal keeping other clients from
// treating us as stale. The joined check guards against a tick racing a
// teardown: cancellation alone is not trusted.
func (c *Coordinator) onHeartbeat() {
	if c.phase != PhaseJoined {
		return
	}
	row := c.selfRow(time.Now())
	if err := c.registry.Upsert(&row); err != nil {
		// retried on the next scheduled tick, not immediately: no tight retry
		// loops against a degraded backend
		c.logger.Warn().Err(err).Str("room_id", c.roomID).Msg("heartbeat upsert failed")
		c.metrics.heartbeat(false)
		return
	}
	c.metrics.heartbeat(true)
}

func (c *Coordinator) onLifecycle(st LifecycleState) {
	switch st {
	case LifecycleBackground:
		if c.phase != PhaseJoined && c.phase != PhaseJoining {
			return
		}
		c.armGrace()
	case LifecycleForeground:
		c.cancelGrace()
		if c.phase == PhaseJoined {
			c.refresh()
		}
	}
}

// armGrace starts the background auto-leave timer. Re-arming replaces rather
// than stacks.
func (c *Coordinator) armGrace() {
	c.cancelGrace()
	seq := c.joinSeq
	c.graceTimer = time.AfterFunc(c.cfg.BackgroundGrace, func() {
		select {
		case c.graceCh <- seq:
		case <-c.stop:
		}
	})
	c.logger.Info().Dur("grace", c.cfg.BackgroundGrace).Msg("backgrounded while joined, auto-leave armed")
}

func (c *Coordinator) cancelGrace() {
	if c.graceTimer != nil {
		c.graceTimer.Stop()
		c.graceTimer = nil
	}
	// drain a fire that raced the Stop
	select {
	case <-c.graceCh:
	default:
	}
}

// onGraceExpired runs the auto-leave, unless the session it was armed for is
// no longer current. The sequence check at fire time is the real guard;
// timer cancellation can race.
func (c *Coordinator) onGraceExpired(seq uint64) {
	if seq != c.joinSeq {
		c.logger.Info().Msg("stale background timer fired, ignoring")
		return
	}
	if c.phase != PhaseJoined && c.phase != PhaseJoining {
		return
	}
	c.logger.Info().Str("room_id", c.roomID).Msg("background grace expired, leaving")
	if err := c.leave(); err != nil {
		c.logger.Warn().Err(err).Msg("auto-leave failed")
	}
}

func (c *Coordinator) onFeedEvent(p *pubsub.PresenceChanged) {
	if c.phase != PhaseJoined && c.phase != PhaseJoining {
		return
	}
	if p.RoomID != "" && p.RoomID != c.roomID {
		return
	}
	c.metrics.feedEvent()
	// the feed is a signal to reconcile, never a delta to apply
	c.refresh()
}

func (c *Coordinator) onEngineEvent(ev engine.Event) {
	switch e := ev.(type) {
	case *engine.JoinSucceeded:
		if c.phase != PhaseJoining {
			return
		}
		if e.ParticipantID != 0 {
			c.participantID = e.ParticipantID
		}
		c.phase = PhaseJoined
		c.logger.Info().Str("room_id", c.roomID).Int32("participant_id", c.participantID).Msg("join confirmed")
		c.startHeartbeat()
		c.refresh()
	case *engine.ParticipantJoined:
		if c.phase == PhaseJoined {
			c.refresh()
		}
	case *engine.ParticipantLeft:
		c.speaking.Forget(e.ParticipantID)
		if c.activeSpeaker == e.ParticipantID {
			c.activeSpeaker = 0
		}
		if c.phase == PhaseJoined {
			c.refresh()
		}
	case *engine.VolumeIndication:
		if c.phase == PhaseJoined {
			c.speaking.Observe(e.Samples)
		}
	case *engine.ActiveSpeakerChanged:
		c.activeSpeaker = e.ParticipantID
	case *engine.EngineError:
		err := fmt.Errorf("engine error %d: %s", e.Code, e.Message)
		c.logger.Error().Err(err).Str("room_id", c.roomID).Msg("engine reported an error")
		internal.GetSentryHubFromContextOrDefault(context.Background()).CaptureException(err)
		if c.phase == PhaseJoining {
			// fatal to the join attempt; no automatic retry
			c.rollbackJoin()
		}
	}
}

// refresh reconciles the local roster with the registry.
func (c *Coordinator) refresh() {
	if c.phase != PhaseJoined && c.phase != PhaseJoining {
		return
	}
	now := time.Now()
	rows, err := c.registry.SelectLive(c.roomID, now.Add(-c.cfg.StaleWindow))
	if err != nil {
		// keep the previous roster until the next successful refresh
		c.logger.Warn().Err(err).Str("room_id", c.roomID).Msg("roster select failed, keeping previous roster")
		c.metrics.refresh(false)
		return
	}
	if len(rows) == 0 {
		// can legitimately happen under clock skew between writer and cutoff;
		// don't present an empty room for a transient clock mismatch
		rows, err = c.registry.SelectRecent(c.roomID, c.cfg.FallbackLimit)
		if err != nil {
			c.logger.Warn().Err(err).Str("room_id", c.roomID).Msg("fallback roster select failed, keeping previous roster")
			c.metrics.refresh(false)
			return
		}
	}
	profiles := c.resolveProfiles(rows)
	self := c.selfRow(now)
	c.roster = mergeRoster(rows, profiles, &self, c.intent, c.lastRefresh, c.cfg.StaleWindow, now)
	c.lastRefresh = now
	c.metrics.refresh(true)
	c.metrics.roster(len(c.roster))
}

// resolveProfiles batch-fetches display data for the distinct user ids in one
// request. Failure is non-fatal: entries keep a zero profile until next time.
func (c *Coordinator) resolveProfiles(rows []state.PresenceRow) map[string]profile.Profile {
	byID := make(map[string]profile.Profile, len(rows)+1)
	if c.profiles == nil {
		return byID
	}
	seen := make(map[string]bool, len(rows)+1)
	ids := make([]string, 0, len(rows)+1)
	for _, row := range rows {
		if !seen[row.UserID] {
			seen[row.UserID] = true
			ids = append(ids, row.UserID)
		}
	}
	if !seen[c.cfg.UserID] {
		ids = append(ids, c.cfg.UserID)
	}
	profiles, err := c.profiles.Profiles(context.Background(), ids)
	if err != nil {
		c.logger.Warn().Err(err).Msg("profile batch lookup failed")
		return byID
	}
	for _, p := range profiles {
		byID[p.ID] = p
	}
	return byID
}

func (c *Coordinator) snapshot() Session {
	roster := make([]RosterEntry, len(c.roster))
	copy(roster, c.roster)
	return Session{
		RoomID:        c.roomID,
		RoomName:      c.roomName,
		Phase:         c.phase.String(),
		IsJoined:      c.phase == PhaseJoined || c.phase == PhaseJoining,
		IsMuted:       c.isMuted,
		AudioRoute:    c.audioRoute,
		ParticipantID: c.participantID,
		Roster:        roster,
		Speaking:      c.speaking.Speaking(),
		ActiveSpeaker: c.activeSpeaker,
	}
}
