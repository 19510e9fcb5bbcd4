package voicesync

import (
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/openroom/voicesync/engine"
	"github.com/openroom/voicesync/feed"
	"github.com/openroom/voicesync/profile"
	"github.com/openroom/voicesync/pubsub"
	"github.com/openroom/voicesync/session"
	"github.com/openroom/voicesync/state"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

var Version = "0.2.0"

// Opts configures a voicesyncd instance.
type Opts struct {
	// PostgresURI is the presence registry connection string (lib/pq format).
	PostgresURI string
	// ProfileURL is the base URL of the profile service's batch endpoint.
	ProfileURL string
	// BindAddr serves /status and /metrics.
	BindAddr string
	// UserID is the identity this instance holds presence for.
	UserID string
	// RoomID/RoomName, when set, are joined at startup.
	RoomID   string
	RoomName string
	// AppID is handed to the audio engine.
	AppID string
	// SentryDSN enables error reporting when non-empty.
	SentryDSN string
}

// Run wires the registry, change feed and coordinator together and blocks
// serving the debug HTTP surface. voicesyncd holds presence through the
// Loopback engine: it is a headless harness, not a media client.
func Run(opts Opts) {
	if opts.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: opts.SentryDSN}); err != nil {
			logger.Panic().Err(err).Msg("failed to initialise sentry")
		}
	}

	storage := state.NewStorage(opts.PostgresURI)
	defer storage.Teardown()

	bus := pubsub.NewPubSub(64)
	notifier := pubsub.NewPromNotifier(bus, "feed")
	listener := feed.NewListener(opts.PostgresURI, notifier)
	go func() {
		if err := listener.Run(); err != nil {
			logger.Error().Err(err).Msg("feed listener terminated")
			sentry.CaptureException(err)
		}
	}()

	coordinator := session.New(session.Config{
		UserID:        opts.UserID,
		Engine:        engine.Config{AppID: opts.AppID},
		EnableMetrics: true,
	}, storage.PresenceTable, &profile.HTTPClient{
		Client:  &http.Client{Timeout: 10 * time.Second},
		BaseURL: opts.ProfileURL,
	}, engine.NewLoopback(), listener)
	go coordinator.Run()

	go bus.Listen(pubsub.ChanPresence, func(p pubsub.Payload) {
		if pc, ok := p.(*pubsub.PresenceChanged); ok {
			coordinator.OnPresenceChanged(pc)
		}
	})

	if opts.RoomID != "" {
		if err := coordinator.Join(opts.RoomID, opts.RoomName); err != nil {
			logger.Error().Err(err).Str("room_id", opts.RoomID).Msg("startup join failed")
		}
	}

	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/status", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(struct {
			Version string          `json:"version"`
			Session session.Session `json:"session"`
		}{Version, coordinator.Snapshot()})
	})

	logger.Info().Str("addr", opts.BindAddr).Str("user", opts.UserID).Msg("voicesyncd listening")
	if err := http.ListenAndServe(opts.BindAddr, r); err != nil {
		logger.Panic().Err(err).Msg("http server failed")
	}
}
