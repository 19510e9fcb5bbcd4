package main

import (
	"flag"
	"os"

	voicesync "github.com/openroom/voicesync"
)

var (
	flagPostgres   = flag.String("db", "user=postgres dbname=voicesync sslmode=disable", "Postgres connection string for the presence registry (see lib/pq docs)")
	flagProfileURL = flag.String("profile-url", "", "Base URL of the profile service")
	flagBindAddr   = flag.String("addr", ":8019", "Bind address for /status and /metrics")
	flagUser       = flag.String("user", "", "User identity to hold presence for")
	flagRoom       = flag.String("room", "", "Room to join at startup (optional)")
	flagRoomName   = flag.String("room-name", "", "Display name of the startup room")
	flagAppID      = flag.String("app-id", "", "Audio engine app id")
)

func main() {
	flag.Parse()
	if *flagUser == "" {
		flag.Usage()
		os.Exit(1)
	}
	voicesync.Run(voicesync.Opts{
		PostgresURI: *flagPostgres,
		ProfileURL:  *flagProfileURL,
		BindAddr:    *flagBindAddr,
		UserID:      *flagUser,
		RoomID:      *flagRoom,
		RoomName:    *flagRoomName,
		AppID:       *flagAppID,
		SentryDSN:   os.Getenv("VOICESYNC_SENTRY_DSN"),
	})
}
