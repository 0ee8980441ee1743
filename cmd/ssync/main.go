package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	"github.com/lrhodin/slidingsync/pkg/engine"
	"github.com/lrhodin/slidingsync/pkg/store"
	"github.com/lrhodin/slidingsync/pkg/timeline"
)

func main() {
	app := &cli.App{
		Name:    "ssync",
		Usage:   "Matrix sliding sync client state engine",
		Version: "0.1.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to config file",
				Value: "config.yaml",
			},
		},
		Commands: []*cli.Command{
			runCommand,
			checkConfigCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var runCommand = &cli.Command{
	Name:   "run",
	Usage:  "Start syncing",
	Action: runSync,
}

var checkConfigCommand = &cli.Command{
	Name:  "check",
	Usage: "Validate the config file and exit",
	Action: func(ctx *cli.Context) error {
		if _, err := loadConfig(ctx.String("config")); err != nil {
			return err
		}
		fmt.Println("Config OK")
		return nil
	},
}

// profileResolver resolves member profiles over the client-server API.
type profileResolver struct {
	client *mautrix.Client
}

var _ engine.ProfileResolver = (*profileResolver)(nil)

func (p *profileResolver) Profile(ctx context.Context, userID id.UserID) (*engine.Profile, error) {
	resp, err := p.client.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &engine.Profile{
		Displayname: resp.DisplayName,
		AvatarURL:   resp.AvatarURL.CUString(),
	}, nil
}

func runSync(cliCtx *cli.Context) error {
	configPath := cliCtx.String("config")
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.StampMilli}).
		With().Timestamp().Logger()
	zerolog.SetGlobalLevel(cfg.Logging.parsedLevel)

	watcher, err := watchLogLevel(configPath, log)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to watch config for log level changes")
	} else {
		defer watcher.Close()
	}

	ctx := context.Background()

	db, err := store.NewSQLite(ctx, cfg.Database, cfg.UserID, log)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	client, err := mautrix.NewClient(cfg.Homeserver, cfg.UserID, cfg.AccessToken)
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	client.DeviceID = cfg.DeviceID
	client.Log = log.With().Str("component", "http_client").Logger()

	eng := engine.New(engine.Config{
		UserID:              cfg.UserID,
		DeviceID:            cfg.DeviceID,
		RoundTimeout:        cfg.Sync.Timeout() + 10*time.Second,
		KeepTimelineHistory: cfg.Sync.KeepHistory,
	}, newHTTPTransport(client, cfg.Sync), log)
	eng.SetStore(db)
	eng.SetProfileResolver(&profileResolver{client: client})

	push := engine.NewRulesetEvaluator(cfg.UserID.Localpart(), log)
	eng.SetPushEvaluator(push)

	eng.RegisterExtension(engine.NewToDeviceExtension(ctx, db, nil, log))
	eng.RegisterExtension(engine.NewAccountDataExtension(ctx, db, push, log))

	eng.OnStateChange = func(state engine.State, err error) {
		evt := log.Info().Stringer("sync_state", state)
		if err != nil {
			evt = log.Warn().Stringer("sync_state", state).Err(err)
		}
		evt.Msg("Sync state changed")
	}
	eng.OnRoom = func(room *engine.Room) {
		log.Info().Stringer("room_id", room.ID).Str("name", room.Name).Msg("New room")
	}
	eng.OnTimelineUpdate = func(roomID id.RoomID, evt *timeline.Event, info timeline.UpdateInfo) {
		log.Debug().
			Stringer("room_id", roomID).
			Stringer("event_id", evt.ID()).
			Bool("live", info.LiveEvent).
			Bool("to_start", info.ToStart).
			Bool("removed", info.Removed).
			Msg("Timeline update")
	}

	if err = eng.Start(ctx); err != nil {
		return err
	}
	log.Info().Str("homeserver", cfg.Homeserver).Stringer("user_id", cfg.UserID).Msg("Sync started")

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	log.Info().Msg("Shutting down")
	eng.Stop()
	return nil
}
