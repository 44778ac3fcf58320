// Package main provides the lobby bot binary: one Bancho session hosting
// the multiplayer lobbies described by the profile directory, with
// optional match recording and a status API.
package main

import (
	"context"
	"errors"
	"io/fs"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/matte-ek/BanchoMultiplayerBot-sub001/internal/bancho"
	"github.com/matte-ek/BanchoMultiplayerBot-sub001/internal/config"
	"github.com/matte-ek/BanchoMultiplayerBot-sub001/internal/irc"
	"github.com/matte-ek/BanchoMultiplayerBot-sub001/internal/lobbies"
	"github.com/matte-ek/BanchoMultiplayerBot-sub001/internal/lobby"
	"github.com/matte-ek/BanchoMultiplayerBot-sub001/internal/notify"
	"github.com/matte-ek/BanchoMultiplayerBot-sub001/internal/observability"
	"github.com/matte-ek/BanchoMultiplayerBot-sub001/internal/scripting"
	"github.com/matte-ek/BanchoMultiplayerBot-sub001/internal/server"
	"github.com/matte-ek/BanchoMultiplayerBot-sub001/internal/status"
	"github.com/matte-ek/BanchoMultiplayerBot-sub001/internal/storage/postgres"
)

func main() {
	start := time.Now()

	fset := flag.NewFlagSet("lobbybot", flag.ExitOnError)
	configPath := fset.StringP("config", "c", "configs/dev.yaml", "path to configuration file")
	envFile := fset.String("env", ".env", "dotenv file with LOBBYBOT_* overrides; missing is fine")
	profilesDir := fset.StringP("profiles", "p", "", "lobby profile directory (overrides lobbies.profiles_dir)")
	_ = fset.Parse(os.Args[1:])

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Fatalf("loading %s: %v", *envFile, err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	if *profilesDir != "" {
		cfg.Lobbies.ProfilesDir = *profilesDir
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting lobby bot",
		zap.String("bancho_addr", cfg.Bancho.Addr()),
		zap.String("username", cfg.Bancho.Username),
	)

	profiles, err := lobby.LoadProfiles(cfg.Lobbies.ProfilesDir)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		logger.Warn("profile directory missing, no lobbies will be opened", zap.String("dir", cfg.Lobbies.ProfilesDir))
	case err != nil:
		logger.Fatal("loading lobby profiles", zap.Error(err))
	default:
		logger.Info("lobby profiles loaded", zap.Int("count", len(profiles)))
	}

	// storeCtx outlives the session so the store flushes the last matches
	// after the lobbies are left.
	storeCtx, stopStore := context.WithCancel(context.Background())
	defer stopStore()

	checks := make(map[string]status.HealthCheck)
	var (
		pool  *postgres.Pool
		store *postgres.MatchStore
	)
	if cfg.Database.Enabled {
		dbStart := time.Now()
		pool, err = postgres.NewPool(storeCtx, cfg.Database)
		if err != nil {
			logger.Fatal("connecting to database", zap.Error(err))
		}
		logger.Info("database connected",
			zap.String("host", cfg.Database.Host),
			zap.Duration("elapsed", time.Since(dbStart)),
		)
		store = postgres.NewMatchStore(storeCtx, pool, postgres.StoreConfig{
			MaxBatch:   cfg.Database.BatchSize,
			FlushEvery: cfg.Database.FlushEvery,
		}, logger)
		checks["postgres"] = func(ctx context.Context) error {
			return pool.Health(ctx, 5*time.Second)
		}
	}

	notifier := notify.New(notify.FromConfig(cfg.Notify.WebhookURL, logger), cfg.Notify, logger)
	metrics := observability.NewCollector()

	client := irc.NewClient(cfg.Bancho, observability.Component(logger, "irc"))
	session := bancho.New(cfg, client, bancho.Deps{
		Logger:   logger,
		Metrics:  metrics,
		Notifier: notifier,
	})
	client.SetHandler(session)

	var scripts *scripting.Manager
	deps := lobbies.Deps{Logger: observability.Component(logger, "lobbies")}
	if usesScripts(profiles) {
		scripts = scripting.NewManager(session, cfg.Lobbies.ScriptInstructionLimit, observability.Component(logger, "scripting"))
		deps.Scripts = scripts
	}
	if store != nil {
		deps.Sink = store
	}
	lobbyMgr := lobbies.New(session, profiles, deps)

	// The lobby manager loads a channel's script when it joins, so it must
	// see ChannelJoined before the script hooks do.
	if err := session.Register(lobbyMgr); err != nil {
		logger.Fatal("registering lobby manager", zap.Error(err))
	}
	if scripts != nil {
		if err := session.Register(scripts); err != nil {
			logger.Fatal("registering scripts", zap.Error(err))
		}
	}

	lifecycle := server.NewLifecycle(logger)

	lifecycle.Add("session", &server.FuncService{
		StartFn: func() error {
			if err := session.Start(context.Background()); err != nil {
				if errors.Is(err, bancho.ErrSessionStopped) {
					return nil
				}
				return err
			}
			<-session.Done()
			return session.Err()
		},
		StopFn: func() {
			lobbyMgr.Close()
			session.Stop()
		},
	})

	if cfg.Status.Enabled {
		handlers := status.Handlers{
			Session: session,
			Lobbies: lobbyMgr,
			Checks:  checks,
			Logger:  observability.Component(logger, "status"),
		}
		if store != nil {
			handlers.History = store
		}
		statusSrv := status.NewServer(cfg.Status, status.Routes(handlers), logger)
		lifecycle.Add("status", statusSrv)
	}

	logger.Info("lobby bot initialized", zap.Duration("elapsed", time.Since(start)))

	runErr := lifecycle.Run(context.Background())

	if scripts != nil {
		scripts.Close()
	}
	notifier.Close()
	stopStore()
	if store != nil {
		<-store.Done()
		logger.Info("match store flushed",
			zap.Uint64("written", store.Written()),
			zap.Uint64("dropped", store.Dropped()),
		)
	}
	if pool != nil {
		pool.Close()
	}

	if runErr != nil {
		logger.Fatal("lobby bot error", zap.Error(runErr))
	}
}

func usesScripts(profiles []lobby.Profile) bool {
	for _, p := range profiles {
		if p.Script != "" {
			return true
		}
	}
	return false
}

// Compile-time checks that the concrete collaborators satisfy the
// interfaces they are wired through.
var (
	_ lobbies.Session      = (*bancho.Session)(nil)
	_ scripting.Host       = (*bancho.Session)(nil)
	_ status.SessionSource = (*bancho.Session)(nil)
	_ server.Service       = (*status.Server)(nil)
	_ lobby.MatchSink      = (*postgres.MatchStore)(nil)
)
