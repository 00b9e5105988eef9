package main

import (
	"context"
	"net"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/wordduel/server/internal/admin"
	"github.com/wordduel/server/internal/challenge"
	"github.com/wordduel/server/internal/config"
	"github.com/wordduel/server/internal/friendship"
	"github.com/wordduel/server/internal/history"
	"github.com/wordduel/server/internal/messaging"
	"github.com/wordduel/server/internal/oracle"
	"github.com/wordduel/server/internal/quiz"
	"github.com/wordduel/server/internal/ratelimit"
	"github.com/wordduel/server/internal/reactor"
	"github.com/wordduel/server/internal/session"
	"github.com/wordduel/server/internal/users"
)

const (
	datagramTimeout   = time.Second
	limiterSweep      = time.Minute
	natsDrainTimeout  = 2 * time.Second
	adminStopDeadline = 5 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Starts the quiz server.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg)
	},
}

func init() {
	f := serveCmd.Flags()
	f.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "binary protocol TCP address")
	f.StringVar(&cfg.WebSocketAddr, "ws-listen", cfg.WebSocketAddr, "WebSocket address, empty disables it")
	f.StringVar(&cfg.AdminAddr, "admin-listen", cfg.AdminAddr, "metrics, health and registration address, empty disables it")
	f.IntVar(&cfg.Workers, "workers", cfg.Workers, "reactor workers")
	f.IntVar(&cfg.MaxConnections, "max-connections", cfg.MaxConnections, "connection cap")
	f.DurationVar(&cfg.ReadTimeout, "read-timeout", cfg.ReadTimeout, "bound on finishing a frame")
	f.DurationVar(&cfg.WriteTimeout, "write-timeout", cfg.WriteTimeout, "bound on a stalled write")
	f.IntVar(&cfg.LoginWorkers, "login-workers", cfg.LoginWorkers, "concurrent password checks")
	f.DurationVar(&cfg.SnapshotInterval, "snapshot-interval", cfg.SnapshotInterval, "directory snapshot period, 0 disables it")
	f.StringVar(&cfg.DictionaryPath, "dictionary", cfg.DictionaryPath, "JSON dictionary, empty uses the built-in one")
	f.DurationVar(&cfg.ChallengeRequestTimeout, "request-timeout", cfg.ChallengeRequestTimeout, "challenge request lifetime")
	f.DurationVar(&cfg.ChallengeDuration, "challenge-duration", cfg.ChallengeDuration, "challenge length")
	f.IntVar(&cfg.ChallengeWords, "challenge-words", cfg.ChallengeWords, "words per challenge")
	f.Float64Var(&cfg.LoginRate, "login-rate", cfg.LoginRate, "login attempts per second per address")
	f.IntVar(&cfg.LoginBurst, "login-burst", cfg.LoginBurst, "login attempt burst per address")
	f.StringVar(&cfg.RedisAddr, "redis", cfg.RedisAddr, "Redis address for the presence mirror")
	f.StringVar(&cfg.NATSURL, "nats", cfg.NATSURL, "NATS URL for event publishing")
	f.StringVar(&cfg.DatabaseDSN, "database", cfg.DatabaseDSN, "PostgreSQL DSN for challenge history")
	f.StringVar(&cfg.ServerName, "server-name", cfg.ServerName, "name stamped on published events")
}

func loadOracle(c config.Config) (oracle.Oracle, error) {
	seed := uint64(time.Now().UnixNano())
	if c.DictionaryPath != "" {
		return oracle.LoadFile(c.DictionaryPath, seed)
	}
	return oracle.Embedded(seed)
}

// serve builds every component, runs them until ctx is done and then shuts
// them down: listeners first, then open challenges, then the outcome
// consumers, and finally the directory snapshot.
func serve(ctx context.Context, c config.Config) error {
	dir, err := users.LoadFile(c.DirectoryPath)
	if err != nil {
		return err
	}
	words, err := loadOracle(c)
	if err != nil {
		return err
	}

	sender, err := session.NewUDPSender(datagramTimeout)
	if err != nil {
		return err
	}
	defer sender.Close()
	regOpts := []session.Cfg{session.WithDatagramSender(sender)}

	var (
		sinks    []quiz.OutcomeSink
		presence *session.PresenceStore
	)
	if c.RedisAddr != "" {
		presence, err = session.NewPresenceStore(c.RedisAddr, c.ServerName)
		if err != nil {
			return err
		}
		defer presence.Close()
		regOpts = append(regOpts, session.WithObserver(presence))
	}
	if c.NATSURL != "" {
		nc := messaging.DefaultNATSConfig()
		nc.URL = c.NATSURL
		client, err := messaging.NewNATSClient(nc)
		if err != nil {
			return err
		}
		defer func() {
			_ = client.Flush(natsDrainTimeout)
			client.Close()
		}()
		pub := messaging.NewPublisher(client, c.ServerName)
		regOpts = append(regOpts, session.WithObserver(pub))
		sinks = append(sinks, pub)
	}
	if c.DatabaseDSN != "" {
		db, err := history.Open(ctx, c.DatabaseDSN)
		if err != nil {
			return err
		}
		if err := history.Migrate(db); err != nil {
			_ = db.Close()
			return err
		}
		store := history.NewStore(db)
		defer store.Close()
		sinks = append(sinks, store)
	}

	reg, err := session.NewRegistry(dir, regOpts...)
	if err != nil {
		return err
	}

	outcomes := make(chan challenge.Outcome, 256)
	duels := challenge.NewCoordinator(challenge.Config{
		RequestTimeout: c.ChallengeRequestTimeout,
		Duration:       c.ChallengeDuration,
		Words:          c.ChallengeWords,
		PointsCorrect:  c.PointsCorrect,
		PointsWrong:    c.PointsWrong,
		WinnerBonus:    c.WinnerBonus,
	}, dir, reg, words, challenge.WithOutcomeSink(outcomes))
	ledger := friendship.NewLedger(dir, reg)
	limiter := ratelimit.New(c.LoginRate, c.LoginBurst)
	svc := quiz.New(dir, reg, ledger, duels,
		quiz.WithLoginLimiter(limiter),
		quiz.WithOutcomes(outcomes, sinks...))

	d := reactor.NewDispatcher()
	svc.Register(d)
	rcfg := reactor.DefaultConfig()
	rcfg.Workers = c.Workers
	rcfg.MaxConnections = c.MaxConnections
	rcfg.ReadTimeout = c.ReadTimeout
	rcfg.WriteTimeout = c.WriteTimeout
	rcfg.Offload = c.LoginWorkers
	srv := reactor.NewServer(rcfg, d)
	srv.SetOnDisconnect(svc.CloseSession)
	if err := srv.Start(); err != nil {
		return err
	}

	ln, err := net.Listen("tcp", c.ListenAddr)
	if err != nil {
		srv.Shutdown()
		return errors.Wrap(err, "listen")
	}

	// Consumers outlive the listeners so outcomes of challenges aborted
	// during shutdown are still recorded.
	consumers, stopConsumers := context.WithCancel(context.Background())
	defer stopConsumers()
	var background errgroup.Group
	background.Go(func() error { return svc.RunOutcomes(consumers) })
	if presence != nil {
		background.Go(func() error { return presence.Run(consumers) })
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Serve(ln) })
	if c.WebSocketAddr != "" {
		wl, err := net.Listen("tcp", c.WebSocketAddr)
		if err != nil {
			_ = ln.Close()
			srv.Shutdown()
			stopConsumers()
			_ = background.Wait()
			return errors.Wrap(err, "listen websocket")
		}
		g.Go(func() error { return srv.ServeWebSocket(wl) })
	}
	if c.AdminAddr != "" {
		al, err := net.Listen("tcp", c.AdminAddr)
		if err != nil {
			_ = ln.Close()
			srv.Shutdown()
			stopConsumers()
			_ = background.Wait()
			return errors.Wrap(err, "listen admin")
		}
		adm := admin.New(c.AdminAddr, dir, func() admin.Status {
			st := svc.Stats()
			return admin.Status{
				Connections:       srv.Connections(),
				Sessions:          st.Sessions,
				ChallengeRequests: st.Requests,
				Challenges:        st.Challenges,
				Accounts:          st.Accounts,
				Uptime:            srv.Uptime().Round(time.Second).String(),
			}
		})
		g.Go(func() error { return adm.Serve(al) })
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), adminStopDeadline)
			defer cancel()
			return adm.Shutdown(sctx)
		})
	}
	g.Go(func() error { return limiter.Run(gctx, limiterSweep) })
	g.Go(func() error { return dir.RunSnapshots(gctx, c.DirectoryPath, c.SnapshotInterval) })
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		srv.Shutdown()
		duels.Close()
		return nil
	})

	logger.WithField("listen", c.ListenAddr).
		WithField("websocket", c.WebSocketAddr).
		WithField("admin", c.AdminAddr).
		WithField("accounts", dir.Len()).
		Info("quiz server running")

	runErr := g.Wait()
	stopConsumers()
	if err := background.Wait(); err != nil {
		logger.WithError(err).Warn("background task failed")
	}
	if err := dir.SaveFile(c.DirectoryPath); err != nil {
		return err
	}
	logger.WithField("path", c.DirectoryPath).Info("directory saved")
	return runErr
}
