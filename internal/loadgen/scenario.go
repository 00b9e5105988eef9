package loadgen

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/wordduel/server/internal/logging"
	"github.com/wordduel/server/internal/protocol"
)

var logger logrus.FieldLogger = logging.For("loadgen")

// Config describes a load run.
type Config struct {
	Addr        string        // host:port or ws:// URL of the quiz listener
	AdminURL    string        // base URL of the admin endpoint, used to register players
	Players     int           // simulated players; duels use them in pairs
	Concurrency int           // simultaneous connection attempts
	Rounds      int           // challenges each pair plays
	Prefix      string        // username prefix
	Timeout     time.Duration // bound on one response or notification
}

// DefaultConfig returns a small local run.
func DefaultConfig() Config {
	return Config{
		Addr:        "localhost:1919",
		AdminURL:    "http://localhost:9090",
		Players:     100,
		Concurrency: 50,
		Rounds:      1,
		Prefix:      "load",
		Timeout:     10 * time.Second,
	}
}

func (c Config) username(i int) string { return c.Prefix + "-" + strconv.Itoa(i) }

func (c Config) password(i int) string { return c.username(i) + "-pw" }

// Register creates the run's accounts through POST /register. Accounts left
// from an earlier run are reused.
func Register(ctx context.Context, cfg Config) error {
	hc := &http.Client{Timeout: cfg.Timeout}
	for i := 0; i < cfg.Players; i++ {
		body, _ := json.Marshal(map[string]string{
			"username": cfg.username(i),
			"password": cfg.password(i),
		})
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.AdminURL+"/register", bytes.NewReader(body))
		if err != nil {
			return errors.Wrap(err, "loadgen: build registration")
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := hc.Do(req)
		if err != nil {
			return errors.Wrap(err, "loadgen: register")
		}
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusConflict {
			return errors.Errorf("loadgen: register %s: status %d", cfg.username(i), resp.StatusCode)
		}
	}
	return nil
}

// Login connects player i and waits for LOGGED_IN.
func Login(ctx context.Context, cfg Config, i int, stats *Collector) (*Client, error) {
	start := time.Now()
	c, err := Dial(ctx, cfg.Addr, cfg.Timeout)
	if err != nil {
		return nil, err
	}
	m, _, err := c.Call(protocol.TypeLogIn, cfg.username(i), cfg.password(i), "0")
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	if m.Type != protocol.TypeLoggedIn {
		_ = c.Close()
		return nil, errors.Errorf("loadgen: login %s: %v", cfg.username(i), m.Type)
	}
	stats.AddConnect(time.Since(start))
	return c, nil
}

// Saturate logs every player in and holds the sessions open until ctx is
// done, probing each with REQUEST_FOR_SCORE every interval.
func Saturate(ctx context.Context, cfg Config, interval time.Duration, stats *Collector) error {
	clients := make([]*Client, cfg.Players)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Concurrency)
	for i := range clients {
		g.Go(func() error {
			c, err := Login(gctx, cfg, i, stats)
			if err != nil {
				stats.AddError()
				logger.WithError(err).Debug("login failed")
				return nil
			}
			clients[i] = c
			return nil
		})
	}
	_ = g.Wait()
	defer func() {
		for _, c := range clients {
			if c != nil {
				_ = c.Close()
			}
		}
	}()

	conns, _, errs := stats.Counts()
	logger.WithField("sessions", conns).WithField("errors", errs).Info("ramp-up complete")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			alive := 0
			for _, c := range clients {
				if c == nil {
					continue
				}
				if _, d, err := c.Call(protocol.TypeRequestForScore); err != nil {
					stats.AddError()
				} else {
					stats.AddCall(d)
					alive++
				}
			}
			logger.WithField("alive", alive).Info("hold")
		}
	}
}

// Duel pairs players 2k and 2k+1, makes them friends and has them play
// cfg.Rounds challenges answering every word.
func Duel(ctx context.Context, cfg Config, stats *Collector) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Concurrency)
	for i := 0; i+1 < cfg.Players; i += 2 {
		g.Go(func() error {
			if err := duelPair(gctx, cfg, i, i+1, stats); err != nil {
				stats.AddError()
				logger.WithError(err).WithField("pair", i/2).Warn("duel failed")
			}
			return nil
		})
	}
	return g.Wait()
}

func duelPair(ctx context.Context, cfg Config, ai, bi int, stats *Collector) error {
	a, err := Login(ctx, cfg, ai, stats)
	if err != nil {
		return err
	}
	defer a.Close()
	b, err := Login(ctx, cfg, bi, stats)
	if err != nil {
		return err
	}
	defer b.Close()

	if err := befriend(ctx, cfg, a, b, ai, bi, stats); err != nil {
		return err
	}
	for round := 0; round < cfg.Rounds; round++ {
		if err := playRound(ctx, cfg, a, b, ai, bi, stats); err != nil {
			return errors.Wrapf(err, "round %d", round)
		}
		stats.AddChallenge()
	}
	return nil
}

// call wraps Client.Call, recording latency and checking the response type.
func call(stats *Collector, c *Client, want protocol.Type, t protocol.Type, fields ...string) (protocol.Message, error) {
	m, d, err := c.Call(t, fields...)
	if err != nil {
		return m, err
	}
	stats.AddCall(d)
	if m.Type != want {
		return m, errors.Errorf("loadgen: %v answered %v, want %v", t, m.Type, want)
	}
	return m, nil
}

func befriend(ctx context.Context, cfg Config, a, b *Client, ai, bi int, stats *Collector) error {
	m, d, err := a.Call(protocol.TypeRequestForFriendship, cfg.username(bi))
	if err != nil {
		return err
	}
	stats.AddCall(d)
	switch m.Type {
	case protocol.TypeAlreadyFriends:
		return nil
	case protocol.TypeOK:
	default:
		return errors.Errorf("loadgen: friendship request answered %v", m.Type)
	}

	wctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	if _, err := b.Await(wctx, protocol.TypeFriendshipRequestReceived); err != nil {
		return err
	}
	if _, err := call(stats, b, protocol.TypeOK, protocol.TypeConfirmFriendshipRequest, cfg.username(ai)); err != nil {
		return err
	}
	_, err = a.Await(wctx, protocol.TypeFriendshipRequestConfirmed)
	return err
}

func playRound(ctx context.Context, cfg Config, a, b *Client, ai, bi int, stats *Collector) error {
	if _, err := call(stats, a, protocol.TypeOK, protocol.TypeRequestForChallenge, cfg.username(bi)); err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	if _, err := b.Await(wctx, protocol.TypeChallengeRequestReceived); err != nil {
		return err
	}
	accepted, err := call(stats, b, protocol.TypeChallengeRequestConfirmed, protocol.TypeConfirmChallengeRequest, cfg.username(ai))
	if err != nil {
		return err
	}
	if _, err := a.Await(wctx, protocol.TypeChallengeRequestConfirmed); err != nil {
		return err
	}
	words, err := accepted.IntField(2)
	if err != nil {
		return err
	}

	var g errgroup.Group
	for _, c := range []*Client{a, b} {
		g.Go(func() error { return answerAll(ctx, cfg, c, words, stats) })
	}
	return g.Wait()
}

// answerAll fetches and answers every word, then waits for the report.
func answerAll(ctx context.Context, cfg Config, c *Client, words int, stats *Collector) error {
	for i := 0; i < words; i++ {
		w, err := call(stats, c, protocol.TypeChallengeWord, protocol.TypeChallengeGetWord)
		if err != nil {
			return err
		}
		if _, err := call(stats, c, protocol.TypeTranslationReceived, protocol.TypeChallengeProvideTranslation, w.Field(0)); err != nil {
			return err
		}
	}
	wctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	_, err := c.Await(wctx, protocol.TypeChallengeCompleted, protocol.TypeChallengeExpired, protocol.TypeChallengeAborted)
	return err
}
