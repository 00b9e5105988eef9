// Package config holds the server's tunable parameters. Defaults come from
// Default, QUIZ_* environment variables overlay them and command-line flags
// override both.
package config

import (
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// EnvPrefix prefixes every environment variable read by ApplyEnv.
const EnvPrefix = "QUIZ_"

// Config is the complete server configuration.
type Config struct {
	ListenAddr     string        // TCP address of the binary protocol listener
	WebSocketAddr  string        // optional WebSocket listener, empty disables it
	AdminAddr      string        // metrics, health and registration HTTP endpoint
	Workers        int           // reactor worker count
	MaxConnections int           // hard cap on live connections
	ReadTimeout    time.Duration // bound on finishing a frame once it started
	WriteTimeout   time.Duration // bound on queued output making no progress
	LoginWorkers   int           // concurrent password checks

	DirectoryPath    string        // JSON user directory file
	SnapshotInterval time.Duration // periodic directory save, 0 disables
	DictionaryPath   string        // optional JSON dictionary, empty uses the embedded one

	ChallengeRequestTimeout time.Duration
	ChallengeDuration       time.Duration
	ChallengeWords          int
	PointsCorrect           int
	PointsWrong             int
	WinnerBonus             int

	LoginRate  float64 // login attempts per second per remote IP
	LoginBurst int

	RedisAddr   string // presence mirror, empty disables it
	NATSURL     string // outcome publishing, empty disables it
	DatabaseDSN string // challenge history, empty disables it
	ServerName  string

	LogLevel string
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	name, _ := os.Hostname()
	if name == "" {
		name = "quiz-1"
	}
	return Config{
		ListenAddr:     ":1919",
		AdminAddr:      ":9090",
		Workers:        runtime.NumCPU(),
		MaxConnections: 10000,
		ReadTimeout:    5 * time.Second,
		WriteTimeout:   5 * time.Second,
		LoginWorkers:   runtime.NumCPU(),

		DirectoryPath:    "data/users.json",
		SnapshotInterval: time.Minute,

		ChallengeRequestTimeout: 15 * time.Second,
		ChallengeDuration:       60 * time.Second,
		ChallengeWords:          8,
		PointsCorrect:           2,
		PointsWrong:             -1,
		WinnerBonus:             3,

		LoginRate:  1,
		LoginBurst: 5,

		ServerName: name,
		LogLevel:   "info",
	}
}

// ApplyEnv overlays QUIZ_* variables found through lookup, which is usually
// os.LookupEnv. Malformed values are reported, not ignored.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			*dst = v
		}
	}
	var firstErr error
	fail := func(key string, err error) {
		if firstErr == nil {
			firstErr = errors.Wrapf(err, "config: %s%s", EnvPrefix, key)
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				fail(key, err)
				return
			}
			*dst = n
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				fail(key, err)
				return
			}
			*dst = d
		}
	}

	str("LISTEN_ADDR", &c.ListenAddr)
	str("WS_ADDR", &c.WebSocketAddr)
	str("ADMIN_ADDR", &c.AdminAddr)
	integer("WORKERS", &c.Workers)
	integer("MAX_CONNECTIONS", &c.MaxConnections)
	duration("READ_TIMEOUT", &c.ReadTimeout)
	duration("WRITE_TIMEOUT", &c.WriteTimeout)
	integer("LOGIN_WORKERS", &c.LoginWorkers)

	str("DIRECTORY_PATH", &c.DirectoryPath)
	duration("SNAPSHOT_INTERVAL", &c.SnapshotInterval)
	str("DICTIONARY_PATH", &c.DictionaryPath)

	duration("CHALLENGE_REQUEST_TIMEOUT", &c.ChallengeRequestTimeout)
	duration("CHALLENGE_DURATION", &c.ChallengeDuration)
	integer("CHALLENGE_WORDS", &c.ChallengeWords)
	integer("POINTS_CORRECT", &c.PointsCorrect)
	integer("POINTS_WRONG", &c.PointsWrong)
	integer("WINNER_BONUS", &c.WinnerBonus)

	if v, ok := lookup(EnvPrefix + "LOGIN_RATE"); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			fail("LOGIN_RATE", err)
		} else {
			c.LoginRate = f
		}
	}
	integer("LOGIN_BURST", &c.LoginBurst)

	str("REDIS_ADDR", &c.RedisAddr)
	str("NATS_URL", &c.NATSURL)
	str("DATABASE_DSN", &c.DatabaseDSN)
	str("SERVER_NAME", &c.ServerName)
	str("LOG_LEVEL", &c.LogLevel)

	return firstErr
}

// Validate rejects configurations the server cannot run with.
func (c Config) Validate() error {
	switch {
	case c.ListenAddr == "":
		return errors.New("config: listen address is required")
	case c.Workers < 1:
		return errors.Errorf("config: workers must be positive, got %d", c.Workers)
	case c.LoginWorkers < 1:
		return errors.Errorf("config: login workers must be positive, got %d", c.LoginWorkers)
	case c.MaxConnections < 1:
		return errors.Errorf("config: max connections must be positive, got %d", c.MaxConnections)
	case c.ChallengeWords < 1:
		return errors.Errorf("config: challenge words must be positive, got %d", c.ChallengeWords)
	case c.ChallengeRequestTimeout <= 0:
		return errors.New("config: challenge request timeout must be positive")
	case c.ChallengeDuration <= 0:
		return errors.New("config: challenge duration must be positive")
	case c.WinnerBonus < 0:
		return errors.Errorf("config: winner bonus must not be negative, got %d", c.WinnerBonus)
	case c.LoginRate <= 0 || c.LoginBurst < 1:
		return errors.New("config: login rate and burst must be positive")
	}
	return nil
}
