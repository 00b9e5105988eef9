package session

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const (
	// PresencePrefix is the Redis key prefix for presence hashes.
	PresencePrefix = "presence:"

	// PresenceTTL bounds how long a presence entry survives without refresh,
	// so a crashed server does not leave users online forever.
	PresenceTTL = 1 * time.Hour

	presenceBuffer = 1024
)

// Presence is the mirrored view of one online user.
type Presence struct {
	Username   string `redis:"username"`
	Server     string `redis:"server"`
	ConnID     string `redis:"conn_id"`
	LoggedInAt int64  `redis:"logged_in_at"`
}

type presenceEvent struct {
	username string
	online   bool
	connID   string
	at       time.Time
}

// PresenceStore mirrors registry changes into Redis so other processes can
// see who is online. Writes happen on a background goroutine; the registry
// never waits on Redis.
type PresenceStore struct {
	client     *redis.Client
	serverName string
	events     chan presenceEvent
}

// NewPresenceStore connects to Redis and verifies the connection.
func NewPresenceStore(redisAddr, serverName string) (*PresenceStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errors.Wrap(err, "session: redis connection failed")
	}
	return newPresenceStore(client, serverName), nil
}

func newPresenceStore(client *redis.Client, serverName string) *PresenceStore {
	return &PresenceStore{
		client:     client,
		serverName: serverName,
		events:     make(chan presenceEvent, presenceBuffer),
	}
}

// SessionOpened implements Observer.
func (p *PresenceStore) SessionOpened(s *Session) {
	p.enqueue(presenceEvent{username: s.Username, online: true, connID: s.ConnID, at: s.LoggedInAt})
}

// SessionClosed implements Observer.
func (p *PresenceStore) SessionClosed(username string) {
	p.enqueue(presenceEvent{username: username})
}

func (p *PresenceStore) enqueue(ev presenceEvent) {
	select {
	case p.events <- ev:
	default:
		logger.WithField("username", ev.username).Warn("presence buffer full, update dropped")
	}
}

// Run applies queued updates until ctx is done.
func (p *PresenceStore) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-p.events:
			opCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			var err error
			if ev.online {
				err = p.markOnline(opCtx, ev)
			} else {
				err = p.client.Del(opCtx, PresencePrefix+ev.username).Err()
			}
			cancel()
			if err != nil {
				logger.WithError(err).WithField("username", ev.username).Warn("presence update failed")
			}
		}
	}
}

func (p *PresenceStore) markOnline(ctx context.Context, ev presenceEvent) error {
	key := PresencePrefix + ev.username
	pipe := p.client.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"username":     ev.username,
		"server":       p.serverName,
		"conn_id":      ev.connID,
		"logged_in_at": ev.at.Unix(),
	})
	pipe.Expire(ctx, key, PresenceTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Get returns the mirrored presence of username, or nil if absent.
func (p *PresenceStore) Get(ctx context.Context, username string) (*Presence, error) {
	var pr Presence
	if err := p.client.HGetAll(ctx, PresencePrefix+username).Scan(&pr); err != nil {
		return nil, err
	}
	if pr.Username == "" {
		return nil, nil
	}
	return &pr, nil
}

// Close closes the Redis connection.
func (p *PresenceStore) Close() error {
	return p.client.Close()
}
