package users

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/wordduel/server/internal/protocol"
)

// record is the on-disk form of an account.
type record struct {
	Username   string             `json:"username"`
	Credential string             `json:"credential"`
	Score      int                `json:"score"`
	Friends    []string           `json:"friends"`
	Backlog    []protocol.Message `json:"backlog"`
}

// LoadFile reads a directory previously written by SaveFile. A missing file
// yields an empty directory.
func LoadFile(path string, opts ...Option) (*Directory, error) {
	d := NewDirectory(opts...)
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		logger.WithField("path", path).Info("no directory file, starting empty")
		return d, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "users: read directory")
	}

	var records []record
	if err := json.Unmarshal(b, &records); err != nil {
		return nil, errors.Wrapf(err, "users: decode %s", path)
	}
	for _, r := range records {
		if r.Username == "" {
			continue
		}
		d.accounts[r.Username] = &account{
			username:   r.Username,
			credential: r.Credential,
			score:      max(r.Score, 0),
			friends:    make(map[string]struct{}),
			backlog:    r.Backlog,
		}
	}
	// Rebuild the friend relation symmetrically, dropping dangling names.
	for _, r := range records {
		for _, f := range r.Friends {
			a, okA := d.accounts[r.Username]
			b, okB := d.accounts[f]
			if !okA || !okB || f == r.Username {
				logger.WithField("username", r.Username).WithField("friend", f).Warn("dropping invalid friend edge")
				continue
			}
			a.friends[f] = struct{}{}
			b.friends[r.Username] = struct{}{}
		}
	}
	logger.WithField("path", path).WithField("accounts", len(d.accounts)).Info("directory loaded")
	return d, nil
}

// SaveFile writes the directory atomically through a temporary file.
func (d *Directory) SaveFile(path string) error {
	d.mu.RLock()
	records := make([]record, 0, len(d.accounts))
	for _, acc := range d.accounts {
		friends := make([]string, 0, len(acc.friends))
		for f := range acc.friends {
			friends = append(friends, f)
		}
		sort.Strings(friends)
		backlog := make([]protocol.Message, len(acc.backlog))
		copy(backlog, acc.backlog)
		records = append(records, record{
			Username:   acc.username,
			Credential: acc.credential,
			Score:      acc.score,
			Friends:    friends,
			Backlog:    backlog,
		})
	}
	d.mu.RUnlock()
	sort.Slice(records, func(i, j int) bool { return records[i].Username < records[j].Username })

	b, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return errors.Wrap(err, "users: encode directory")
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrap(err, "users: create directory folder")
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return errors.Wrap(err, "users: write directory")
	}
	return errors.Wrap(os.Rename(tmp, path), "users: replace directory")
}

// RunSnapshots saves the directory every interval until ctx is done. A
// non-positive interval returns immediately.
func (d *Directory) RunSnapshots(ctx context.Context, path string, interval time.Duration) error {
	if interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := d.SaveFile(path); err != nil {
				logger.WithError(err).Error("directory snapshot failed")
				continue
			}
			logger.WithField("path", path).Debug("directory snapshot written")
		}
	}
}
