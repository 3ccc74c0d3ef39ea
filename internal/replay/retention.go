package replay

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gfxlab/broker/internal/logging"
)

// RetentionPolicy bounds how many sessions stay on disk and for how long.
// Zero values disable the corresponding limit.
type RetentionPolicy struct {
	MaxSessions int
	MaxAge      time.Duration
}

// StorageStats summarises the disk footprint of recorded sessions.
type StorageStats struct {
	Sessions  int       `json:"sessions"`
	Bytes     int64     `json:"bytes"`
	Removed   int       `json:"removed"`
	LastSweep time.Time `json:"last_sweep"`
}

// Retention periodically prunes session directories under a root.
type Retention struct {
	mu     sync.RWMutex
	root   string
	policy RetentionPolicy
	log    *logging.Logger
	now    func() time.Time
	stats  StorageStats
	// skip names a session that must survive sweeps, usually the one being recorded.
	skip string
}

// NewRetention constructs a sweeper for root.
func NewRetention(root string, policy RetentionPolicy, logger *logging.Logger) *Retention {
	if logger == nil {
		logger = logging.L()
	}
	return &Retention{root: root, policy: policy, log: logger, now: time.Now}
}

// Protect exempts the session directory at path from pruning.
func (r *Retention) Protect(path string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.skip = filepath.Base(path)
	r.mu.Unlock()
}

// Run sweeps once immediately and then on every interval until ctx ends.
func (r *Retention) Run(ctx context.Context, interval time.Duration) {
	if r == nil || ctx == nil {
		return
	}
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	r.Sweep()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Stats returns the figures from the last sweep.
func (r *Retention) Stats() StorageStats {
	if r == nil {
		return StorageStats{}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stats
}

type sessionDir struct {
	name    string
	size    int64
	modTime time.Time
}

// Sweep applies the policy once.
func (r *Retention) Sweep() {
	if r == nil || strings.TrimSpace(r.root) == "" {
		return
	}
	entries, err := os.ReadDir(r.root)
	if err != nil {
		r.log.Warn("replay retention scan failed", logging.Error(err), logging.String("directory", r.root))
		return
	}
	r.mu.RLock()
	skip := r.skip
	r.mu.RUnlock()

	//1.- Only directories holding a manifest count as sessions.
	sessions := make([]sessionDir, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(r.root, entry.Name())
		if _, err := os.Stat(filepath.Join(path, manifestName)); err != nil {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		size, err := directorySize(path)
		if err != nil {
			r.log.Warn("replay retention size failed", logging.Error(err), logging.String("path", path))
			continue
		}
		sessions = append(sessions, sessionDir{name: entry.Name(), size: size, modTime: info.ModTime()})
	}
	//2.- Newest first so the count limit keeps recent sessions.
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].modTime.After(sessions[j].modTime) })

	now := r.now()
	stats := StorageStats{LastSweep: now}
	kept := 0
	for _, session := range sessions {
		reason := ""
		if session.name != skip {
			reason = r.removalReason(session, now, kept)
		}
		if reason != "" {
			err := os.RemoveAll(filepath.Join(r.root, session.name))
			if err == nil {
				r.log.Info("replay retention removed session", logging.String("session", session.name), logging.String("reason", reason))
				stats.Removed++
				continue
			}
			r.log.Warn("replay retention removal failed", logging.Error(err), logging.String("session", session.name))
		}
		kept++
		stats.Sessions++
		stats.Bytes += session.size
	}
	r.mu.Lock()
	r.stats = stats
	r.mu.Unlock()
}

func (r *Retention) removalReason(session sessionDir, now time.Time, kept int) string {
	var reasons []string
	if r.policy.MaxAge > 0 && now.Sub(session.modTime) > r.policy.MaxAge {
		reasons = append(reasons, fmt.Sprintf("age>%s", r.policy.MaxAge))
	}
	if r.policy.MaxSessions > 0 && kept >= r.policy.MaxSessions {
		reasons = append(reasons, fmt.Sprintf(">=%d sessions", r.policy.MaxSessions))
	}
	return strings.Join(reasons, ", ")
}

func directorySize(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err
}
