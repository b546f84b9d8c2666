package persona

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultAvatarCleanupInterval = time.Hour
	// uploads younger than this may belong to a character form still being filled in
	avatarGracePeriod = 24 * time.Hour
)

// StartAvatarJanitor periodically removes uploaded avatars no character references.
func (s *Service) StartAvatarJanitor(ctx context.Context, avatarDir string, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultAvatarCleanupInterval
	}
	go s.janitorLoop(ctx, avatarDir, interval)
}

func (s *Service) janitorLoop(ctx context.Context, avatarDir string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := s.cleanupOrphanAvatars(ctx, avatarDir, time.Now().Add(-avatarGracePeriod))
			if err != nil {
				zap.L().Warn("avatar cleanup failed", zap.Error(err))
				continue
			}
			if removed > 0 {
				zap.L().Info("avatar cleanup", zap.Int("removed", removed))
			}
		}
	}
}

// cleanupOrphanAvatars deletes files in avatarDir last modified before cutoff
// whose name no character avatar URL ends with.
func (s *Service) cleanupOrphanAvatars(ctx context.Context, avatarDir string, cutoff time.Time) (int, error) {
	entries, err := os.ReadDir(avatarDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read avatar dir: %w", err)
	}
	referenced, err := s.referencedAvatarFiles(ctx)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if _, ok := referenced[entry.Name()]; ok {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(avatarDir, entry.Name())); err != nil && !os.IsNotExist(err) {
			zap.L().Warn("remove avatar failed", zap.String("file", entry.Name()), zap.Error(err))
			continue
		}
		removed++
	}
	return removed, nil
}

func (s *Service) referencedAvatarFiles(ctx context.Context) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT avatar FROM characters WHERE avatar IS NOT NULL AND avatar <> ''`)
	if err != nil {
		return nil, fmt.Errorf("list avatars: %w", err)
	}
	defer rows.Close()

	names := make(map[string]struct{})
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan avatar: %w", err)
		}
		p := raw
		if u, err := url.Parse(raw); err == nil && u.Path != "" {
			p = u.Path
		}
		names[path.Base(p)] = struct{}{}
	}
	return names, rows.Err()
}
