package gateway

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/adhocore/gronx"

	"github.com/coworkhq/imgateway/pkg/constants"
	"github.com/coworkhq/imgateway/pkg/logger"
)

// MediaGC runs the daily sweep that removes orphaned media files under a
// session workspace older than constants.MediaGCStaleness (spec §5's
// "sandbox cleanup staleness (7-day media GC, daily)").
type MediaGC struct {
	root string
	expr gronx.Gronx
}

// NewMediaGC constructs a sweeper rooted at workspaceRoot.
func NewMediaGC(workspaceRoot string) *MediaGC {
	return &MediaGC{root: workspaceRoot, expr: gronx.New()}
}

// Run checks the daily cron schedule ("0 3 * * *" — 03:00) once a minute
// and performs the sweep when due. It blocks until ctx is cancelled.
func (g *MediaGC) Run(ctx context.Context) {
	const schedule = "0 3 * * *"
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			due, err := g.expr.IsDue(schedule, time.Now())
			if err != nil {
				logger.ErrorCF("gateway", "media gc: invalid schedule", map[string]any{"error": err.Error()})
				continue
			}
			if due {
				g.sweep()
			}
		}
	}
}

func (g *MediaGC) sweep() {
	cutoff := time.Now().Add(-constants.MediaGCStaleness)
	var removed int
	err := filepath.WalkDir(g.root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		info, ierr := d.Info()
		if ierr != nil || info.ModTime().After(cutoff) {
			return nil
		}
		if os.Remove(path) == nil {
			removed++
		}
		return nil
	})
	if err != nil {
		logger.ErrorCF("gateway", "media gc sweep failed", map[string]any{"error": err.Error()})
		return
	}
	logger.InfoCF("gateway", "media gc sweep complete", map[string]any{"removed": removed})
}
