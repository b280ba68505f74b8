// Package cleanup reclaims disk space once usage crosses the configured
// threshold: oldest live segments go first, then motion records whose
// footage no longer exists are garbage collected from the store.
package cleanup

import (
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/shirou/gopsutil/v4/disk"

	"github.com/openhaus/nvrd/internal/hls"
	"github.com/openhaus/nvrd/internal/models"
	"github.com/openhaus/nvrd/internal/store"
)

// maxSegmentsPerPass bounds how much one pass deletes so a pass never
// monopolizes the disk.
const maxSegmentsPerPass = 500

// UsageFunc reports used capacity of the filesystem holding path as a
// percentage. Tests substitute a fake; production uses gopsutil.
type UsageFunc func(path string) (float64, error)

// GopsutilUsage is the production UsageFunc.
func GopsutilUsage(path string) (float64, error) {
	st, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return st.UsedPercent, nil
}

// Cleaner runs the reclamation passes.
type Cleaner struct {
	store  *store.Store
	usage  UsageFunc
	logger *slog.Logger
}

// NewCleaner builds a cleaner.
func NewCleaner(st *store.Store, usage UsageFunc, logger *slog.Logger) *Cleaner {
	if logger == nil {
		logger = slog.Default()
	}
	if usage == nil {
		usage = GopsutilUsage
	}
	return &Cleaner{store: st, usage: usage, logger: logger.With(slog.String("component", "cleanup"))}
}

// Pass runs one reclamation pass. It is a no-op below the capacity
// threshold.
func (c *Cleaner) Pass() {
	set, err := c.store.GetSettings()
	if err != nil {
		c.logger.Error("reading settings", slog.String("error", err.Error()))
		return
	}
	if set.DiskBaseDir == "" {
		return
	}

	used, err := c.usage(set.DiskBaseDir)
	if err != nil {
		c.logger.Error("reading disk usage", slog.String("error", err.Error()))
		return
	}
	if used < set.CleanupCapacity() {
		return
	}
	c.logger.Info("disk capacity threshold crossed, reclaiming",
		slog.Float64("used_percent", used),
		slog.Float64("threshold", set.CleanupCapacity()))

	cams, err := c.store.ListCameras()
	if err != nil {
		c.logger.Error("listing cameras", slog.String("error", err.Error()))
		return
	}

	removed := 0
	for _, cam := range cams {
		removed += c.trimSegments(cam, maxSegmentsPerPass-removed)
		if removed >= maxSegmentsPerPass {
			break
		}
	}
	gcd := c.gcMotionRecords()
	c.logger.Info("reclamation pass done",
		slog.Int("segments_removed", removed),
		slog.Int("records_collected", gcd))
}

// trimSegments deletes the oldest stream segments of one camera, keeping
// the sliding window the transcoder still references.
func (c *Cleaner) trimSegments(cam *models.Camera, budget int) int {
	if budget <= 0 {
		return 0
	}
	entries, err := os.ReadDir(cam.MediaDir())
	if err != nil {
		return 0
	}
	var indices []int
	for _, e := range entries {
		if idx, ok := hls.SegmentIndex(e.Name()); ok {
			indices = append(indices, idx)
		}
	}
	// Leave the newest window alone; it backs the live manifest.
	const keepNewest = 16
	if len(indices) <= keepNewest {
		return 0
	}
	sort.Ints(indices)
	victims := indices[:len(indices)-keepNewest]
	if len(victims) > budget {
		victims = victims[:budget]
	}
	removed := 0
	for _, idx := range victims {
		if err := os.Remove(hls.SegmentPath(cam.MediaDir(), idx)); err == nil {
			removed++
		}
	}
	return removed
}

// gcMotionRecords batch-deletes terminal motion records whose playlist no
// longer exists on disk.
func (c *Cleaner) gcMotionRecords() int {
	var victims []string
	err := c.store.AscendMotion("", func(m *models.Motion) (bool, error) {
		if !m.ProcessingState.Terminal() {
			return true, nil
		}
		if m.PlaylistPath != "" {
			if _, err := os.Stat(m.PlaylistPath); err == nil {
				return true, nil
			}
		}
		victims = append(victims, m.Key)
		return true, nil
	})
	if err != nil {
		c.logger.Error("scanning motion records for GC", slog.String("error", err.Error()))
		return 0
	}
	if len(victims) == 0 {
		return 0
	}
	if err := c.store.DeleteBatch(victims); err != nil {
		c.logger.Error("deleting motion records", slog.String("error", err.Error()))
		return 0
	}
	// Frames belonging to collected records are orphaned files now;
	// sweep them opportunistically.
	for _, key := range victims {
		c.removeFrames(key)
	}
	return len(victims)
}

func (c *Cleaner) removeFrames(movementKey string) {
	set, err := c.store.GetSettings()
	if err != nil || set.DiskBaseDir == "" || set.DetectionFramesDir == "" {
		return
	}
	dir := set.DiskBaseDir + "/" + set.DetectionFramesDir
	matches, err := filepath.Glob(dir + "/mov" + movementKey + "_*.jpg")
	if err != nil {
		return
	}
	for _, m := range matches {
		os.Remove(m)
	}
}
