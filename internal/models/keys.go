package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// EpochBase is the custom epoch used for camera keys and HLS segment
// numbering. Seconds since this instant keep keys short while remaining
// strictly increasing.
var EpochBase = time.Unix(1600000000, 0) // 2020-09-13T12:26:40Z

// EpochSeconds returns whole seconds elapsed since EpochBase.
func EpochSeconds(t time.Time) int64 {
	return int64(t.Sub(EpochBase) / time.Second)
}

// NewCameraKey builds a camera key of the form C<epoch-seconds>.
func NewCameraKey(t time.Time) string {
	return fmt.Sprintf("C%d", EpochSeconds(t))
}

// NewMotionKey builds a motion key from the millisecond wall-clock of the
// episode start. The key is fixed-width decimal so lexicographic order over
// the motion collection equals chronological order.
func NewMotionKey(t time.Time) string {
	return fmt.Sprintf("%013d", t.UnixMilli())
}

// MotionKeyTime parses a motion key back into the episode start time.
func MotionKeyTime(key string) (time.Time, error) {
	ms, err := strconv.ParseInt(key, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing motion key %q: %w", key, err)
	}
	return time.UnixMilli(ms), nil
}

// MotionKeyFromFrame extracts the motion key embedded in an extracted frame
// filename of the form mov<key>_<seq>.jpg. This is the only link between a
// detector result line and the motion record it belongs to.
func MotionKeyFromFrame(name string) (string, bool) {
	base := name
	if i := strings.LastIndexByte(base, '/'); i >= 0 {
		base = base[i+1:]
	}
	if !strings.HasPrefix(base, "mov") {
		return "", false
	}
	rest := base[len("mov"):]
	end := strings.IndexByte(rest, '_')
	if end <= 0 {
		return "", false
	}
	key := rest[:end]
	for _, r := range key {
		if r < '0' || r > '9' {
			return "", false
		}
	}
	return key, true
}
