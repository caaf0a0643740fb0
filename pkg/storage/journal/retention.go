package journal

import (
	"os"
	"path/filepath"
	"time"

	"github.com/downfa11-org/logstream/util"
)

// EnforceRetention marks the oldest segments deleted while the journal is
// over RetentionBytes or they are older than RetentionHours. The active
// segment is always kept. It returns the number of segments dropped.
func (j *Journal) EnforceRetention() int {
	j.mu.Lock()
	defer j.mu.Unlock()

	if len(j.segments) <= 1 {
		return 0
	}

	var totalSize int64
	for _, s := range j.segments {
		totalSize += s.size
	}

	now := time.Now()
	retentionDuration := time.Duration(j.cfg.RetentionHours) * time.Hour

	n := 0
	for i := 0; i < len(j.segments)-1; i++ {
		seg := j.segments[i]
		info, err := os.Stat(seg.path)
		if err != nil {
			break
		}

		isExpired := j.cfg.RetentionHours > 0 && now.Sub(info.ModTime()) > retentionDuration
		isOverCapacity := j.cfg.RetentionBytes > 0 && totalSize > j.cfg.RetentionBytes
		if !isExpired && !isOverCapacity {
			break
		}
		totalSize -= seg.size
		n++
	}

	if err := j.dropHeadLocked(n, markAsDeleted); err != nil {
		util.Error("Retention: %v", err)
		return 0
	}
	return n
}

func markAsDeleted(logPath string) error {
	if err := os.Rename(logPath, logPath+".deleted"); err != nil {
		return err
	}
	util.Debug("Retention: marked as deleted %s", logPath)
	return nil
}

// purgeDeleted removes segments previously marked deleted.
func (j *Journal) purgeDeleted() {
	files, _ := filepath.Glob(j.BaseName + "_segment_*.log.deleted")
	for _, f := range files {
		if err := os.Remove(f); err != nil {
			util.Warn("Retention: failed to remove %s: %v", f, err)
		}
	}
}

func (j *Journal) retentionLoop() {
	interval := j.cfg.RetentionCheckIntervalMS
	if interval <= 0 {
		interval = 300000
	}

	ticker := time.NewTicker(time.Duration(interval) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if j.EnforceRetention() > 0 {
				j.purgeDeleted()
			}
		case <-j.done:
			return
		}
	}
}
