package master

import (
	"context"
	"log"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

// bigBrother periodically samples DB counters and disk stats, emitting a
// single STATUS record every 10 seconds.
type bigBrother struct {
	log        *log.Logger
	store      store
	outputPath string
	status     chan<- statusMsg
}

func (bb *bigBrother) run(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		c, err := bb.store.Counters(ctx)
		if err != nil {
			return err
		}
		free, total, err := diskStats(bb.outputPath)
		if err != nil {
			return xerrors.Errorf("statting output path %s: %w", bb.outputPath, err)
		}
		sendStatus(bb.status, statusMsg{
			SlaveID: -1,
			At:      time.Now().UTC(),
			Tag:     "STATUS",
			Args: []interface{}{map[string]interface{}{
				"packages_count":   c.PackagesCount,
				"packages_built":   c.PackagesBuilt,
				"versions_count":   c.VersionsCount,
				"versions_built":   c.VersionsBuilt,
				"builds_count":     c.BuildsCount,
				"builds_last_hour": c.BuildsLastHour,
				"builds_success":   c.BuildsSuccess,
				"builds_time":      c.BuildsTime.Seconds(),
				"builds_size":      c.BuildsSize,
				"disk_free":        free,
				"disk_size":        total,
			}},
		})
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil
		}
	}
}

// diskStats reports free and total bytes for the filesystem holding path.
func diskStats(path string) (free, total uint64, err error) {
	var fs unix.Statfs_t
	if err := unix.Statfs(path, &fs); err != nil {
		return 0, 0, err
	}
	return fs.Bavail * uint64(fs.Bsize), fs.Blocks * uint64(fs.Bsize), nil
}
