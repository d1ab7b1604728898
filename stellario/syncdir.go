//go:build !windows

package stellario

import (
	"fmt"
	"os"

	"github.com/dragonrelay/stellarmail/mlog"
)

// SyncDir opens a directory and syncs its contents to disk. Needed after
// creating, renaming or removing files in it, for the change to survive a crash.
func SyncDir(log mlog.Log, dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open directory: %v", err)
	}
	err = d.Sync()
	xerr := d.Close()
	log.Check(xerr, "closing directory after sync")
	return err
}
