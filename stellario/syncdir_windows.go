package stellario

import (
	"github.com/dragonrelay/stellarmail/mlog"
)

// SyncDir is a no-op on Windows, directories cannot be opened for syncing.
func SyncDir(log mlog.Log, dir string) error {
	return nil
}
