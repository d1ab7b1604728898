package stellario

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/dragonrelay/stellarmail/mlog"
)

// WriteFileSync writes data to path through a temporary file in the same
// directory. The file is synced, renamed over path, and the directory is synced.
// Readers see either the old or the new contents, never a partial file.
func WriteFileSync(log mlog.Log, path string, data []byte) (rerr error) {
	dir := filepath.Dir(path)
	f, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(path)+"-")
	if err != nil {
		return fmt.Errorf("create temporary file: %w", err)
	}
	tmpname := f.Name()
	defer func() {
		if f != nil {
			err := f.Close()
			log.Check(err, "closing temporary file")
		}
		if rerr != nil && tmpname != "" {
			err := os.Remove(tmpname)
			log.Check(err, "removing temporary file after error")
		}
	}()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write temporary file: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync temporary file: %w", err)
	}
	err = f.Close()
	f = nil
	if err != nil {
		return fmt.Errorf("close temporary file: %w", err)
	}
	if err := os.Chmod(tmpname, 0660); err != nil {
		return fmt.Errorf("set file mode: %w", err)
	}
	if err := os.Rename(tmpname, path); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	tmpname = ""
	return SyncDir(log, dir)
}
