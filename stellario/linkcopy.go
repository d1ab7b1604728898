package stellario

import (
	"fmt"
	"io"
	"os"

	"github.com/dragonrelay/stellarmail/mlog"
)

// LinkOrCopy attempts to make a hardlink dst. If that fails, it will try to do a
// regular file copy. The copied file is synced to disk before returning. Callers
// should also sync the directory of the destination file. If dst was created and
// an error occurred, it is removed.
func LinkOrCopy(log mlog.Log, dst, src string) (rerr error) {
	err := os.Link(src, dst)
	if err == nil {
		return nil
	} else if os.IsNotExist(err) || os.IsExist(err) {
		// A copy would fail in the same way.
		return err
	}

	// File system may not support hardlinks. Do a regular file copy.
	sf, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open source file: %w", err)
	}
	defer func() {
		err := sf.Close()
		log.Check(err, "closing copied source file")
	}()

	df, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0660)
	if err != nil {
		return fmt.Errorf("create destination: %w", err)
	}
	defer func() {
		if df != nil {
			err := os.Remove(dst)
			log.Check(err, "removing partial destination file")
			err = df.Close()
			log.Check(err, "closing partial destination file")
		}
	}()

	if _, err := io.Copy(df, sf); err != nil {
		return fmt.Errorf("copy: %w", err)
	}
	if err := df.Sync(); err != nil {
		return fmt.Errorf("sync destination: %w", err)
	}
	err = df.Close()
	df = nil
	if err != nil {
		xerr := os.Remove(dst)
		log.Check(xerr, "removing partial destination file")
		return err
	}
	return nil
}
