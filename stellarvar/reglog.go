package stellarvar

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"testing"
)

var skipRegisterLogging = testing.Testing()

// RegisterLogger should be used as parameter to bstore.Options.RegisterLogger.
//
// While testing, it returns nil for databases that do not exist yet, there is
// nothing interesting to log about creating a fresh schema.
func RegisterLogger(path string, log *slog.Logger) *slog.Logger {
	if !skipRegisterLogging {
		return log
	}
	if _, err := os.Stat(path); err != nil && errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return log
}
