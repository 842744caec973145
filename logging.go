package chute

import (
	"io"
	"os"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"gopkg.in/natefinch/lumberjack.v2"
)

// NewLogger returns a logfmt logger writing to the rotated log file of the
// configuration, or to stderr. Records below the configured level (debug,
// info, warn or error; info when unknown) are dropped. The returned closer
// releases the file.
func NewLogger(cfg LogConfig) (kitlog.Logger, io.Closer) {
	var w io.WriteCloser = nopCloser{os.Stderr}
	if cfg.File != "" {
		w = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB, // MB
			MaxBackups: cfg.MaxBackups,
			Compress:   true,
		}
	}
	logger := kitlog.NewLogfmtLogger(kitlog.NewSyncWriter(w))
	logger = kitlog.With(logger, "ts", kitlog.DefaultTimestampUTC)
	logger = level.NewFilter(logger, level.Allow(level.ParseDefault(cfg.Level, level.InfoValue())))
	return logger, w
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }
