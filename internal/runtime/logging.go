package runtime

import (
	"io"
	"os"
	"time"

	"github.com/charmbracelet/log"

	"github.com/mohammad-safakhou/satlog/config"
)

// NewLogger builds a component logger, e.g. NewLogger(cfg.General, "ingest").
func NewLogger(cfg config.GeneralConfig, prefix string) *log.Logger {
	return newLogger(os.Stderr, cfg, prefix)
}

func newLogger(w io.Writer, cfg config.GeneralConfig, prefix string) *log.Logger {
	cfg = cfg.Normalize()
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = log.InfoLevel
	}
	if cfg.Debug {
		level = log.DebugLevel
	}
	l := log.NewWithOptions(w, log.Options{
		Prefix:          prefix,
		Level:           level,
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
		ReportCaller:    cfg.Debug,
	})
	switch cfg.LogFormat {
	case "json":
		l.SetFormatter(log.JSONFormatter)
	case "logfmt":
		l.SetFormatter(log.LogfmtFormatter)
	default:
		l.SetFormatter(log.TextFormatter)
	}
	return l
}
