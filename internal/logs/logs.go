package logs

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Logger — общий логгер процесса. Пакеты берут его напрямую либо через
// logs.With(...) для полей.
var Logger = logrus.New()

type Options struct {
	Level  string // debug|info|warn|error
	Format string // text|json
	File   string // пусто = stderr
}

func Init(o Options) {
	lvl, err := logrus.ParseLevel(o.Level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	Logger.SetLevel(lvl)

	switch o.Format {
	case "json":
		Logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		Logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	if o.File != "" {
		f, err := os.OpenFile(o.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			Logger.Warnf("log file %s: %v, falling back to stderr", o.File, err)
			return
		}
		// пишем и в файл, и в stderr — удобно под systemd
		Logger.SetOutput(io.MultiWriter(os.Stderr, f))
	}
}

func With(fields map[string]any) *logrus.Entry {
	return Logger.WithFields(logrus.Fields(fields))
}
