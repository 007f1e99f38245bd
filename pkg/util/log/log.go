// Package log provides the process-wide structured logger.
package log

import (
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Logger is the process-wide logger. It is assigned once during startup by
// InitLogger and read thereafter; nothing mutates it after that point.
var Logger = log.NewNopLogger()

// InitLogger builds a logfmt logger at the given level and installs it as
// the package-wide Logger.
func InitLogger(levelName string) log.Logger {
	l := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	l = log.With(l, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)

	opt := level.AllowInfo()
	switch levelName {
	case "debug":
		opt = level.AllowDebug()
	case "warn":
		opt = level.AllowWarn()
	case "error":
		opt = level.AllowError()
	}
	l = level.NewFilter(l, opt)

	Logger = l
	return l
}
