package debug

import (
	"io"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// daemonLog is the rotating file logger used in serve mode. Nil until
// InitFileLog runs; CLI invocations log to stderr only.
var daemonLog *log.Logger

// InitFileLog routes the standard logger to a size-rotated file under
// dir. Returns a closer for shutdown.
func InitFileLog(dir string) io.Closer {
	rotator := &lumberjack.Logger{
		Filename:   filepath.Join(dir, "vibesync.log"),
		MaxSize:    20, // megabytes
		MaxBackups: 5,
		MaxAge:     14, // days
		Compress:   true,
	}
	daemonLog = log.New(io.MultiWriter(os.Stderr, rotator), "", log.LstdFlags|log.LUTC)
	return rotator
}

// Infof logs to the daemon log when initialized, else to stderr in
// non-quiet mode.
func Infof(format string, args ...interface{}) {
	if daemonLog != nil {
		daemonLog.Printf(format, args...)
		return
	}
	PrintNormal(format+"\n", args...)
}
