// Package debug provides env-gated diagnostic output and the sync event log.
package debug

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var (
	enabled     = os.Getenv("VIBE_DEBUG") != ""
	verboseMode = false
	quietMode   = false
	logMutex    sync.Mutex

	// eventLogDir is set once at startup; empty disables the event log.
	eventLogDir string
)

func Enabled() bool {
	return enabled || verboseMode
}

// SetVerbose enables verbose/debug output
func SetVerbose(verbose bool) {
	verboseMode = verbose
}

// SetQuiet enables quiet mode (suppress non-essential output)
func SetQuiet(quiet bool) {
	quietMode = quiet
}

// IsQuiet returns true if quiet mode is enabled
func IsQuiet() bool {
	return quietMode
}

// SetEventLogDir sets the directory that receives events.log.
func SetEventLogDir(dir string) {
	logMutex.Lock()
	defer logMutex.Unlock()
	eventLogDir = dir
}

func Logf(format string, args ...interface{}) {
	if enabled || verboseMode {
		fmt.Fprintf(os.Stderr, format, args...)
	}
}

// PrintNormal prints output unless quiet mode is enabled
func PrintNormal(format string, args ...interface{}) {
	if !quietMode {
		fmt.Printf(format, args...)
	}
}

// Warnf always prints to stderr; used for log-and-continue failures.
func Warnf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "warning: "+format, args...)
}

// LogEvent writes a sync lifecycle event to events.log.
// Format: TIMESTAMP|EVENT_CODE|PROJECT|IDENTIFIER|DETAILS
func LogEvent(eventCode, project, identifier, details string) {
	logMutex.Lock()
	dir := eventLogDir
	logMutex.Unlock()
	if dir == "" {
		return
	}

	if project == "" {
		project = "none"
	}
	if identifier == "" {
		identifier = "none"
	}

	timestamp := time.Now().UTC().Format(time.RFC3339)
	entry := fmt.Sprintf("%s|%s|%s|%s|%s\n", timestamp, eventCode, project, identifier, details)

	logMutex.Lock()
	defer logMutex.Unlock()

	logPath := filepath.Join(dir, "events.log")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return
	}

	file, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		// Silent fail - don't interrupt sync if logging fails
		return
	}
	defer file.Close()

	_, _ = file.WriteString(entry)
}
