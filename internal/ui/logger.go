// Package ui provides terminal UI components and styling for kbase.
package ui

import (
	"os"
	"time"

	"github.com/charmbracelet/log"
)

// InitLogger sends logs to stderr, leaving stdout for command output
// (and for the MCP protocol).
func InitLogger() {
	log.SetOutput(os.Stderr)
	log.SetLevel(log.InfoLevel)
	log.SetReportCaller(false)
	log.SetReportTimestamp(false)
}

// SetDebug switches between debug and info logging. Debug logging also
// reports the calling file, which helps when tracing ingestion.
func SetDebug(enabled bool) {
	if enabled {
		log.SetLevel(log.DebugLevel)
		log.SetReportCaller(true)
		return
	}
	log.SetLevel(log.InfoLevel)
	log.SetReportCaller(false)
}

// SetLongRunning timestamps log lines for commands that keep running
// (serve, watch, mcp), where the time of an event matters.
func SetLongRunning() {
	log.SetReportTimestamp(true)
	log.SetTimeFormat(time.DateTime)
}
