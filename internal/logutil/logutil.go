// Package logutil configures the process-wide zerolog logger for the
// scopetree binaries.
package logutil

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"cloud.google.com/go/compute/metadata"
)

// ConfigureLogger sets up the global logger: Unix timestamps, the service
// name on every event, caller and stack annotations. On GCE it emits plain
// JSON with a severity field for the cloud log router; elsewhere it writes
// human-readable console output to stderr.
func ConfigureLogger(service string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.With().Str("service", service).Caller().Stack().Logger()
	if metadata.OnGCE() {
		log.Logger = log.Hook(SeverityHook{})
	} else {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}

// SeverityHook mirrors the zerolog level into the severity field GCP's log
// router groups by.
type SeverityHook struct{}

func (h SeverityHook) Run(e *zerolog.Event, level zerolog.Level, _ string) {
	e.Str("severity", level.String())
}
