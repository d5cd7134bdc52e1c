// Package logging wires up the process-wide zerolog logger used by both
// binaries. Initialization happens once at startup; teardown is implicit at
// process exit.
package logging

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init installs a console-writing zerolog logger at the given level and
// sets it as the package-global default so every component can log via
// github.com/rs/zerolog/log without threading a logger through every call.
func Init(level string, component string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	parsed, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		parsed = zerolog.WarnLevel
	}
	zerolog.SetGlobalLevel(parsed)

	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}
