package testlog

import (
	"testing"

	"github.com/danmuck/rangectl/internal/logging"
	"github.com/rs/zerolog/log"
)

// Start applies the test logging profile and tags the test's first line.
func Start(t *testing.T) {
	t.Helper()
	logging.ConfigureTests()
	log.Info().Str("test", t.Name()).Msg("testlog.start")
}
