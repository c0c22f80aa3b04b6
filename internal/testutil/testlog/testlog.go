package testlog

import (
	"fmt"
	"testing"

	"github.com/danmuck/apductl/internal/logging"
	"github.com/rs/zerolog/log"
)

func Start(t *testing.T) {
	t.Helper()
	logging.ConfigureTests()
	log.Info().Str("test", t.Name()).Msg("start")
}

// Logf writes a test progress line through the test log profile.
func Logf(format string, args ...any) {
	logging.ConfigureTests()
	log.Info().Msg(fmt.Sprintf(format, args...))
}
