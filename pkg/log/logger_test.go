package log

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/suite"
)

// LoggerTestSuite exercises the package logger against a captured buffer
type LoggerTestSuite struct {
	suite.Suite

	original zerolog.Logger
	output   *bytes.Buffer
}

// SetupTest swaps the global logger for one writing into a buffer
func (s *LoggerTestSuite) SetupTest() {
	s.original = Logger
	s.output = &bytes.Buffer{}

	Logger = zerolog.New(s.output).
		Level(zerolog.DebugLevel).
		With().
		Timestamp().
		Logger().
		Hook(goidHook)
}

// TearDownTest restores the global logger
func (s *LoggerTestSuite) TearDownTest() {
	Logger = s.original
}

// TestGoroutineID verifies the id parses to digits
func (s *LoggerTestSuite) TestGoroutineID() {
	id := goroutineID()
	s.Require().NotEmpty(id)
	s.NotEqual("unknown", id)
	for _, r := range id {
		s.True(r >= '0' && r <= '9', "goroutine id should be numeric")
	}
}

// TestGoroutineIDStableWithinGoroutine verifies repeated calls agree
func (s *LoggerTestSuite) TestGoroutineIDStableWithinGoroutine() {
	s.Equal(goroutineID(), goroutineID())
}

// TestEventsCarryGoroutineID verifies the hook tags every level
func (s *LoggerTestSuite) TestEventsCarryGoroutineID() {
	Debug().Msg("debug line")
	Info().Msg("info line")
	Warn().Msg("warn line")
	Error().Msg("error line")

	out := s.output.String()
	s.Contains(out, "debug line")
	s.Contains(out, "info line")
	s.Contains(out, "warn line")
	s.Contains(out, "error line")
	s.Contains(out, "goid")
}

// TestWithComponent verifies sub-loggers keep the component field
func (s *LoggerTestSuite) TestWithComponent() {
	logger := With("ingest")
	logger.Info().Msg("tagged line")

	out := s.output.String()
	s.Contains(out, "tagged line")
	s.Contains(out, "ingest")
}

func TestLoggerTestSuite(t *testing.T) {
	suite.Run(t, new(LoggerTestSuite))
}
