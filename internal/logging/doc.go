// Package logging provides structured logging for the hbak CLI using slog.
//
// The package supports both text and JSON output formats, configurable log
// levels, and helpers for testing. All loggers are based on the standard
// library's [log/slog] package.
//
// # Basic Usage
//
//	logger := logging.New(logging.Config{
//		Level:  slog.LevelInfo,
//		Format: logging.FormatText,
//		Output: os.Stderr,
//	})
//	logger.Info("starting", "version", "1.0.0")
//
// # Context
//
// Commands attach the configured logger to their context with [NewContext];
// pipeline stages retrieve it with [FromContext].
//
// # Multiple Outputs
//
// [Tee] combines handlers, for example the text handler on stderr with a
// JSON handler writing to --log-file. Each handler applies its own level.
//
// # Colors
//
// The text handler colorizes by [ColorMode]. In auto mode colors follow the
// terminal and honor NO_COLOR and TERM=dumb.
//
// # Redaction
//
// The text handler masks values of sensitive attribute keys such as
// "passphrase" and "token". Key material is never logged on purpose; the
// masking only guards against accidents.
//
// # Testing
//
// For tests, use [ForTest] to capture log output via the testing framework:
//
//	func TestSomething(t *testing.T) {
//		logger := logging.ForTest(t)
//		// logs appear in test output on failure
//	}
//
// # Quiet Mode
//
// Use [NewDiscard] when log output should be suppressed entirely:
//
//	logger := logging.NewDiscard()
package logging
