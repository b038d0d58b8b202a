// Package errors provides error handling conventions for the hbak CLI.
//
// This package defines sentinel errors for common failure conditions,
// an ExitError type for CLI exit code handling, and exit code constants
// following standard Unix conventions.
//
// # Sentinel Errors
//
// Sentinel errors allow callers to check for specific error conditions
// using [errors.Is]:
//
//	if errors.Is(err, hbakerrors.ErrNotFound) {
//	    // handle not found case
//	}
//
// [ErrCancelled] marks a prompt the user aborted. Commands treat it as a
// clean exit, not a failure.
//
// # Exit Codes
//
// The package defines standard exit codes for CLI applications:
//
//   - ExitSuccess (0): Command completed successfully
//   - ExitUser (1): User-related error (invalid input, configuration, etc.)
//   - ExitSystem (2): System-related error (I/O, permissions, pipeline stages)
//   - ExitInterrupted (130): The operation was stopped by a signal
//
// # Wrapping
//
// The package re-exports the constructors and predicates of
// github.com/cockroachdb/errors so callers need a single import for both
// stack-carrying wraps and CLI exit handling:
//
//	return errors.Wrapf(err, "reading %s", path)
//
// # ExitError
//
// [ExitError] wraps an underlying error with an exit code and optional suggestion
// for CLI applications. It supports error unwrapping via [errors.Unwrap] and
// [errors.As]:
//
//	err := hbakerrors.NewUserError(hbakerrors.ErrInvalidConfig, "Check your config file")
//	var exitErr *hbakerrors.ExitError
//	if errors.As(err, &exitErr) {
//	    if exitErr.Suggestion != "" {
//	        fmt.Println("Suggestion:", exitErr.Suggestion)
//	    }
//	    os.Exit(exitErr.Code)
//	}
//
// [CodeOf] resolves the exit code of any error, so main needs no type switch:
//
//	os.Exit(hbakerrors.CodeOf(err))
package errors
