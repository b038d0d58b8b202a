package config

import (
	"errors"
	"path/filepath"
	"strings"
	"time"
)

// Validation errors for configuration fields.
var (
	// ErrMissingValue indicates a required option is empty.
	ErrMissingValue = errors.New("value is required")

	// ErrInvalidPath indicates a path value is malformed.
	ErrInvalidPath = errors.New("invalid path")

	// ErrInvalidDateFormat indicates DATE_FORMAT renders a stamp unusable in a file name.
	ErrInvalidDateFormat = errors.New("invalid date format")

	// ErrInvalidLevel indicates COMPRESSION_LEVEL is outside 1-4.
	ErrInvalidLevel = errors.New("compression level must be between 1 and 4")

	// ErrInvalidStrip indicates STRIP_COMPONENTS is negative.
	ErrInvalidStrip = errors.New("strip components must not be negative")
)

// Compression level bounds, mapped onto the zstd encoder levels.
const (
	MinCompressionLevel = 1
	MaxCompressionLevel = 4
)

// Validate checks a Config for validity.
// Returns nil if valid, or a slice of validation errors.
func Validate(cfg Config) []error {
	var errs []error

	for _, f := range []struct {
		name  string
		value string
	}{
		{KeyOutputDir, cfg.OutputDir},
		{KeyRestoreDir, cfg.RestoreDir},
	} {
		if f.value == "" {
			errs = append(errs, &FieldError{Field: f.name, Err: ErrMissingValue})
			continue
		}
		if err := validatePath(f.value); err != nil {
			errs = append(errs, &FieldError{Field: f.name, Value: f.value, Err: err})
		}
	}

	if err := validateDateFormat(cfg.DateFormat); err != nil {
		errs = append(errs, &FieldError{Field: KeyDateFormat, Value: cfg.DateFormat, Err: err})
	}

	if cfg.CompressionLevel < MinCompressionLevel || cfg.CompressionLevel > MaxCompressionLevel {
		errs = append(errs, &FieldError{Field: KeyCompressionLevel, Err: ErrInvalidLevel})
	}

	if cfg.StripComponents < 0 {
		errs = append(errs, &FieldError{Field: KeyStripComponents, Err: ErrInvalidStrip})
	}

	return errs
}

// validatePath requires an absolute, single-line path without single quotes,
// which the options file cannot represent.
func validatePath(path string) error {
	if strings.ContainsAny(path, "\x00\n'") {
		return ErrInvalidPath
	}
	if !filepath.IsAbs(path) {
		return ErrInvalidPath
	}
	return nil
}

// validateDateFormat renders a fixed instant with the layout; the stamp must
// be non-empty and must not contain a path separator or the name delimiter.
func validateDateFormat(layout string) error {
	if layout == "" || strings.ContainsAny(layout, "\n'") {
		return ErrInvalidDateFormat
	}
	stamp := time.Date(2024, time.January, 1, 12, 0, 0, 0, time.UTC).Format(layout)
	if stamp == "" || strings.ContainsAny(stamp, "/_ ") {
		return ErrInvalidDateFormat
	}
	return nil
}

// FieldError represents an error for a specific option.
type FieldError struct {
	Field string
	Value string
	Err   error
}

func (e *FieldError) Error() string {
	if e.Value == "" {
		return e.Field + ": " + e.Err.Error()
	}
	return e.Field + ": " + e.Err.Error() + ": " + e.Value
}

func (e *FieldError) Unwrap() error {
	return e.Err
}
