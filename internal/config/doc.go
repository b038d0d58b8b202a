// Package config provides configuration management for the hbak CLI.
//
// Options live in a shell-style file, one NAME='value' assignment per line:
//
//	OUTPUT_DIR='/var/backups/alice'
//	RESTORE_DIR='/var/restore/alice'
//	DATE_FORMAT='2006.01.02'
//	COMPRESSION_LEVEL='2'
//
// STRIP_COMPONENTS may be added to override the number of leading segments
// removed during an in-place restore. Every option can be overridden from
// the environment with the HBAK_ prefix, for example HBAK_OUTPUT_DIR.
//
// # Loading Configuration
//
// [Ensure] is the entry point used by the CLI. It loads the file and, when
// it is missing or fails [Validate], asks a [Provider] for a complete
// configuration and persists it:
//
//	cfg, err := config.Ensure(ctx, layout.OptionsFile(), prompt.NewConfigProvider())
//
// Use [Load] when the file must already exist:
//
//	cfg, err := config.Load(path)
//	if errors.Is(err, errors.ErrNotFound) {
//	    // file doesn't exist
//	}
package config
