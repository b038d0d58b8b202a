// Package paths resolves the locations hbak reads and writes.
//
// The configuration root follows the XDG Base Directory Specification through
// github.com/adrg/xdg and can be overridden with HBAK_CONFIG_DIR:
//
//	~/.config/hbak/
//	├── key      (0600, snapshot passphrase)
//	├── options  (NAME='value' assignments)
//	└── filters  (one excluded path prefix per line)
//
// Use [DefaultLayout] to obtain the file locations:
//
//	layout := paths.DefaultLayout()
//	keyPath := layout.KeyFile()
//
// The package also carries the small path helpers shared by the filter set and
// the archive pipeline: [ExpandHome], [Segments] and [IsUnder].
package paths
