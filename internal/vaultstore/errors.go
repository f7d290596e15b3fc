package vaultstore

import "errors"

// ErrBadPath is returned when a caller-supplied path escapes the vault root,
// is absolute, or names a reserved entry. The mutation that produced it is
// skipped; the rest of the batch continues.
var ErrBadPath = errors.New("vaultstore: path escapes vault or names a reserved directory")

// ErrArchiveFormat is returned when a tar entry kind other than directory or
// regular file is encountered while extracting an initial-replace archive.
var ErrArchiveFormat = errors.New("vaultstore: unsupported archive entry kind")
