package dataaddr

import (
	"etdaemon/internal/errors"
)

// OpenMode is the enumeration of ways a transfer's local file may be
// opened. Read is valid only for read sessions; the remaining four are
// valid only for write sessions.
type OpenMode int

const (
	Read OpenMode = iota
	New
	OverWrite
	Resume
	SkipExisting
)

var openModeNames = map[OpenMode]string{
	Read:         "Read",
	New:          "New",
	OverWrite:    "OverWrite",
	Resume:       "Resume",
	SkipExisting: "SkipExisting",
}

var openModeValues = map[string]OpenMode{
	"Read":         Read,
	"New":          New,
	"OverWrite":    OverWrite,
	"Resume":       Resume,
	"SkipExisting": SkipExisting,
}

// String returns the enumeration name, which doubles as the wire token used
// in "write-file-<mode>" control lines.
func (m OpenMode) String() string {
	if name, ok := openModeNames[m]; ok {
		return name
	}
	return "Unknown"
}

// ParseOpenMode decodes the wire token produced by String back into an
// OpenMode.
func ParseOpenMode(s string) (OpenMode, error) {
	m, ok := openModeValues[s]
	if !ok {
		return 0, errors.NewValidationError("open_mode", s, "unrecognized open mode token")
	}
	return m, nil
}

// IsWriteMode reports whether m is one of the four modes valid for
// requestFileWrite.
func (m OpenMode) IsWriteMode() bool {
	switch m {
	case New, OverWrite, Resume, SkipExisting:
		return true
	default:
		return false
	}
}

// IsReadMode reports whether m is valid for requestFileRead.
func (m OpenMode) IsReadMode() bool {
	return m == Read
}
