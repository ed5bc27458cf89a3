package common

import "errors"

// Errors returned across the filesystem's public operations. Callers match
// on these with errors.Is.
var (
	ErrNoSuchEntry = errors.New("no such file or directory")
	ErrFileExists  = errors.New("file exists")
	ErrDirNotEmpty = errors.New("directory not empty")
	ErrBusy        = errors.New("resource busy")
	ErrNameTooLong = errors.New("file name too long")
	ErrNoSpace     = errors.New("no space left on device")
	ErrIO          = errors.New("input/output error")
)

// CorruptError reports on-disk state that violates a filesystem invariant,
// such as a bad magic number or a mismatched inode record.
type CorruptError struct {
	Reason string
}

func (e *CorruptError) Error() string {
	return "filesystem corrupted: " + e.Reason
}

// Corrupt builds a CorruptError with a static diagnostic.
func Corrupt(reason string) error {
	return &CorruptError{Reason: reason}
}
