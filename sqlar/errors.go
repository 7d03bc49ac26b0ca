package sqlar

import (
	"errors"
	"fmt"
	"io/fs"
)

// Sentinel errors for package sqlar.
// Operations wrap these in a *PathError; check them with errors.Is().
var (
	// Entry lookup errors
	ErrNotFound      error = &fsError{"no such file or directory", fs.ErrNotExist}
	ErrAlreadyExists error = &fsError{"file already exists", fs.ErrExist}

	// Entry kind errors
	ErrNotADirectory = errors.New("not a directory")
	ErrIsDirectory   = errors.New("is a directory")
	ErrNotAFile      = errors.New("not a regular file")
	ErrNotEmpty      = errors.New("directory not empty")

	// Argument errors
	ErrInvalidPath = errors.New("invalid path")
	ErrInvalidArgs = errors.New("invalid argument")

	// Codec errors
	ErrUnsupportedCodec = errors.New("compression method not supported")

	// Store errors
	ErrStore          = errors.New("storage engine failure")
	ErrInvalidArchive = errors.New("not a sqlar archive")
	ErrCannotOpen     = errors.New("cannot open archive")
	ErrReadOnly       error = &fsError{"archive is read-only", fs.ErrPermission}
	ErrFileTooBig     = errors.New("file too big")
	ErrTxDone         = errors.New("transaction has already been committed or rolled back")

	// Host tree errors
	ErrFilesystemLoop = errors.New("filesystem loop detected")
)

// fsError is a sentinel that also matches the equivalent io/fs error.
type fsError struct {
	msg  string
	base error
}

func (e *fsError) Error() string { return e.msg }
func (e *fsError) Unwrap() error { return e.base }

// PathError records an error and the operation and archive path that caused it.
type PathError struct {
	Op   string
	Path string
	Err  error
}

func (e *PathError) Error() string {
	p := e.Path
	if p == "" {
		p = "/"
	}
	return "sqlar: " + e.Op + " " + p + ": " + e.Err.Error()
}

func (e *PathError) Unwrap() error { return e.Err }

func wrapPath(op, path string, err error) error {
	if err == nil {
		return nil
	}
	var pe *PathError
	if errors.As(err, &pe) {
		return err
	}
	return &PathError{Op: op, Path: path, Err: err}
}

func invalidPath(reason string) error {
	return fmt.Errorf("%w: %s", ErrInvalidPath, reason)
}

func invalidArg(reason string) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgs, reason)
}
