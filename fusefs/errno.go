package fusefs

import (
	"context"
	"errors"
	"syscall"

	"bazil.org/fuse"
	"github.com/dendrascience/sqlarfs/sqlar"
)

// toErrno maps an archive error onto the errno reported to the kernel.
func toErrno(err error) syscall.Errno {
	switch {
	case errors.Is(err, sqlar.ErrInvalidArgs), errors.Is(err, sqlar.ErrInvalidPath):
		return syscall.EINVAL
	case errors.Is(err, sqlar.ErrAlreadyExists):
		return syscall.EEXIST
	case errors.Is(err, sqlar.ErrNotFound):
		return syscall.ENOENT
	case errors.Is(err, sqlar.ErrIsDirectory):
		return syscall.EISDIR
	case errors.Is(err, sqlar.ErrNotADirectory):
		return syscall.ENOTDIR
	case errors.Is(err, sqlar.ErrNotAFile):
		return syscall.EINVAL
	case errors.Is(err, sqlar.ErrNotEmpty):
		return syscall.ENOTEMPTY
	case errors.Is(err, sqlar.ErrFilesystemLoop):
		return syscall.ELOOP
	case errors.Is(err, sqlar.ErrUnsupportedCodec):
		return syscall.ENOTSUP
	case errors.Is(err, sqlar.ErrFileTooBig):
		return syscall.EFBIG
	case errors.Is(err, sqlar.ErrReadOnly):
		return syscall.EROFS
	case errors.Is(err, context.Canceled):
		return syscall.EINTR
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return syscall.EIO
}

// fail logs a failed request and converts err for the kernel. Unexpected
// failures that end up as EIO are logged at warn, everything else at debug.
func (f *FS) fail(op, path string, err error) error {
	if err == nil {
		return nil
	}
	errno := toErrno(err)
	if errno == syscall.EIO {
		f.logger.Warn("request failed", "op", op, "path", path, "error", err)
	} else {
		f.logger.Debug("request failed", "op", op, "path", path, "errno", errno.Error(), "error", err)
	}
	return fuse.Errno(errno)
}
