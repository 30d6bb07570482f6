package defs

import (
	"fmt"

	"golang.org/x/sys/unix"
)

/// Err_t is a kernel-internal error code. Syscall return paths report it to
/// callers as a negative int; Rc() performs that conversion.
type Err_t int

// Defined against unix's canonical errno numbering rather than hand-copied
// literals, so log/metric labels line up with the host's own errno names.
const (
	EPERM        Err_t = Err_t(unix.EPERM)
	ENOENT       Err_t = Err_t(unix.ENOENT)
	ESRCH        Err_t = Err_t(unix.ESRCH)
	EINTR        Err_t = Err_t(unix.EINTR)
	EIO          Err_t = Err_t(unix.EIO)
	E2BIG        Err_t = Err_t(unix.E2BIG)
	ENOEXEC      Err_t = Err_t(unix.ENOEXEC)
	ECHILD       Err_t = Err_t(unix.ECHILD)
	EAGAIN       Err_t = Err_t(unix.EAGAIN)
	ENOMEM       Err_t = Err_t(unix.ENOMEM)
	EACCES       Err_t = Err_t(unix.EACCES)
	EFAULT       Err_t = Err_t(unix.EFAULT)
	ENOTBLK      Err_t = Err_t(unix.ENOTBLK)
	EBUSY        Err_t = Err_t(unix.EBUSY)
	EEXIST       Err_t = Err_t(unix.EEXIST)
	EXDEV        Err_t = Err_t(unix.EXDEV)
	ENODEV       Err_t = Err_t(unix.ENODEV)
	ENOTDIR      Err_t = Err_t(unix.ENOTDIR)
	EISDIR       Err_t = Err_t(unix.EISDIR)
	EINVAL       Err_t = Err_t(unix.EINVAL)
	ENFILE       Err_t = Err_t(unix.ENFILE)
	EMFILE       Err_t = Err_t(unix.EMFILE)
	ENOSPC       Err_t = Err_t(unix.ENOSPC)
	ESPIPE       Err_t = Err_t(unix.ESPIPE)
	ENAMETOOLONG Err_t = Err_t(unix.ENAMETOOLONG)
	ENOSYS       Err_t = Err_t(unix.ENOSYS)
	ENOTEMPTY    Err_t = Err_t(unix.ENOTEMPTY)
)

var errnames = map[Err_t]string{
	EPERM:        "operation not permitted",
	ENOENT:       "no such file or directory",
	ESRCH:        "no such task",
	EINTR:        "interrupted",
	EIO:          "i/o error",
	E2BIG:        "argument list too long",
	ENOEXEC:      "exec format error",
	ECHILD:       "no child tasks",
	EAGAIN:       "resource temporarily unavailable",
	ENOMEM:       "cannot allocate memory",
	EACCES:       "permission denied",
	EFAULT:       "bad address",
	ENOTBLK:      "not a block device",
	EBUSY:        "device or resource busy",
	EEXIST:       "already exists",
	EXDEV:        "cross-device operation",
	ENODEV:       "no such device",
	ENOTDIR:      "not a directory",
	EISDIR:       "is a directory",
	EINVAL:       "invalid argument",
	ENFILE:       "too many open files in system",
	EMFILE:       "too many open files",
	ENOSPC:       "no space left on device",
	ESPIPE:       "illegal seek",
	ENAMETOOLONG: "name too long",
	ENOSYS:       "function not implemented",
	ENOTEMPTY:    "directory not empty",
}

func (e Err_t) Error() string {
	if s, ok := errnames[e]; ok {
		return s
	}
	return fmt.Sprintf("errno %d", int(e))
}

/// Rc returns the value a syscall entry point hands back to its caller:
/// the negative of the error code, or 0 if e is 0.
func (e Err_t) Rc() int {
	return -int(e)
}
