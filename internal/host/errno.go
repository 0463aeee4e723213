package host

import "fmt"

// Errno is a host error number. The values mirror the Linux numbering so
// that statuses cross foreign host boundaries unchanged.
type Errno int32

const (
	EPERM        Errno = 1   // operation not permitted
	ENOENT       Errno = 2   // no such file or directory
	EIO          Errno = 5   // input/output error
	ENXIO        Errno = 6   // no such device or address
	EAGAIN       Errno = 11  // resource temporarily unavailable
	ENOMEM       Errno = 12  // cannot allocate memory
	EACCES       Errno = 13  // permission denied
	EFAULT       Errno = 14  // bad address
	EBUSY        Errno = 16  // device or resource busy
	EEXIST       Errno = 17  // file exists
	ENODEV       Errno = 19  // no such device
	EINVAL       Errno = 22  // invalid argument
	ENOSPC       Errno = 28  // no space left on device
	ENAMETOOLONG Errno = 36  // file name too long
	ENOSYS       Errno = 38  // function not implemented
	EOPNOTSUPP   Errno = 95  // operation not supported
	ESHUTDOWN    Errno = 108 // cannot send after shutdown
	ETIMEDOUT    Errno = 110 // connection timed out
)

var errnoNames = map[Errno]string{
	EPERM:        "EPERM",
	ENOENT:       "ENOENT",
	EIO:          "EIO",
	ENXIO:        "ENXIO",
	EAGAIN:       "EAGAIN",
	ENOMEM:       "ENOMEM",
	EACCES:       "EACCES",
	EFAULT:       "EFAULT",
	EBUSY:        "EBUSY",
	EEXIST:       "EEXIST",
	ENODEV:       "ENODEV",
	EINVAL:       "EINVAL",
	ENOSPC:       "ENOSPC",
	ENAMETOOLONG: "ENAMETOOLONG",
	ENOSYS:       "ENOSYS",
	EOPNOTSUPP:   "EOPNOTSUPP",
	ESHUTDOWN:    "ESHUTDOWN",
	ETIMEDOUT:    "ETIMEDOUT",
}

var errnoText = map[Errno]string{
	EPERM:        "operation not permitted",
	ENOENT:       "no such file or directory",
	EIO:          "input/output error",
	ENXIO:        "no such device or address",
	EAGAIN:       "resource temporarily unavailable",
	ENOMEM:       "cannot allocate memory",
	EACCES:       "permission denied",
	EFAULT:       "bad address",
	EBUSY:        "device or resource busy",
	EEXIST:       "file exists",
	ENODEV:       "no such device",
	EINVAL:       "invalid argument",
	ENOSPC:       "no space left on device",
	ENAMETOOLONG: "file name too long",
	ENOSYS:       "function not implemented",
	EOPNOTSUPP:   "operation not supported",
	ESHUTDOWN:    "cannot send after shutdown",
	ETIMEDOUT:    "connection timed out",
}

// Error implements error. Known values render as "ENODEV: no such device";
// unknown values fall back to the raw number.
func (e Errno) Error() string {
	if name, ok := errnoNames[e]; ok {
		return name + ": " + errnoText[e]
	}
	return fmt.Sprintf("errno %d", int32(e))
}

// Name returns the symbolic name of e, or the raw number when unknown.
func (e Errno) Name() string {
	if name, ok := errnoNames[e]; ok {
		return name
	}
	return fmt.Sprintf("errno %d", int32(e))
}

// Status encodes e in the host calling convention.
func (e Errno) Status() Status {
	return -Status(e)
}

var _ error = Errno(0)
