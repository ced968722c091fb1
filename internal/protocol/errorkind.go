package protocol

import (
	"errors"
	"io/fs"
	"net"
	"os"
	"syscall"
)

// ErrorKind mirrors the closed set of operating-system error kinds
// the layer understands, ported from the Rust agent's io::ErrorKind
// mapping (mirrord/protocol/src/lib.rs). Unknown kinds map to Other.
type ErrorKind struct {
	Kind    string // "not_found", "connection_refused", "timeout", "permission_denied", "invalid_input", "other"
	Message string // populated only for Kind == "other"
}

// Known error kinds.
const (
	KindNotFound          = "not_found"
	KindConnectionRefused = "connection_refused"
	KindTimeout           = "timeout"
	KindPermissionDenied  = "permission_denied"
	KindInvalidInput      = "invalid_input"
	KindOther             = "other"
)

// ErrorKindFromError classifies a Go error into the wire ErrorKind
// taxonomy, unwrapping net.OpError/os.PathError/syscall.Errno as
// needed. Anything unrecognized becomes Other(err.Error()).
func ErrorKindFromError(err error) ErrorKind {
	if err == nil {
		return ErrorKind{Kind: KindOther, Message: ""}
	}

	if errors.Is(err, fs.ErrNotExist) {
		return ErrorKind{Kind: KindNotFound}
	}
	if errors.Is(err, fs.ErrPermission) {
		return ErrorKind{Kind: KindPermissionDenied}
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return ErrorKind{Kind: KindTimeout}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrorKind{Kind: KindTimeout}
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ECONNREFUSED:
			return ErrorKind{Kind: KindConnectionRefused}
		case syscall.ETIMEDOUT:
			return ErrorKind{Kind: KindTimeout}
		case syscall.EACCES, syscall.EPERM:
			return ErrorKind{Kind: KindPermissionDenied}
		case syscall.ENOENT:
			return ErrorKind{Kind: KindNotFound}
		case syscall.EINVAL:
			return ErrorKind{Kind: KindInvalidInput}
		}
	}

	return ErrorKind{Kind: KindOther, Message: err.Error()}
}

// Error implements the error interface so ErrorKind can be returned
// and compared with errors.As like any other error.
func (e ErrorKind) Error() string {
	if e.Kind == KindOther && e.Message != "" {
		return e.Message
	}
	return e.Kind
}
