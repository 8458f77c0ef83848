package provider

import "fmt"

// Errno represents a fabric error code (positive integral value). The numbering
// follows <rdma/fi_errno.h> so codes printed by tools line up with libfabric's.
type Errno int32

const (
	Success         Errno = 0
	ErrNoEntry      Errno = 2
	ErrAgain        Errno = 11
	ErrNoMemory     Errno = 12
	ErrAccess       Errno = 13
	ErrBusy         Errno = 16
	ErrNoDevice     Errno = 19
	ErrInvalid      Errno = 22
	ErrNotSupported Errno = 38
	ErrNoData       Errno = 61
	ErrMsgSize      Errno = 90
	ErrOpNotSupp    Errno = 95
	ErrAddrInUse    Errno = 98
	ErrAddrNotAvail Errno = 99
	ErrConnAborted  Errno = 103
	ErrConnReset    Errno = 104
	ErrNotConn      Errno = 107
	ErrShutdown     Errno = 108
	ErrTimedOut     Errno = 110
	ErrConnRefused  Errno = 111
	ErrAlready      Errno = 114
	ErrInProgress   Errno = 115
	ErrCanceled     Errno = 125
	ErrOther        Errno = 256
	ErrTooSmall     Errno = 257
	ErrBadState     Errno = 258
	ErrAvail        Errno = 259
	ErrBadFlags     Errno = 260
	ErrNoEQ         Errno = 261
	ErrDomain       Errno = 262
	ErrNoCQ         Errno = 263
	ErrCRC          Errno = 264
	ErrTrunc        Errno = 265
	ErrNoKey        Errno = 266
	ErrNoAV         Errno = 267
	ErrOverrun      Errno = 268
	ErrNoRX         Errno = 269
	ErrNoMR         Errno = 270
)

var errnoText = map[Errno]string{
	Success:         "Success",
	ErrNoEntry:      "No such file or directory",
	ErrAgain:        "Resource temporarily unavailable",
	ErrNoMemory:     "Cannot allocate memory",
	ErrAccess:       "Permission denied",
	ErrBusy:         "Device or resource busy",
	ErrNoDevice:     "No such device",
	ErrInvalid:      "Invalid argument",
	ErrNotSupported: "Function not implemented",
	ErrNoData:       "No data available",
	ErrMsgSize:      "Message too long",
	ErrOpNotSupp:    "Operation not supported",
	ErrAddrInUse:    "Address already in use",
	ErrAddrNotAvail: "Cannot assign requested address",
	ErrConnAborted:  "Software caused connection abort",
	ErrConnReset:    "Connection reset by peer",
	ErrNotConn:      "Transport endpoint is not connected",
	ErrShutdown:     "Cannot send after transport endpoint shutdown",
	ErrTimedOut:     "Connection timed out",
	ErrConnRefused:  "Connection refused",
	ErrAlready:      "Operation already in progress",
	ErrInProgress:   "Operation now in progress",
	ErrCanceled:     "Operation canceled",
	ErrOther:        "Unspecified error",
	ErrTooSmall:     "Provided buffer is too small",
	ErrBadState:     "Operation not permitted in current state",
	ErrAvail:        "Error available",
	ErrBadFlags:     "Flags not supported",
	ErrNoEQ:         "Missing or unavailable event queue",
	ErrDomain:       "Invalid resource domain",
	ErrNoCQ:         "Missing or unavailable completion queue",
	ErrCRC:          "CRC error",
	ErrTrunc:        "Truncation error",
	ErrNoKey:        "Required key not available",
	ErrNoAV:         "Missing or unavailable address vector",
	ErrOverrun:      "Queue has been overrun",
	ErrNoRX:         "Receiver not ready, no receive buffers available",
	ErrNoMR:         "Memory registration limit exceeded",
}

// Error returns the human-readable string as produced by fi_strerror.
func (e Errno) Error() string {
	return e.String()
}

// String returns the fi_strerror style message for the Errno.
func (e Errno) String() string {
	if msg, ok := errnoText[e]; ok {
		return msg
	}
	return fmt.Sprintf("Unknown error %d", int32(e))
}

// Name returns the symbolic FI_E* identifier when known.
func (e Errno) Name() string {
	switch e {
	case Success:
		return "FI_SUCCESS"
	case ErrAgain:
		return "FI_EAGAIN"
	case ErrAccess:
		return "FI_EACCES"
	case ErrBusy:
		return "FI_EBUSY"
	case ErrInvalid:
		return "FI_EINVAL"
	case ErrNoData:
		return "FI_ENODATA"
	case ErrMsgSize:
		return "FI_EMSGSIZE"
	case ErrOpNotSupp:
		return "FI_EOPNOTSUPP"
	case ErrAddrInUse:
		return "FI_EADDRINUSE"
	case ErrNotConn:
		return "FI_ENOTCONN"
	case ErrShutdown:
		return "FI_ESHUTDOWN"
	case ErrTimedOut:
		return "FI_ETIMEDOUT"
	case ErrConnRefused:
		return "FI_ECONNREFUSED"
	case ErrConnReset:
		return "FI_ECONNRESET"
	case ErrCanceled:
		return "FI_ECANCELED"
	case ErrBadState:
		return "FI_EOPBADSTATE"
	case ErrAvail:
		return "FI_EAVAIL"
	case ErrTrunc:
		return "FI_ETRUNC"
	case ErrNoKey:
		return "FI_ENOKEY"
	case ErrNoAV:
		return "FI_ENOAV"
	case ErrNoEQ:
		return "FI_ENOEQ"
	case ErrNoCQ:
		return "FI_ENOCQ"
	default:
		return fmt.Sprintf("FI_E%d", int32(e))
	}
}

// WithOp adds operation context to the provided Errno.
func (e Errno) WithOp(op string) error {
	if op == "" {
		return e
	}
	return fmt.Errorf("%s: %w", op, e)
}
