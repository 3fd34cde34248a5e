package rudt

import (
	"fmt"

	"github.com/pkg/errors"
)

// Major is the top-level error family, mirroring the CCC/minor-code
// taxonomy of the original UDT/SRT error reporting.
type Major int

const (
	MajSuccess Major = iota
	MajSetup               // bind/open failures
	MajConnection          // transport-state errors
	MajSystemRes           // resource exhaustion
	MajNotSup              // API precondition failures
	MajAgain               // non-blocking would-block
	MajPeerError
	MajUnknown
)

func (m Major) String() string {
	switch m {
	case MajSuccess:
		return "SUCCESS"
	case MajSetup:
		return "SETUP"
	case MajConnection:
		return "CONNECTION"
	case MajSystemRes:
		return "SYSTEMRES"
	case MajNotSup:
		return "NOTSUP"
	case MajAgain:
		return "AGAIN"
	case MajPeerError:
		return "PEERERROR"
	default:
		return "UNKNOWN"
	}
}

// Minor is the family-specific reason code.
type Minor int

const (
	MinNone Minor = iota

	// MajSetup
	MinNoRes

	// MajConnection
	MinNoConn
	MinConnLost
	MinConnFail
	MinConnRej
	MinConnTimeout

	// MajSystemRes
	MinMemory
	MinThread

	// MajNotSup
	MinSIDInval
	MinInval
	MinIsConnected
	MinIsUnbound
	MinIsRendezvous
	MinNoListen
	MinIsRendUnbound

	// MajAgain
	MinRDAvail
	MinWRAvail
	MinXmTimeout
	MinCongest
)

// Error is rudt's internal error type: a (Major,Minor) code plus an
// optional wrapped cause carrying a stack trace from github.com/pkg/errors.
type Error struct {
	Major Major
	Minor Minor
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("rudt: %s/%d: %v", e.Major, e.Minor, e.cause)
	}
	return fmt.Sprintf("rudt: %s/%d", e.Major, e.Minor)
}

func (e *Error) Unwrap() error { return e.cause }

// newErr builds an Error, attaching a stack trace to bare causes the way
// the rest of the module wraps third-party/system errors.
func newErr(maj Major, min Minor, cause error) *Error {
	if cause != nil {
		cause = errors.WithStack(cause)
	}
	return &Error{Major: maj, Minor: min, cause: cause}
}

func errConnLost() *Error   { return newErr(MajConnection, MinConnLost, nil) }
func errConnFail() *Error   { return newErr(MajConnection, MinConnFail, nil) }
func errNoConn() *Error     { return newErr(MajConnection, MinNoConn, nil) }
func errTimeout() *Error    { return newErr(MajAgain, MinXmTimeout, nil) }
func errAgainRD() *Error    { return newErr(MajAgain, MinRDAvail, nil) }
func errAgainWR() *Error    { return newErr(MajAgain, MinWRAvail, nil) }
func errNoBuffer() *Error   { return newErr(MajSystemRes, MinMemory, nil) }
func errInval() *Error      { return newErr(MajNotSup, MinInval, nil) }
func errNoListen() *Error   { return newErr(MajNotSup, MinNoListen, nil) }
func errIsConn() *Error     { return newErr(MajNotSup, MinIsConnected, nil) }
func errIsUnbound() *Error  { return newErr(MajNotSup, MinIsUnbound, nil) }

// ipe reports an internal-program-error: an invariant the design notes say
// must never be silently swallowed (see updateListenerMux in SPEC_FULL.md).
func ipe(msg string) *Error {
	return newErr(MajUnknown, MinNone, errors.New("internal error: "+msg))
}
