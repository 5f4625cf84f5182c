package consensus

import "github.com/pkg/errors"

// Rejection reasons returned by the Replica handlers. None of them is fatal:
// the caller logs and moves on.
var (
	ErrInvalidConfig         = errors.New("invalid consensus config")
	ErrStaleView             = errors.New("message for stale view")
	ErrOutOfWindow           = errors.New("sequence number below watermark window")
	ErrConflictingPrePrepare = errors.New("conflicting pre-prepare for slot")
	ErrDigestMismatch        = errors.New("digest does not match request")
	ErrWrongSender           = errors.New("message not sent by expected replica")
	ErrInvalidCertificate    = errors.New("invalid certificate")
	ErrInvalidViewChange     = errors.New("invalid view-change")
	ErrInvalidNewView        = errors.New("invalid new-view")
	ErrInvalidRequest        = errors.New("invalid request")
	ErrUnknownMessage        = errors.New("unknown message type")
	ErrIllegalTransition     = errors.New("illegal entry transition")
)

// IsRejection reports whether err is one of the expected rejection reasons
// rather than an internal failure.
func IsRejection(err error) bool {
	for _, target := range []error{
		ErrStaleView, ErrOutOfWindow, ErrConflictingPrePrepare, ErrDigestMismatch,
		ErrWrongSender, ErrInvalidCertificate, ErrInvalidViewChange, ErrInvalidNewView,
		ErrInvalidRequest, ErrUnknownMessage,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
