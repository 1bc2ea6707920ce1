package core

import (
	"errors"
	"fmt"
)

// Error classes. Every rejection reason wraps exactly one of them so callers
// can branch with errors.Is.
var (
	// ErrValidation marks malformed headers or payloads. Terminal.
	ErrValidation = errors.New("validation error")
	// ErrProof marks proof bundles that fail verification. Terminal.
	ErrProof = errors.New("proof error")
	// ErrOrphan marks blocks whose parent is unknown. Transient.
	ErrOrphan = errors.New("orphan")
	// ErrStorage marks index failures. Returned as a hard error from Submit.
	ErrStorage = errors.New("storage error")
)

var (
	ErrDuplicateBlock    = errors.New("duplicate block with conflicting content")
	ErrNotFound          = errors.New("not found")
	ErrBadHeight         = errors.New("height does not follow parent")
	ErrBadTimestamp      = errors.New("timestamp not after parent")
	ErrFutureTimestamp   = errors.New("timestamp too far in the future")
	ErrHashMismatch      = errors.New("block hash does not match payload")
	ErrHeaderMismatch    = errors.New("header disagrees with payload")
	ErrNonCanonical      = errors.New("payload is not canonically encoded")
	ErrBadVersion        = errors.New("unsupported payload version")
	ErrBadMiner          = errors.New("miner is not a hex address")
	ErrParamsMismatch    = errors.New("consensus params digest mismatch")
	ErrForeignGenesis    = errors.New("genesis does not match local params")
	ErrProofDigest       = errors.New("bundle does not match proof digest")
	ErrBundleUnavailable = errors.New("proof bundle unavailable")
	ErrGasMismatch       = errors.New("declared gas mismatch")
	ErrRewardMismatch    = errors.New("declared reward mismatch")
	ErrOrphanQueueFull   = errors.New("orphan queue full")
	ErrOrphanExpired     = errors.New("orphan parent never arrived")
	ErrInconsistentIndex = errors.New("index inconsistent")
	ErrEmptyRange        = errors.New("empty height range")
)

func classify(class, err error) error {
	return fmt.Errorf("%w: %w", class, err)
}

// terminal reports whether a rejection may be cached. Time and availability
// dependent reasons can change on a later attempt.
func terminal(err error) bool {
	return !errors.Is(err, ErrFutureTimestamp) && !errors.Is(err, ErrBundleUnavailable)
}
