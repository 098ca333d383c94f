package bundler

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrNoActiveRelayer is returned by a relayer pool with no available account. Callers fail the
	// request instead of retrying.
	ErrNoActiveRelayer = errors.New("no active relayer")
	// ErrNoMessage marks a queue delivery with a missing or malformed payload.
	ErrNoMessage = errors.New("no message")
	// ErrSequencerUnavailable is returned when the nonce of an account could not be read from the network.
	// No nonce is issued in that case.
	ErrSequencerUnavailable = errors.New("nonce sequencer unavailable")
	// ErrStoreUnavailable is returned when the transaction store could not be read or written. The
	// operation did not take effect and may be retried.
	ErrStoreUnavailable = errors.New("transaction store unavailable")
	// ErrFundingLockTimeout is returned when the distributed funding lock could not be acquired in time.
	ErrFundingLockTimeout = errors.New("funding lock not acquired")
	// ErrReceiptUnavailable is returned when a competing transaction at the same nonce could not be resolved.
	ErrReceiptUnavailable = errors.New("competing receipt unavailable")
)

// SubmissionError wraps a gateway rejection of a signed transaction.
type SubmissionError struct {
	TransactionHash common.Hash
	Nonce           uint64
	Err             error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("failed to submit transaction %s (nonce %d): %v", e.TransactionHash, e.Nonce, e.Err)
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}

// IsSubmissionError reports whether err carries a SubmissionError.
func IsSubmissionError(err error) bool {
	var subErr *SubmissionError
	return errors.As(err, &subErr)
}
