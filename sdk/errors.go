package sdk

import (
	"context"
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/rpc"
)

// IsNotFound reports a missing receipt, block or transaction.
func IsNotFound(err error) bool {
	return errors.Is(err, ethereum.NotFound)
}

// IsNonceTooLow reports that the nonce was already consumed on chain.
func IsNonceTooLow(err error) bool {
	return containsAny(err, "nonce too low", "nonce has already been used", "invalid nonce")
}

// IsAlreadyKnown reports that the node already holds the exact same transaction.
func IsAlreadyKnown(err error) bool {
	return containsAny(err, "already known", "known transaction", "already imported")
}

// IsReplacementUnderpriced reports a replacement whose fee bump is below the node minimum.
func IsReplacementUnderpriced(err error) bool {
	return containsAny(err, "replacement transaction underpriced", "transaction underpriced")
}

// IsInsufficientFunds reports a sender that cannot pay for gas and value.
func IsInsufficientFunds(err error) bool {
	return containsAny(err, "insufficient funds")
}

// IsTransient reports errors that no node answered, so the same request may succeed later.
func IsTransient(err error) bool {
	return isTransportError(err)
}

// isTransportError reports errors where another node may still give an answer.
func isTransportError(err error) bool {
	if err == nil || IsNotFound(err) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var rpcErr rpc.Error
	return !errors.As(err, &rpcErr)
}

func containsAny(err error, substrs ...string) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, s := range substrs {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
