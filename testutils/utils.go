package testutils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/smartcontractkit/chainlink-common/pkg/logger"
)

type inflightCounter interface {
	InFlight() int
}

// WaitForInflightTxs blocks until no confirmation wait is running.
func WaitForInflightTxs(t *testing.T, lggr logger.Logger, l inflightCounter, timeout time.Duration) {
	require.Eventually(t, func() bool {
		n := l.InFlight()
		lggr.Debugw("Inflight count", "inflight", n)
		return n == 0
	}, timeout, 10*time.Millisecond)
}

func Uint64Ptr(i uint64) *uint64 {
	return &i
}

func BoolPtr(b bool) *bool {
	return &b
}
