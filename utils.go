package bundler

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/params"
	"github.com/shopspring/decimal"
)

// ParseChainID accepts a decimal or 0x-prefixed hex chain id.
func ParseChainID(id string) (*big.Int, error) {
	if strings.HasPrefix(id, "0x") {
		idBytes, err := hex.DecodeString(id[2:])
		if err != nil {
			return nil, fmt.Errorf("couldn't parse hex chain id %s: %w", id, err)
		}
		return new(big.Int).SetBytes(idBytes), nil
	}
	parsedNum, ok := new(big.Int).SetString(id, 10)
	if !ok {
		return nil, fmt.Errorf("couldn't parse numeric chain id %s", id)
	}
	return parsedNum, nil
}

// ParseQuantity parses a decimal or 0x-prefixed hex quantity. An empty string is zero.
func ParseQuantity(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return new(big.Int), nil
	}
	base := 10
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s, base = s[2:], 16
		if s == "" {
			return new(big.Int), nil
		}
	}
	v, ok := new(big.Int).SetString(s, base)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("invalid quantity %q", s)
	}
	return v, nil
}

// EtherToWei converts an ether amount to wei, truncating below 1 wei.
func EtherToWei(ether decimal.Decimal) *big.Int {
	return ether.Shift(18).BigInt()
}

// WeiToEther converts wei to a float ether value, used for metrics and logs only.
func WeiToEther(wei *big.Int) float64 {
	if wei == nil {
		return 0
	}
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(wei), big.NewFloat(params.Ether)).Float64()
	return f
}

// AddressesToStrings renders addresses for log fields.
func AddressesToStrings(addrs []common.Address) []string {
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = a.Hex()
	}
	return out
}
