package txm

import (
	"errors"
	"fmt"
	"math/big"
)

const (
	DEFAULT_FEE_BUMP_PERCENT uint64 = 10
	TRANSFER_GAS_LIMIT       uint64 = 21000
)

// ErrFeeCapReached is returned by BumpFee when the previous fee can not be raised below the max gas price.
var ErrFeeCapReached = errors.New("fee at max gas price")

// Fee is either a legacy gas price or an EIP-1559 fee cap and tip cap pair.
type Fee struct {
	GasPrice  *big.Int
	GasFeeCap *big.Int
	GasTipCap *big.Int
}

func (f Fee) IsDynamic() bool {
	return f.GasPrice == nil && f.GasFeeCap != nil
}

// Price is the highest per-gas price the fee can pay.
func (f Fee) Price() *big.Int {
	if f.IsDynamic() {
		return f.GasFeeCap
	}
	return f.GasPrice
}

func (f Fee) Validate() error {
	if f.IsDynamic() {
		if f.GasTipCap == nil {
			return fmt.Errorf("dynamic fee without tip cap")
		}
		if f.GasTipCap.Cmp(f.GasFeeCap) > 0 {
			return fmt.Errorf("tip cap %s above fee cap %s", f.GasTipCap, f.GasFeeCap)
		}
		return nil
	}
	if f.GasPrice == nil {
		return fmt.Errorf("fee has no gas price")
	}
	return nil
}

func (f Fee) String() string {
	if f.IsDynamic() {
		return fmt.Sprintf("Fee{feeCap: %s, tipCap: %s}", f.GasFeeCap, f.GasTipCap)
	}
	return fmt.Sprintf("Fee{gasPrice: %s}", f.GasPrice)
}

func bumpByPercent(v *big.Int, percent uint64) *big.Int {
	out := new(big.Int).Mul(v, new(big.Int).SetUint64(100+percent))
	return out.Quo(out, big.NewInt(100))
}

func maxBig(a, b *big.Int) *big.Int {
	if b == nil || a.Cmp(b) >= 0 {
		return a
	}
	return b
}

func minBig(a, b *big.Int) *big.Int {
	if b == nil || a.Cmp(b) <= 0 {
		return a
	}
	return b
}

// bumpValue raises prev by percent, takes the recommended value if it is higher and caps at max.
// ok is false when max leaves no room above prev; next is then capped but not above prev.
func bumpValue(prev, recommended *big.Int, percent uint64, max *big.Int) (next *big.Int, ok bool) {
	next = minBig(maxBig(bumpByPercent(prev, percent), recommended), max)
	if next.Cmp(prev) > 0 {
		return next, true
	}
	if max != nil && prev.Cmp(max) >= 0 {
		return next, false
	}
	// rounding left the value unchanged
	return new(big.Int).Add(prev, big.NewInt(1)), true
}

// BumpFee computes the fee for a replacement of a transaction sent with prev. The fee type of
// prev is kept so the replacement occupies the same slot. Once maxGasPrice is reached it returns
// ErrFeeCapReached together with the capped fee, which is only usable at a fresh nonce.
func BumpFee(prev, recommended Fee, percent uint64, maxGasPrice *big.Int) (Fee, error) {
	if !prev.IsDynamic() {
		price, ok := bumpValue(prev.GasPrice, recommended.Price(), percent, maxGasPrice)
		if !ok {
			return Fee{GasPrice: price}, fmt.Errorf("%w: gas price %s, max %s", ErrFeeCapReached, prev.GasPrice, maxGasPrice)
		}
		return Fee{GasPrice: price}, nil
	}

	recTip := recommended.GasTipCap
	if recTip == nil {
		recTip = recommended.Price()
	}
	feeCap, feeOK := bumpValue(prev.GasFeeCap, recommended.Price(), percent, maxGasPrice)
	tipCap, tipOK := bumpValue(prev.GasTipCap, recTip, percent, feeCap)
	fee := Fee{GasFeeCap: feeCap, GasTipCap: minBig(tipCap, feeCap)}
	if !feeOK || !tipOK {
		return fee, fmt.Errorf("%w: fee cap %s, tip cap %s, max %s", ErrFeeCapReached, prev.GasFeeCap, prev.GasTipCap, maxGasPrice)
	}
	return fee, nil
}

// CapFee limits a fee to maxGasPrice.
func CapFee(f Fee, maxGasPrice *big.Int) Fee {
	if maxGasPrice == nil {
		return f
	}
	if !f.IsDynamic() {
		return Fee{GasPrice: minBig(f.GasPrice, maxGasPrice)}
	}
	feeCap := minBig(f.GasFeeCap, maxGasPrice)
	return Fee{GasFeeCap: feeCap, GasTipCap: minBig(f.GasTipCap, feeCap)}
}
