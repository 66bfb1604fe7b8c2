package escrow

import (
	"fmt"
	"math/bits"
)

const MaxFeeBps = 10_000

// FeePolicy computes the treasury cut of a transferred amount.
type FeePolicy interface {
	Fee(amount uint64) (uint64, error)
}

// BpsFee charges amount*Bps/10000, rounded down.
type BpsFee struct {
	Bps uint16
}

func (f BpsFee) Validate() error {
	if f.Bps > MaxFeeBps {
		return fmt.Errorf("%w (got %d)", ErrFeeOutOfRange, f.Bps)
	}
	return nil
}

func (f BpsFee) Fee(amount uint64) (uint64, error) {
	if err := f.Validate(); err != nil {
		return 0, err
	}
	if amount == 0 || f.Bps == 0 {
		return 0, nil
	}
	hi, lo := bits.Mul64(amount, uint64(f.Bps))
	// hi < MaxFeeBps always holds here, so Div64 cannot panic.
	quo, _ := bits.Div64(hi, lo, MaxFeeBps)
	return quo, nil
}

// NetOf returns amount minus the fee.
func NetOf(policy FeePolicy, amount uint64) (net uint64, fee uint64, err error) {
	fee, err = policy.Fee(amount)
	if err != nil {
		return 0, 0, err
	}
	if fee > amount {
		return 0, 0, fmt.Errorf("fee %d exceeds amount %d", fee, amount)
	}
	return amount - fee, fee, nil
}
