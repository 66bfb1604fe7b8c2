package escrow

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// Taker constrains who may complete an order. The zero value is Open.
type Taker struct {
	key        solana.PublicKey
	restricted bool
}

func OpenTaker() Taker {
	return Taker{}
}

// RestrictedTo builds a taker constraint for key. The all-zero key is reserved
// for the open sentinel on the wire and is rejected here.
func RestrictedTo(key solana.PublicKey) (Taker, error) {
	if key.IsZero() {
		return Taker{}, fmt.Errorf("%w: restricted taker must not be the zero key", ErrPrecondition)
	}
	return Taker{key: key, restricted: true}, nil
}

// TakerFromWire interprets the 32-byte taker field of an order account.
func TakerFromWire(key solana.PublicKey) Taker {
	if key.IsZero() {
		return OpenTaker()
	}
	return Taker{key: key, restricted: true}
}

func (t Taker) IsOpen() bool {
	return !t.restricted
}

// Restricted returns the required counterparty, if any.
func (t Taker) Restricted() (solana.PublicKey, bool) {
	return t.key, t.restricted
}

// Wire returns the on-ledger encoding: the zero key when open.
func (t Taker) Wire() solana.PublicKey {
	if !t.restricted {
		return solana.PublicKey{}
	}
	return t.key
}

func (t Taker) Allows(candidate solana.PublicKey) bool {
	return !t.restricted || t.key.Equals(candidate)
}

func (t Taker) Equal(other Taker) bool {
	if t.restricted != other.restricted {
		return false
	}
	return !t.restricted || t.key.Equals(other.key)
}

func (t Taker) String() string {
	if !t.restricted {
		return "open"
	}
	return t.key.String()
}

func (t Taker) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// ParseTaker accepts "open", an empty string, or a base58 public key.
func ParseTaker(raw string) (Taker, error) {
	switch raw {
	case "", "open", "any":
		return OpenTaker(), nil
	}
	key, err := solana.PublicKeyFromBase58(raw)
	if err != nil {
		return Taker{}, fmt.Errorf("invalid taker %q: %w", raw, err)
	}
	return RestrictedTo(key)
}
