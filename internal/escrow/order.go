package escrow

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// OrderSize is the exact byte length of an order account.
const OrderSize = 5*32 + 8 + 8 + 1

// OrderID is the caller-chosen salt that separates orders between the same
// maker and token pair.
type OrderID [32]byte

func NewOrderID() (OrderID, error) {
	var id OrderID
	if _, err := rand.Read(id[:]); err != nil {
		return OrderID{}, fmt.Errorf("generate order id: %w", err)
	}
	return id, nil
}

// ParseOrderID accepts base58 or 64-char hex.
func ParseOrderID(raw string) (OrderID, error) {
	raw = strings.TrimSpace(raw)
	if len(raw) == 64 {
		if b, err := hex.DecodeString(raw); err == nil {
			var id OrderID
			copy(id[:], b)
			return id, nil
		}
	}
	pk, err := solana.PublicKeyFromBase58(raw)
	if err != nil {
		return OrderID{}, fmt.Errorf("invalid order id %q: %w", raw, err)
	}
	return OrderID(pk), nil
}

func (id OrderID) String() string {
	return solana.PublicKey(id).String()
}

func (id OrderID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

type Order struct {
	Address     solana.PublicKey
	Maker       solana.PublicKey
	Taker       Taker
	ID          OrderID
	MakerMint   solana.PublicKey
	TakerMint   solana.PublicKey
	MakerAmount uint64
	TakerAmount uint64
	Bump        uint8
}

// DecodeOrder parses an order account. Any length other than OrderSize is
// rejected. Address is left empty; see DecodeOrderAt.
func DecodeOrder(data []byte) (*Order, error) {
	if len(data) != OrderSize {
		return nil, fmt.Errorf("%w: order account is %d bytes, want %d", ErrDecode, len(data), OrderSize)
	}
	dec := bin.NewBorshDecoder(data)
	var (
		order Order
		taker solana.PublicKey
	)
	for _, field := range []*solana.PublicKey{&order.Maker, &taker, (*solana.PublicKey)(&order.ID), &order.MakerMint, &order.TakerMint} {
		raw, err := dec.ReadNBytes(32)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecode, err)
		}
		copy(field[:], raw)
	}
	order.Taker = TakerFromWire(taker)

	var err error
	if order.MakerAmount, err = dec.ReadUint64(bin.LE); err != nil {
		return nil, fmt.Errorf("%w: maker amount: %v", ErrDecode, err)
	}
	if order.TakerAmount, err = dec.ReadUint64(bin.LE); err != nil {
		return nil, fmt.Errorf("%w: taker amount: %v", ErrDecode, err)
	}
	if order.Bump, err = dec.ReadUint8(); err != nil {
		return nil, fmt.Errorf("%w: bump: %v", ErrDecode, err)
	}
	return &order, nil
}

// DecodeOrderAt decodes data read from address and verifies that address is
// the one derived from the decoded seeds and bump.
func DecodeOrderAt(programID, address solana.PublicKey, data []byte) (*Order, error) {
	order, err := DecodeOrder(data)
	if err != nil {
		return nil, err
	}
	expected, bump, err := DeriveOrderPDA(programID, order.ID, order.Maker, order.MakerMint, order.TakerMint)
	if err != nil {
		return nil, err
	}
	if !expected.Equals(address) || bump != order.Bump {
		return nil, fmt.Errorf("%w: account %s does not match derived order address %s", ErrDecode, address, expected)
	}
	order.Address = address
	return order, nil
}

func (o *Order) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.Grow(OrderSize)
	enc := bin.NewBorshEncoder(buf)
	taker := o.Taker.Wire()
	for _, field := range [][]byte{o.Maker[:], taker[:], o.ID[:], o.MakerMint[:], o.TakerMint[:]} {
		if err := enc.WriteBytes(field, false); err != nil {
			return nil, err
		}
	}
	if err := enc.WriteUint64(o.MakerAmount, bin.LE); err != nil {
		return nil, err
	}
	if err := enc.WriteUint64(o.TakerAmount, bin.LE); err != nil {
		return nil, err
	}
	if err := enc.WriteUint8(o.Bump); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Equal compares every field except Address.
func (o *Order) Equal(other *Order) bool {
	return o.Maker.Equals(other.Maker) &&
		o.Taker.Equal(other.Taker) &&
		o.ID == other.ID &&
		o.MakerMint.Equals(other.MakerMint) &&
		o.TakerMint.Equals(other.TakerMint) &&
		o.MakerAmount == other.MakerAmount &&
		o.TakerAmount == other.TakerAmount &&
		o.Bump == other.Bump
}
