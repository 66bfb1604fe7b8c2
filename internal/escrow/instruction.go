package escrow

import (
	"bytes"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// Discriminator is the leading byte of every escrow instruction.
type Discriminator uint8

const (
	DiscInitializeTreasury Discriminator = iota
	DiscUpdateTreasuryAuthority
	DiscHarvest
	DiscCreateOrder
	DiscChangeAmounts
	DiscChangeTaker
	DiscCompleteSwap
	DiscCloseOrder
)

func (d Discriminator) String() string {
	switch d {
	case DiscInitializeTreasury:
		return "InitializeTreasury"
	case DiscUpdateTreasuryAuthority:
		return "UpdateTreasuryAuthority"
	case DiscHarvest:
		return "Harvest"
	case DiscCreateOrder:
		return "CreateOrder"
	case DiscChangeAmounts:
		return "ChangeAmounts"
	case DiscChangeTaker:
		return "ChangeTaker"
	case DiscCompleteSwap:
		return "CompleteSwap"
	case DiscCloseOrder:
		return "CloseOrder"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(d))
	}
}

// Args is an instruction payload. MarshalBinary emits the discriminator
// followed by the little-endian fixed-width fields.
type Args interface {
	Discriminator() Discriminator
	MarshalBinary() ([]byte, error)
}

type InitializeTreasuryArgs struct {
	Authority solana.PublicKey
	FeeBps    uint16
}

type UpdateTreasuryAuthorityArgs struct {
	Authority solana.PublicKey
	FeeBps    uint16
}

type HarvestArgs struct{}

type CreateOrderArgs struct {
	MakerAmount uint64
	TakerAmount uint64
}

type ChangeAmountsArgs struct {
	MakerAmount uint64
	TakerAmount uint64
}

type ChangeTakerArgs struct {
	NewTaker Taker
}

type CompleteSwapArgs struct{}

type CloseOrderArgs struct{}

func (InitializeTreasuryArgs) Discriminator() Discriminator      { return DiscInitializeTreasury }
func (UpdateTreasuryAuthorityArgs) Discriminator() Discriminator { return DiscUpdateTreasuryAuthority }
func (HarvestArgs) Discriminator() Discriminator                 { return DiscHarvest }
func (CreateOrderArgs) Discriminator() Discriminator             { return DiscCreateOrder }
func (ChangeAmountsArgs) Discriminator() Discriminator           { return DiscChangeAmounts }
func (ChangeTakerArgs) Discriminator() Discriminator             { return DiscChangeTaker }
func (CompleteSwapArgs) Discriminator() Discriminator            { return DiscCompleteSwap }
func (CloseOrderArgs) Discriminator() Discriminator              { return DiscCloseOrder }

func (a InitializeTreasuryArgs) MarshalBinary() ([]byte, error) {
	if err := (BpsFee{Bps: a.FeeBps}).Validate(); err != nil {
		return nil, err
	}
	return encodeArgs(a.Discriminator(), func(enc *bin.Encoder) error {
		if err := enc.WriteBytes(a.Authority[:], false); err != nil {
			return err
		}
		return enc.WriteUint16(a.FeeBps, bin.LE)
	})
}

func (a UpdateTreasuryAuthorityArgs) MarshalBinary() ([]byte, error) {
	if err := (BpsFee{Bps: a.FeeBps}).Validate(); err != nil {
		return nil, err
	}
	return encodeArgs(a.Discriminator(), func(enc *bin.Encoder) error {
		if err := enc.WriteBytes(a.Authority[:], false); err != nil {
			return err
		}
		return enc.WriteUint16(a.FeeBps, bin.LE)
	})
}

func (a HarvestArgs) MarshalBinary() ([]byte, error) {
	return encodeArgs(a.Discriminator(), nil)
}

func (a CreateOrderArgs) MarshalBinary() ([]byte, error) {
	if a.MakerAmount == 0 || a.TakerAmount == 0 {
		return nil, ErrZeroAmount
	}
	return encodeArgs(a.Discriminator(), func(enc *bin.Encoder) error {
		return writeAmounts(enc, a.MakerAmount, a.TakerAmount)
	})
}

func (a ChangeAmountsArgs) MarshalBinary() ([]byte, error) {
	if a.MakerAmount == 0 || a.TakerAmount == 0 {
		return nil, ErrZeroAmount
	}
	return encodeArgs(a.Discriminator(), func(enc *bin.Encoder) error {
		return writeAmounts(enc, a.MakerAmount, a.TakerAmount)
	})
}

func (a ChangeTakerArgs) MarshalBinary() ([]byte, error) {
	key := a.NewTaker.Wire()
	return encodeArgs(a.Discriminator(), func(enc *bin.Encoder) error {
		return enc.WriteBytes(key[:], false)
	})
}

func (a CompleteSwapArgs) MarshalBinary() ([]byte, error) {
	return encodeArgs(a.Discriminator(), nil)
}

func (a CloseOrderArgs) MarshalBinary() ([]byte, error) {
	return encodeArgs(a.Discriminator(), nil)
}

func encodeArgs(disc Discriminator, body func(*bin.Encoder) error) ([]byte, error) {
	buf := new(bytes.Buffer)
	enc := bin.NewBorshEncoder(buf)
	if err := enc.WriteUint8(uint8(disc)); err != nil {
		return nil, err
	}
	if body != nil {
		if err := body(enc); err != nil {
			return nil, fmt.Errorf("encode %s: %w", disc, err)
		}
	}
	return buf.Bytes(), nil
}

func writeAmounts(enc *bin.Encoder, makerAmount, takerAmount uint64) error {
	if err := enc.WriteUint64(makerAmount, bin.LE); err != nil {
		return err
	}
	return enc.WriteUint64(takerAmount, bin.LE)
}

// DecodeInstruction parses escrow instruction data. Trailing or missing bytes
// are a decode error.
func DecodeInstruction(data []byte) (Args, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty instruction data", ErrDecode)
	}
	disc := Discriminator(data[0])
	dec := bin.NewBorshDecoder(data[1:])

	var (
		out Args
		err error
	)
	switch disc {
	case DiscInitializeTreasury:
		var a InitializeTreasuryArgs
		a.Authority, a.FeeBps, err = readAuthorityFee(dec)
		out = a
	case DiscUpdateTreasuryAuthority:
		var a UpdateTreasuryAuthorityArgs
		a.Authority, a.FeeBps, err = readAuthorityFee(dec)
		out = a
	case DiscHarvest:
		out = HarvestArgs{}
	case DiscCreateOrder:
		var a CreateOrderArgs
		a.MakerAmount, a.TakerAmount, err = readAmounts(dec)
		out = a
	case DiscChangeAmounts:
		var a ChangeAmountsArgs
		a.MakerAmount, a.TakerAmount, err = readAmounts(dec)
		out = a
	case DiscChangeTaker:
		var raw []byte
		raw, err = dec.ReadNBytes(32)
		if err == nil {
			out = ChangeTakerArgs{NewTaker: TakerFromWire(solana.PublicKeyFromBytes(raw))}
		}
	case DiscCompleteSwap:
		out = CompleteSwapArgs{}
	case DiscCloseOrder:
		out = CloseOrderArgs{}
	default:
		return nil, fmt.Errorf("%w: unknown discriminator %d", ErrDecode, uint8(disc))
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDecode, disc, err)
	}
	if dec.HasRemaining() {
		return nil, fmt.Errorf("%w: %s: %d trailing bytes", ErrDecode, disc, dec.Remaining())
	}
	return out, nil
}

func readAmounts(dec *bin.Decoder) (uint64, uint64, error) {
	makerAmount, err := dec.ReadUint64(bin.LE)
	if err != nil {
		return 0, 0, err
	}
	takerAmount, err := dec.ReadUint64(bin.LE)
	if err != nil {
		return 0, 0, err
	}
	return makerAmount, takerAmount, nil
}

func readAuthorityFee(dec *bin.Decoder) (solana.PublicKey, uint16, error) {
	raw, err := dec.ReadNBytes(32)
	if err != nil {
		return solana.PublicKey{}, 0, err
	}
	fee, err := dec.ReadUint16(bin.LE)
	if err != nil {
		return solana.PublicKey{}, 0, err
	}
	return solana.PublicKeyFromBytes(raw), fee, nil
}
