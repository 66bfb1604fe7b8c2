package escrow

import (
	"bytes"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

const TreasurySize = 32 + 2 + 1

type Treasury struct {
	Authority solana.PublicKey
	FeeBps    uint16
	Bump      uint8
}

func DecodeTreasury(data []byte) (*Treasury, error) {
	if len(data) != TreasurySize {
		return nil, fmt.Errorf("%w: treasury account is %d bytes, want %d", ErrDecode, len(data), TreasurySize)
	}
	dec := bin.NewBorshDecoder(data)
	raw, err := dec.ReadNBytes(32)
	if err != nil {
		return nil, fmt.Errorf("%w: authority: %v", ErrDecode, err)
	}
	var t Treasury
	copy(t.Authority[:], raw)
	if t.FeeBps, err = dec.ReadUint16(bin.LE); err != nil {
		return nil, fmt.Errorf("%w: fee: %v", ErrDecode, err)
	}
	if t.Bump, err = dec.ReadUint8(); err != nil {
		return nil, fmt.Errorf("%w: bump: %v", ErrDecode, err)
	}
	return &t, nil
}

func (t *Treasury) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	enc := bin.NewBorshEncoder(buf)
	if err := enc.WriteBytes(t.Authority[:], false); err != nil {
		return nil, err
	}
	if err := enc.WriteUint16(t.FeeBps, bin.LE); err != nil {
		return nil, err
	}
	if err := enc.WriteUint8(t.Bump); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Policy exposes the on-ledger fee rate as a FeePolicy.
func (t *Treasury) Policy() BpsFee {
	return BpsFee{Bps: t.FeeBps}
}
