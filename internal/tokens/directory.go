// Package tokens holds the read-only token directory used to label mints
// and scale human amounts to base units.
package tokens

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"sort"
	"strings"

	"github.com/gagliardetto/solana-go"
	"gopkg.in/yaml.v3"
)

var ErrUnknownToken = errors.New("unknown token")

type Token struct {
	Symbol   string           `json:"symbol" yaml:"symbol"`
	Name     string           `json:"name" yaml:"name"`
	Mint     solana.PublicKey `json:"mint" yaml:"-"`
	Decimals uint8            `json:"decimals" yaml:"decimals"`
}

// Directory is immutable after construction and safe for concurrent use.
type Directory struct {
	byMint   map[solana.PublicKey]Token
	bySymbol map[string]Token
	ordered  []Token
}

func NewDirectory(items []Token) (*Directory, error) {
	dir := &Directory{
		byMint:   make(map[solana.PublicKey]Token, len(items)),
		bySymbol: make(map[string]Token, len(items)),
		ordered:  make([]Token, 0, len(items)),
	}
	for _, item := range items {
		item.Symbol = strings.ToUpper(strings.TrimSpace(item.Symbol))
		if item.Symbol == "" {
			return nil, fmt.Errorf("token %s: symbol is required", item.Mint)
		}
		if item.Mint.IsZero() {
			return nil, fmt.Errorf("token %s: mint is required", item.Symbol)
		}
		if item.Decimals > 19 {
			return nil, fmt.Errorf("token %s: decimals %d out of range", item.Symbol, item.Decimals)
		}
		if _, dup := dir.byMint[item.Mint]; dup {
			return nil, fmt.Errorf("token %s: duplicate mint %s", item.Symbol, item.Mint)
		}
		if _, dup := dir.bySymbol[item.Symbol]; dup {
			return nil, fmt.Errorf("duplicate token symbol %s", item.Symbol)
		}
		dir.byMint[item.Mint] = item
		dir.bySymbol[item.Symbol] = item
		dir.ordered = append(dir.ordered, item)
	}
	sort.Slice(dir.ordered, func(i, j int) bool { return dir.ordered[i].Symbol < dir.ordered[j].Symbol })
	return dir, nil
}

func Default() *Directory {
	dir, err := NewDirectory(defaultTokens())
	if err != nil {
		panic(fmt.Errorf("default token directory: %w", err))
	}
	return dir
}

func defaultTokens() []Token {
	return []Token{
		{Symbol: "SOL", Name: "Wrapped SOL", Mint: solana.SolMint, Decimals: 9},
		{Symbol: "SPERG", Name: "Sperg", Mint: solana.MustPublicKeyFromBase58("4vKEwZ2ZHmHFuQEE69emXV2Zq1EKeJYVCESsMqydpump"), Decimals: 9},
		{Symbol: "BONK", Name: "Bonk", Mint: solana.MustPublicKeyFromBase58("DezXAZ8z7PnrnRJjz3wXBoRgixCa6xjnB7YaB1pPB263"), Decimals: 9},
		{Symbol: "USDC", Name: "USD Coin", Mint: solana.MustPublicKeyFromBase58("EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"), Decimals: 6},
	}
}

type fileToken struct {
	Symbol   string `yaml:"symbol"`
	Name     string `yaml:"name"`
	Mint     string `yaml:"mint"`
	Decimals uint8  `yaml:"decimals"`
}

type fileDirectory struct {
	Tokens []fileToken `yaml:"tokens"`
}

// Load reads a YAML directory. An empty path returns the built-in set.
func Load(path string) (*Directory, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return Default(), nil
	}
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read token directory %q: %w", path, err)
	}
	return Parse(body)
}

func Parse(body []byte) (*Directory, error) {
	var raw fileDirectory
	if err := yaml.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parse token directory: %w", err)
	}
	items := make([]Token, 0, len(raw.Tokens))
	for _, item := range raw.Tokens {
		mint, err := solana.PublicKeyFromBase58(strings.TrimSpace(item.Mint))
		if err != nil {
			return nil, fmt.Errorf("token %s: invalid mint %q: %w", item.Symbol, item.Mint, err)
		}
		items = append(items, Token{
			Symbol:   item.Symbol,
			Name:     item.Name,
			Mint:     mint,
			Decimals: item.Decimals,
		})
	}
	return NewDirectory(items)
}

func (d *Directory) ByMint(mint solana.PublicKey) (Token, bool) {
	token, ok := d.byMint[mint]
	return token, ok
}

func (d *Directory) BySymbol(symbol string) (Token, bool) {
	token, ok := d.bySymbol[strings.ToUpper(strings.TrimSpace(symbol))]
	return token, ok
}

// Resolve accepts a symbol or a base58 mint.
func (d *Directory) Resolve(ref string) (Token, error) {
	if token, ok := d.BySymbol(ref); ok {
		return token, nil
	}
	mint, err := solana.PublicKeyFromBase58(strings.TrimSpace(ref))
	if err != nil {
		return Token{}, fmt.Errorf("%w: %q", ErrUnknownToken, ref)
	}
	if token, ok := d.byMint[mint]; ok {
		return token, nil
	}
	return Token{}, fmt.Errorf("%w: mint %s", ErrUnknownToken, mint)
}

// ResolveOrRaw is Resolve, except that a well-formed mint missing from the
// directory is returned as a token labelled by its address with zero decimals,
// so amounts for it are read and printed in base units.
func (d *Directory) ResolveOrRaw(ref string) (Token, error) {
	token, err := d.Resolve(ref)
	if err == nil || !errors.Is(err, ErrUnknownToken) {
		return token, err
	}
	mint, parseErr := solana.PublicKeyFromBase58(strings.TrimSpace(ref))
	if parseErr != nil {
		return Token{}, err
	}
	return Token{Symbol: mint.String(), Mint: mint}, nil
}

func (d *Directory) List() []Token {
	out := make([]Token, len(d.ordered))
	copy(out, d.ordered)
	return out
}

// Label returns the symbol for known mints and the base58 mint otherwise.
func (d *Directory) Label(mint solana.PublicKey) string {
	if token, ok := d.byMint[mint]; ok {
		return token.Symbol
	}
	return mint.String()
}

// ParseAmount converts a decimal string such as "1.25" to base units.
func ParseAmount(raw string, decimals uint8) (uint64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("amount is required")
	}
	value, ok := new(big.Rat).SetString(raw)
	if !ok {
		return 0, fmt.Errorf("invalid amount %q", raw)
	}
	if value.Sign() < 0 {
		return 0, fmt.Errorf("invalid amount %q: must not be negative", raw)
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	value.Mul(value, new(big.Rat).SetInt(scale))
	if !value.IsInt() {
		return 0, fmt.Errorf("invalid amount %q: more than %d decimal places", raw, decimals)
	}
	units := value.Num()
	if !units.IsUint64() {
		return 0, fmt.Errorf("invalid amount %q: overflows u64", raw)
	}
	return units.Uint64(), nil
}

// FormatAmount renders base units with trailing zeros trimmed.
func FormatAmount(units uint64, decimals uint8) string {
	if decimals == 0 {
		return new(big.Int).SetUint64(units).String()
	}
	digits := new(big.Int).SetUint64(units).String()
	if len(digits) <= int(decimals) {
		digits = strings.Repeat("0", int(decimals)-len(digits)+1) + digits
	}
	whole := digits[:len(digits)-int(decimals)]
	frac := strings.TrimRight(digits[len(digits)-int(decimals):], "0")
	if frac == "" {
		return whole
	}
	return whole + "." + frac
}

func (t Token) Format(units uint64) string {
	return FormatAmount(units, t.Decimals) + " " + t.Symbol
}

func (t Token) Parse(raw string) (uint64, error) {
	return ParseAmount(raw, t.Decimals)
}
