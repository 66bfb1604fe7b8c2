package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// envReader parses typed settings and keeps the first error, so a loader can
// read every key and check once at the end.
type envReader struct {
	err error
}

// lookup returns the trimmed raw value, or ok=false when the key is unset or
// an earlier key already failed.
func (r *envReader) lookup(key string) (string, bool) {
	if r.err != nil {
		return "", false
	}
	raw := valueForKey(key)
	return raw, raw != ""
}

func (r *envReader) fail(key string, err error) {
	if r.err == nil {
		r.err = fmt.Errorf("invalid %s: %w", key, err)
	}
}

func (r *envReader) pubkey(key string, fallback solana.PublicKey) solana.PublicKey {
	raw, ok := r.lookup(key)
	if !ok {
		return fallback
	}
	pk, err := solana.PublicKeyFromBase58(raw)
	if err != nil {
		r.fail(key, err)
		return fallback
	}
	return pk
}

func (r *envReader) commitment(key string, fallback rpc.CommitmentType) rpc.CommitmentType {
	raw, ok := r.lookup(key)
	if !ok {
		return fallback
	}
	switch c := rpc.CommitmentType(strings.ToLower(raw)); c {
	case rpc.CommitmentProcessed, rpc.CommitmentConfirmed, rpc.CommitmentFinalized:
		return c
	}
	r.fail(key, fmt.Errorf("%q (expected processed|confirmed|finalized)", raw))
	return fallback
}

// duration rejects zero and negative values.
func (r *envReader) duration(key string, fallback time.Duration) time.Duration {
	raw, ok := r.lookup(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	switch {
	case err != nil:
		r.fail(key, err)
	case d <= 0:
		r.fail(key, fmt.Errorf("must be > 0"))
	default:
		return d
	}
	return fallback
}

func (r *envReader) positiveInt(key string, fallback int) int {
	raw, ok := r.lookup(key)
	if !ok {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	switch {
	case err != nil:
		r.fail(key, err)
	case v <= 0:
		r.fail(key, fmt.Errorf("must be > 0"))
	default:
		return v
	}
	return fallback
}

// unsigned parses an unsigned value that must fit in bits.
func (r *envReader) unsigned(key string, fallback uint64, bits int) uint64 {
	raw, ok := r.lookup(key)
	if !ok {
		return fallback
	}
	v, err := strconv.ParseUint(raw, 10, bits)
	if err != nil {
		r.fail(key, err)
		return fallback
	}
	return v
}

// optionalUint returns nil when the key is unset.
func (r *envReader) optionalUint(key string) *uint {
	if _, ok := r.lookup(key); !ok {
		return nil
	}
	v := uint(r.unsigned(key, 0, strconv.IntSize))
	if r.err != nil {
		return nil
	}
	return &v
}

func (r *envReader) boolean(key string, fallback bool) bool {
	raw, ok := r.lookup(key)
	if !ok {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		r.fail(key, err)
		return fallback
	}
	return v
}

// path reads a file path and expands a leading "~".
func (r *envReader) path(key, fallback string) string {
	raw, ok := r.lookup(key)
	if !ok {
		raw = fallback
	}
	expanded, err := expandHomePath(raw)
	if err != nil {
		r.fail(key, err)
		return raw
	}
	return expanded
}

func envOrDefault(key, fallback string) string {
	if value := valueForKey(key); value != "" {
		return value
	}
	return fallback
}

// parseCSVEnv splits a comma list and drops blanks. fallback is returned when
// nothing is left.
func parseCSVEnv(raw string, fallback []string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if value := strings.TrimSpace(part); value != "" {
			out = append(out, value)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

func expandHomePath(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, strings.TrimPrefix(path, "~")), nil
}
