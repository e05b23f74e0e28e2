package password

import (
	"fmt"
	"math"
	"os"
	"runtime"
	"strconv"
	"strings"
)

// Argon2idParams controls Argon2id hashing cost.
// MemoryKiB is in KiB as required by argon2.IDKey.
type Argon2idParams struct {
	MemoryKiB   uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// Policy controls password validation and anti-DoS boundaries.
type Policy struct {
	MinLength      int
	MaxLength      int
	RejectVeryWeak bool
}

// Legacy controls which pre-Argon2id credentials Verify accepts.
type Legacy struct {
	// AllowPlaintext accepts stored values that are not a recognized hash
	// and compares them verbatim. Off by default.
	AllowPlaintext bool
	// MaxBcryptCost bounds the cost of bcrypt hashes Verify will evaluate.
	MaxBcryptCost int
}

// Config is the single configuration surface for this package.
type Config struct {
	Params Argon2idParams
	Policy Policy
	Legacy Legacy
}

// DefaultConfig returns the baseline used by the server.
func DefaultConfig() Config {
	threads := runtime.NumCPU()
	if threads <= 0 {
		threads = 1
	}
	if threads > 4 {
		threads = 4
	}

	return Config{
		Params: Argon2idParams{
			MemoryKiB:   64 * 1024,
			Iterations:  3,
			Parallelism: uint8(threads), // #nosec G115 -- clamped to [1..4] above.
			SaltLength:  16,
			KeyLength:   32,
		},
		Policy: Policy{
			MinLength: 8,
			MaxLength: 256,
		},
		Legacy: Legacy{
			MaxBcryptCost: 14,
		},
	}
}

// FromEnv loads config from environment variables.
//
// Env surface:
// - WHISPER_PASSWORD_MIN_LEN, WHISPER_PASSWORD_MAX_LEN
// - WHISPER_PASSWORD_REJECT_VERY_WEAK (true/false)
// - WHISPER_ARGON2_MEMORY_KIB, WHISPER_ARGON2_ITERATIONS, WHISPER_ARGON2_PARALLELISM
// - WHISPER_ARGON2_SALT_LEN, WHISPER_ARGON2_KEY_LEN
// - WHISPER_AUTH_ALLOW_PLAINTEXT (true/false)
func FromEnv() (Config, error) {
	cfg := DefaultConfig()

	ints := []struct {
		key      string
		min, max int
		dst      *int
	}{
		{"WHISPER_PASSWORD_MIN_LEN", 1, 1024, &cfg.Policy.MinLength},
		{"WHISPER_PASSWORD_MAX_LEN", 1, 4096, &cfg.Policy.MaxLength},
	}
	for _, f := range ints {
		v, ok := os.LookupEnv(f.key)
		if !ok {
			continue
		}
		n, err := atoiRange(v, f.min, f.max)
		if err != nil {
			return Config{}, fmt.Errorf("%s: %w", f.key, err)
		}
		*f.dst = n
	}

	u32s := []struct {
		key      string
		min, max uint32
		dst      *uint32
	}{
		{"WHISPER_ARGON2_MEMORY_KIB", 8 * 1024, 1024 * 1024, &cfg.Params.MemoryKiB},
		{"WHISPER_ARGON2_ITERATIONS", 1, 20, &cfg.Params.Iterations},
		{"WHISPER_ARGON2_SALT_LEN", 8, 64, &cfg.Params.SaltLength},
		{"WHISPER_ARGON2_KEY_LEN", 16, 64, &cfg.Params.KeyLength},
	}
	for _, f := range u32s {
		v, ok := os.LookupEnv(f.key)
		if !ok {
			continue
		}
		u, err := atou32(v, f.min, f.max)
		if err != nil {
			return Config{}, fmt.Errorf("%s: %w", f.key, err)
		}
		*f.dst = u
	}

	if v, ok := os.LookupEnv("WHISPER_ARGON2_PARALLELISM"); ok {
		u, err := atou32(v, 1, math.MaxUint8)
		if err != nil {
			return Config{}, fmt.Errorf("WHISPER_ARGON2_PARALLELISM: %w", err)
		}
		cfg.Params.Parallelism = uint8(u) // #nosec G115 -- bounded by atou32 above.
	}

	bools := []struct {
		key string
		dst *bool
	}{
		{"WHISPER_PASSWORD_REJECT_VERY_WEAK", &cfg.Policy.RejectVeryWeak},
		{"WHISPER_AUTH_ALLOW_PLAINTEXT", &cfg.Legacy.AllowPlaintext},
	}
	for _, f := range bools {
		v, ok := os.LookupEnv(f.key)
		if !ok {
			continue
		}
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return Config{}, fmt.Errorf("%s: invalid boolean", f.key)
		}
		*f.dst = b
	}

	if cfg.Policy.MinLength > cfg.Policy.MaxLength {
		return Config{}, fmt.Errorf(
			"password policy invalid: min_len(%d) > max_len(%d)",
			cfg.Policy.MinLength,
			cfg.Policy.MaxLength,
		)
	}
	return cfg, nil
}

func atoiRange(s string, minVal, maxVal int) (int, error) {
	i64, err := strconv.ParseInt(strings.TrimSpace(s), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("not an integer")
	}
	i := int(i64)
	if i < minVal || i > maxVal {
		return 0, fmt.Errorf("out of range [%d..%d]", minVal, maxVal)
	}
	return i, nil
}

func atou32(s string, minVal, maxVal uint32) (uint32, error) {
	u64, err := strconv.ParseUint(strings.TrimSpace(s), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("not an unsigned integer")
	}
	u := uint32(u64)
	if u < minVal || u > maxVal {
		return 0, fmt.Errorf("out of range [%d..%d]", minVal, maxVal)
	}
	return u, nil
}
