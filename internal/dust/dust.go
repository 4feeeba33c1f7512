// Package dust implements the fee-token economic model: a pure function of a
// token's creation parameters and wall-clock time. Fee tokens accrue value
// linearly at RatePerSecond from their creation time until they hit capacity.
package dust

import (
	"math"
	"math/big"
	"time"

	"github.com/duskwallet/wallet-sync/internal/domain"
)

// Never is the sentinel returned by TimeToCapacity when a token can never
// reach capacity (zero generation rate)
const Never = time.Duration(math.MaxInt64)

var (
	big1000 = big.NewInt(1000)
)

// CurrentValue computes the accrued value of token at now.
//
// The accrued amount is floor(elapsed_seconds * rate), computed at
// millisecond resolution so fractional seconds round down rather than being
// dropped wholesale. If now precedes the token's creation time (clock skew or
// replay) the initial value is returned unchanged; accrual never extrapolates
// backward. The result is capped at the token's capacity.
func CurrentValue(token *domain.FeeToken, now time.Time) *big.Int {
	if !now.After(token.CreatedAt) {
		return capAt(new(big.Int).Set(token.InitialValue), token.Capacity)
	}

	elapsedMillis := big.NewInt(now.Sub(token.CreatedAt).Milliseconds())

	// floor(elapsed_ms * rate / 1000); big.Int Quo truncates toward zero,
	// which is floor for non-negative operands
	generated := new(big.Int).Mul(elapsedMillis, token.RatePerSecond)
	generated.Quo(generated, big1000)

	current := new(big.Int).Add(token.InitialValue, generated)
	return capAt(current, token.Capacity)
}

// IsAtCapacity reports whether token has stopped accruing value at now
func IsAtCapacity(token *domain.FeeToken, now time.Time) bool {
	return CurrentValue(token, now).Cmp(token.Capacity) >= 0
}

// TimeToCapacity returns how long after now the token reaches capacity,
// rounded up so callers never act one tick early. It returns 0 when the token
// is already at capacity and Never when the generation rate is zero.
func TimeToCapacity(token *domain.FeeToken, now time.Time) time.Duration {
	current := CurrentValue(token, now)
	remaining := new(big.Int).Sub(token.Capacity, current)
	if remaining.Sign() <= 0 {
		return 0
	}
	if token.RatePerSecond.Sign() == 0 {
		return Never
	}

	// ceil(remaining / rate) seconds
	seconds, rem := new(big.Int).QuoRem(remaining, token.RatePerSecond, new(big.Int))
	if rem.Sign() != 0 {
		seconds.Add(seconds, big.NewInt(1))
	}

	maxSeconds := big.NewInt(int64(Never / time.Second))
	if seconds.Cmp(maxSeconds) >= 0 {
		return Never
	}
	return time.Duration(seconds.Int64()) * time.Second
}

// TotalBalance sums the current values of all AVAILABLE tokens at now.
// Pending and spent tokens contribute nothing.
func TotalBalance(tokens []domain.FeeToken, now time.Time) *big.Int {
	total := new(big.Int)
	for i := range tokens {
		if tokens[i].State != domain.OutputStateAvailable {
			continue
		}
		total.Add(total, CurrentValue(&tokens[i], now))
	}
	return total
}

func capAt(v, capacity *big.Int) *big.Int {
	if v.Cmp(capacity) > 0 {
		return new(big.Int).Set(capacity)
	}
	return v
}
