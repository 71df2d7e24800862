package common

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"math/rand"
	"sync/atomic"
	"time"
)

// Iff is a ternary-style selector: it returns trueVal if test is true,
// falseVal otherwise.
func Iff[T any](test bool, trueVal, falseVal T) T {
	if test {
		return trueVal
	}
	return falseVal
}

// The AtomicMorpherInt64 function accepts the value of the target and returns
// the value to replace it with plus an arbitrary result to hand back to the caller.
type AtomicMorpherInt64 func(startVal int64) (val int64, morphResult interface{})

// AtomicMorphInt64 atomically morphs the target in to the new value (and
// result) as indicated by the specified function.
func AtomicMorphInt64(target *int64, morpher AtomicMorpherInt64) interface{} {
	for {
		currentVal := atomic.LoadInt64(target)
		desiredVal, morphResult := morpher(currentVal)
		if atomic.CompareAndSwapInt64(target, currentVal, desiredVal) {
			return morphResult
		}
	}
}

// MD5Hex returns the lowercase hex MD5 digest of data. Used for cache keys
// and backup identifiers, never for anything security sensitive.
func MD5Hex(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// SHA256HexShort returns the first 16 hex chars of the SHA-256 digest of data.
// API keys are stored in this form so raw records never hold the key itself.
func SHA256HexShort(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:16]
}

// ApplyJitter spreads a delay by up to ±frac of its value so that retries
// scheduled together do not all fire together.
func ApplyJitter(d time.Duration, frac float64) time.Duration {
	if d <= 0 || frac <= 0 {
		return d
	}
	spread := (rand.Float64()*2 - 1) * frac // in [-frac, +frac)
	jittered := time.Duration(float64(d) * (1 + spread))
	if jittered < 0 {
		return 0
	}
	return jittered
}
