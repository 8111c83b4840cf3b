package cache

import (
	"strconv"
	"time"
)

// Rejection reasons reported to metrics. Stable label values.
const (
	RejectKeyEmpty    = "key_empty"
	RejectKeyTooLong  = "key_too_long"
	RejectKeyControl  = "key_control_char"
	RejectValueEncode = "value_not_serializable"
	RejectValueSize   = "value_too_large"
	RejectTTLNegative = "ttl_negative"
	RejectTTLTooLong  = "ttl_too_long"
	RejectCapacity    = "entry_exceeds_capacity"
)

const (
	defaultMaxKeyLen = 1000
	defaultMaxTTL    = 365 * 24 * time.Hour
)

// validator performs admission checks. It rejects, never coerces: a bad key,
// an unserializable value, or an out-of-range TTL surfaces as ErrValidation
// before any mutation happens. The paranoia profile narrows every ceiling.
type validator struct {
	maxKeyLen   int
	maxValueLen int // 0 = bounded only by capacity admission
	maxTTL      time.Duration
}

func newValidator(paranoia bool) validator {
	if paranoia {
		return validator{
			maxKeyLen:   paranoiaMaxKeyLen,
			maxValueLen: paranoiaMaxValueLen,
			maxTTL:      paranoiaMaxTTL,
		}
	}
	return validator{maxKeyLen: defaultMaxKeyLen, maxTTL: defaultMaxTTL}
}

// key rejects empty, oversized, and control-character keys.
// The returned reason is a metrics label; the error wraps ErrValidation.
func (v validator) key(key string) (string, error) {
	if key == "" {
		return RejectKeyEmpty, validationErr("key", "must not be empty")
	}
	if len(key) > v.maxKeyLen {
		return RejectKeyTooLong, validationErr("key",
			"length "+strconv.Itoa(len(key))+" exceeds "+strconv.Itoa(v.maxKeyLen))
	}
	for i := 0; i < len(key); i++ {
		if c := key[i]; c < 0x20 || c == 0x7f {
			return RejectKeyControl, validationErr("key", "contains control byte at index "+strconv.Itoa(i))
		}
	}
	return "", nil
}

// ttl rejects TTLs outside [0, ceiling]. Zero means "never expires";
// that choice is pinned by an explicit test.
func (v validator) ttl(ttl time.Duration) (string, error) {
	if ttl < 0 {
		return RejectTTLNegative, validationErr("ttl", "must not be negative")
	}
	if ttl > v.maxTTL {
		return RejectTTLTooLong, validationErr("ttl", ttl.String()+" exceeds "+v.maxTTL.String())
	}
	return "", nil
}

// valueLen rejects encoded values above the profile ceiling (paranoia only).
func (v validator) valueLen(n int) (string, error) {
	if v.maxValueLen > 0 && n > v.maxValueLen {
		return RejectValueSize, validationErr("value",
			"encoded length "+strconv.Itoa(n)+" exceeds "+strconv.Itoa(v.maxValueLen))
	}
	return "", nil
}
