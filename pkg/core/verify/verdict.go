// Package verify classifies an observed rail payment against the expected
// settlement amount. Classification is pure integer math on quote micros.
package verify

// Verdict is the five-tier classification of actual vs expected payment.
type Verdict int8

const (
	VerdictInvalid           Verdict = iota // no payment found, or nonsense amounts
	VerdictSeverelyUnderpaid                // below half of expected
	VerdictUnderpaid                        // half up to 99.5% of expected
	VerdictExact                            // within the 99.5%..100.5% band
	VerdictOverpaid                         // 100.5% of expected or more
)

func (v Verdict) String() string {
	switch v {
	case VerdictInvalid:
		return "invalid"
	case VerdictSeverelyUnderpaid:
		return "severely_underpaid"
	case VerdictUnderpaid:
		return "underpaid"
	case VerdictExact:
		return "exact"
	case VerdictOverpaid:
		return "overpaid"
	default:
		return "unknown"
	}
}

// Shortfall reports whether the verdict settles for less than full value.
func (v Verdict) Shortfall() bool {
	return v == VerdictInvalid || v == VerdictSeverelyUnderpaid || v == VerdictUnderpaid
}

// Classify buckets an actual payment against the expected amount.
// Band edges are inclusive on the low side: actual == 99.5% of expected is
// Exact, actual == 100.5% is Overpaid, actual == 50% is Underpaid.
func Classify(expected, actual int64) Verdict {
	if expected <= 0 || actual <= 0 {
		return VerdictInvalid
	}
	switch {
	case actual*1000 >= expected*1005:
		return VerdictOverpaid
	case actual*1000 >= expected*995:
		return VerdictExact
	case actual*2 >= expected:
		return VerdictUnderpaid
	default:
		return VerdictSeverelyUnderpaid
	}
}

// RatioBps returns actual/expected in basis points, capped at 10000 so an
// overpayment never settles for more than the escrowed value.
func RatioBps(expected, actual int64) uint32 {
	if expected <= 0 || actual <= 0 {
		return 0
	}
	bps := actual * 10_000 / expected
	if bps > 10_000 {
		bps = 10_000
	}
	return uint32(bps)
}
