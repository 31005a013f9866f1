package codec

// Per-field sanity bounds used by the quality score. The score starts at
// 1.0 and is debited per out-of-range field, clamped at 0.
const (
	moistureMinPct = 0.0
	moistureMaxPct = 100.0

	temperatureMinC = -10.0
	temperatureMaxC = 60.0

	// Lithium packs on field units read ~4.2 V full; below 3.3 V the
	// radio browns out and values become suspect.
	lowVoltageV = 3.3

	// AOS stations run 12 V SLA batteries.
	weatherLowBatteryV = 11.0
)

type qualityScore struct {
	score float64
}

func newQualityScore() *qualityScore { return &qualityScore{score: 1.0} }

func (q *qualityScore) moisture(v float64) {
	if v < moistureMinPct || v > moistureMaxPct {
		q.score -= 0.2
	}
}

func (q *qualityScore) temperature(v *float64) {
	if v != nil && (*v < temperatureMinC || *v > temperatureMaxC) {
		q.score -= 0.1
	}
}

func (q *qualityScore) voltage(v *float64, threshold float64) {
	if v != nil && *v < threshold {
		q.score -= 0.2
	}
}

func (q *qualityScore) value() float64 {
	if q.score < 0 {
		return 0
	}
	return q.score
}
