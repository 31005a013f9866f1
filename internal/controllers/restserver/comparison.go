package restserver

import (
	"fmt"
	"net/http"
	"strings"

	"gonum.org/v1/gonum/stat"

	"github.com/munbon/sensorhub/internal/storage/timescale"
	"github.com/munbon/sensorhub/internal/types"
)

const maxComparisonSensors = 10

type sensorSummary struct {
	SensorID string  `json:"sensor_id"`
	Count    int     `json:"count"`
	Mean     float64 `json:"mean"`
	StdDev   float64 `json:"stddev"`
	Min      float64 `json:"min"`
	Max      float64 `json:"max"`
}

type correlationPair struct {
	A           string  `json:"a"`
	B           string  `json:"b"`
	Correlation float64 `json:"correlation"`
	Samples     int     `json:"samples"`
}

// FamilyComparison serves GET /api/v1/{family}/comparison: per-sensor
// summary statistics plus pairwise Pearson correlation of the family
// metric over a shared window.
func (h *Handlers) FamilyComparison(w http.ResponseWriter, r *http.Request) {
	c := h.controller
	family, ok := h.resolveFamily(w, r)
	if !ok {
		return
	}

	ids := splitNonEmpty(r.URL.Query().Get("sensor_ids"))
	if len(ids) < 2 {
		c.formatter.WriteError(w, r, http.StatusBadRequest, "sensor_ids must name at least two sensors")
		return
	}
	if len(ids) > maxComparisonSensors {
		c.formatter.WriteError(w, r, http.StatusBadRequest,
			fmt.Sprintf("sensor_ids is capped at %d sensors", maxComparisonSensors))
		return
	}

	from, to, err := parseWindow(r)
	if err != nil {
		c.formatter.WriteError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	series := make(map[string][]float64, len(ids))
	summaries := make([]sensorSummary, 0, len(ids))
	for _, id := range ids {
		page, err := c.store.Series(r.Context(), family,
			timescale.Filter{SensorIDs: []string{id}}, from, to, timescale.MaxSeriesRows, "")
		if err != nil {
			h.storeError(w, r, err)
			return
		}
		values := metricValues(page.Readings)
		series[id] = values
		summaries = append(summaries, summarize(id, values))
	}

	var pairs []correlationPair
	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			pairs = append(pairs, correlate(ids[i], ids[j], series[ids[i]], series[ids[j]]))
		}
	}

	c.formatter.Write(w, r, http.StatusOK, map[string]interface{}{
		"start":        from,
		"end":          to,
		"sensors":      summaries,
		"correlations": pairs,
	})
}

func summarize(id string, values []float64) sensorSummary {
	s := sensorSummary{SensorID: id, Count: len(values)}
	if len(values) == 0 {
		return s
	}
	s.Mean = stat.Mean(values, nil)
	if len(values) > 1 {
		s.StdDev = stat.StdDev(values, nil)
	}
	s.Min, s.Max = values[0], values[0]
	for _, v := range values[1:] {
		if v < s.Min {
			s.Min = v
		}
		if v > s.Max {
			s.Max = v
		}
	}
	return s
}

// correlate aligns two series by truncating to the shorter one. Device
// clocks report on near-identical schedules, so positional alignment is
// a fair approximation for a shared window.
func correlate(a, b string, xs, ys []float64) correlationPair {
	n := len(xs)
	if len(ys) < n {
		n = len(ys)
	}
	pair := correlationPair{A: a, B: b, Samples: n}
	if n >= 2 {
		pair.Correlation = stat.Correlation(xs[:n], ys[:n], nil)
	}
	return pair
}

// metricValues extracts the family's primary metric from each reading.
func metricValues(readings []types.Reading) []float64 {
	values := make([]float64, 0, len(readings))
	for _, r := range readings {
		switch v := r.(type) {
		case *types.WaterLevelReading:
			values = append(values, v.LevelCm)
		case *types.MoistureReading:
			values = append(values, v.MoistureSurfacePct)
		case *types.WeatherReading:
			if v.RainfallMm != nil {
				values = append(values, *v.RainfallMm)
			}
		}
	}
	return values
}

func splitNonEmpty(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
