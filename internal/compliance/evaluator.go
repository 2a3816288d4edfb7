// Package compliance classifies readings against SLA thresholds.
package compliance

import (
	"github.com/HendrickFS/bio-supply-twin/internal/model"
)

// Evaluate compares a reading against a threshold and classifies it.
// Bounds form a closed interval: equality to a bound is compliant. A nil
// threshold yields VerdictUnevaluated, never a silently compliant verdict.
func Evaluate(r model.Reading, t *model.Threshold) model.Verdict {
	if t == nil {
		return model.Verdict{State: model.VerdictUnevaluated}
	}

	var violated []model.Dimension
	var severity float64

	check := func(dim model.Dimension, deviation float64) {
		if deviation <= 0 {
			return
		}
		violated = append(violated, dim)
		if deviation > severity {
			severity = deviation
		}
	}

	check(model.DimensionTemperatureLow, t.MinTemperature-r.Temperature)
	check(model.DimensionTemperatureHigh, r.Temperature-t.MaxTemperature)
	check(model.DimensionHumidityLow, t.MinHumidity-r.Humidity)
	check(model.DimensionHumidityHigh, r.Humidity-t.MaxHumidity)

	if len(violated) == 0 {
		return model.Verdict{State: model.VerdictCompliant}
	}

	return model.Verdict{
		State:              model.VerdictNonCompliant,
		ViolatedDimensions: violated,
		Severity:           severity,
	}
}
