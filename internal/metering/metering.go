// Package metering extracts convenience readings from OCPP sampledValue lists.
package metering

import (
	"encoding/json"
	"strings"
	"time"

	"chargehub/internal/normalize"
)

const (
	MeasurandEnergyImportRegister = "energy.active.import.register"
	MeasurandPowerImport          = "power.active.import"
	MeasurandVoltage              = "voltage"
	MeasurandCurrentImport        = "current.import"
)

// Reading is one parsed meterValue element.
type Reading struct {
	Timestamp    time.Time
	HasTimestamp bool
	Raw          json.RawMessage
	EnergyKWh    *float64
	PowerKW      *float64
	Voltage      *float64
	Current      *float64
}

// ParseBatch turns every meterValue element into exactly one Reading.
func ParseBatch(batch []any) []Reading {
	out := make([]Reading, 0, len(batch))
	for _, el := range batch {
		out = append(out, Parse(el))
	}
	return out
}

// Parse reads one meterValue element. Non-numeric sampled values are skipped;
// a later sample for the same measurand overrides an earlier one, except that
// an unrecognised unit leaves the earlier value in place.
func Parse(el any) Reading {
	var r Reading
	r.Raw, _ = json.Marshal(el)

	mv, ok := el.(map[string]any)
	if !ok {
		return r
	}
	if s, ok := mv["timestamp"].(string); ok {
		r.Timestamp, r.HasTimestamp = normalize.ParseTime(s)
	}

	samples, _ := mv["sampledValue"].([]any)
	for _, s := range samples {
		sv, ok := s.(map[string]any)
		if !ok {
			continue
		}
		num, ok := normalize.Float(sv["value"])
		if !ok {
			continue
		}
		measurand := strings.ToLower(str(sv["measurand"]))
		unit := strings.ToUpper(str(sv["unit"]))

		switch measurand {
		case MeasurandEnergyImportRegister:
			if v, ok := convert(num, unit, "WH", "KWH"); ok {
				r.EnergyKWh = &v
			}
		case MeasurandPowerImport:
			if v, ok := convert(num, unit, "W", "KW"); ok {
				r.PowerKW = &v
			}
		case MeasurandVoltage:
			v := num
			r.Voltage = &v
		case MeasurandCurrentImport:
			v := num
			r.Current = &v
		}
	}
	return r
}

// convert scales a base-unit value down by 1000 and passes the kilo unit through.
func convert(v float64, unit, base, kilo string) (float64, bool) {
	switch unit {
	case base:
		return v / 1000.0, true
	case kilo:
		return v, true
	}
	return 0, false
}

// WhToKWh is the start/stop meter conversion; watt-hours are the only
// supported transaction meter unit.
func WhToKWh(wh float64) float64 {
	return wh / 1000.0
}

func str(v any) string {
	s, _ := v.(string)
	return s
}
