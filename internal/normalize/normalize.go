// Package normalize maps loosely typed station payloads onto the canonical
// field set each event handler declares, then validates it.
package normalize

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"chargehub/internal/apperr"
)

type Kind int

const (
	KindString Kind = iota
	KindInt
	KindNumber
	KindArray
	KindObject
	KindDate
	KindEnum
)

type Field struct {
	Name     string
	Kind     Kind
	Required bool
	MaxLen   int
	// Min applies to KindInt.
	Min int
	// Enum lists canonical values for KindEnum; EnumAliases maps accepted
	// spellings onto them.
	Enum        []string
	EnumAliases map[string]string
}

type Schema struct {
	Event  string
	Fields []Field
	// RecoverRelay pulls transactionId/meterValue out of a nested "raw"
	// object when an upstream relay left the top level empty.
	RecoverRelay bool
}

// aliases lists, per canonical field, the accepted source keys in priority order.
var aliases = map[string][]string{
	"station_code":  {"station_code", "stationCode"},
	"connector":     {"connector", "connectorId", "connector_id"},
	"idTag":         {"idTag", "id_tag"},
	"meterValue":    {"meterValue", "meter_value", "meterValues"},
	"transactionId": {"transactionId", "transaction_id"},
	"meterStart":    {"meterStart", "meter_start"},
	"meterStop":     {"meterStop", "meter_stop"},
	"errorCode":     {"errorCode", "error_code"},
	"total_kwh":     {"total_kwh", "totalKwh"},
	"total_cost":    {"total_cost", "totalCost"},
	"firmware":      {"firmware", "firmwareVersion", "firmware_version"},
}

// Normalize resolves aliases, coerces values and validates them against s.
// The returned Fields hold only declared fields that carried a value.
func Normalize(s Schema, in map[string]any) (Fields, error) {
	resolved := make(map[string]any, len(s.Fields))
	for _, f := range s.Fields {
		if v, ok := lookup(in, f.Name); ok {
			resolved[f.Name] = v
		}
	}

	if v, ok := resolved["transactionId"]; ok {
		resolved["transactionId"] = coerceIdentifier(v)
	}
	if s.RecoverRelay {
		recoverRelay(in, resolved)
	}

	out := make(Fields, len(resolved))
	problems := map[string]string{}
	for _, f := range s.Fields {
		v, present := resolved[f.Name]
		if !present || isEmpty(v) {
			if f.Required {
				problems[f.Name] = "required"
			}
			continue
		}
		val, msg := coerce(f, v)
		if msg != "" {
			problems[f.Name] = msg
			continue
		}
		out[f.Name] = val
	}

	if len(problems) > 0 {
		return nil, apperr.NewValidationError(problems)
	}
	return out, nil
}

func lookup(in map[string]any, canonical string) (any, bool) {
	keys, ok := aliases[canonical]
	if !ok {
		keys = []string{canonical}
	}
	for _, k := range keys {
		if v, ok := in[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func recoverRelay(in map[string]any, resolved map[string]any) {
	raw, ok := in["raw"].(map[string]any)
	if !ok {
		return
	}
	if v, ok := resolved["transactionId"]; !ok || isEmpty(v) {
		if tx, ok := raw["transaction_id"]; ok && tx != nil {
			resolved["transactionId"] = stringify(tx)
		}
	}
	if v, ok := resolved["meterValue"]; !ok || isEmpty(v) {
		if mv, ok := raw["meter_value"]; ok && mv != nil {
			resolved["meterValue"] = mv
		}
	}
}

// coerceIdentifier turns numeric transaction ids into their string form;
// protocol identifiers are opaque and must not pass through float64.
func coerceIdentifier(v any) any {
	switch v.(type) {
	case float64, float32, int, int32, int64, json.Number:
		return stringify(v)
	}
	return v
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case int:
		return strconv.Itoa(t)
	case int32:
		return strconv.FormatInt(int64(t), 10)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		if t {
			return "1"
		}
		return ""
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []any:
		return len(t) == 0
	}
	return false
}

func coerce(f Field, v any) (any, string) {
	switch f.Kind {
	case KindString:
		s, ok := v.(string)
		if !ok {
			return nil, "must be a string"
		}
		s = strings.TrimSpace(s)
		if f.MaxLen > 0 && len(s) > f.MaxLen {
			return nil, "must not exceed " + strconv.Itoa(f.MaxLen) + " characters"
		}
		return s, ""
	case KindInt:
		n, ok := Int(v)
		if !ok {
			return nil, "must be an integer"
		}
		if n < f.Min {
			return nil, "must be at least " + strconv.Itoa(f.Min)
		}
		return n, ""
	case KindNumber:
		n, ok := Float(v)
		if !ok {
			return nil, "must be numeric"
		}
		return n, ""
	case KindArray:
		a, ok := v.([]any)
		if !ok {
			return nil, "must be an array"
		}
		return a, ""
	case KindObject:
		m, ok := v.(map[string]any)
		if !ok {
			return nil, "must be an object"
		}
		return m, ""
	case KindDate:
		s, ok := v.(string)
		if !ok {
			return nil, "must be a date"
		}
		t, ok := ParseTime(s)
		if !ok {
			return nil, "must be a date"
		}
		return t, ""
	case KindEnum:
		s, ok := v.(string)
		if !ok {
			return nil, "must be a string"
		}
		s = strings.TrimSpace(s)
		if canon, ok := f.EnumAliases[s]; ok {
			s = canon
		}
		for _, e := range f.Enum {
			if s == e {
				return s, ""
			}
		}
		return nil, "must be one of " + strings.Join(f.Enum, ", ")
	}
	return nil, "unsupported field"
}

// Float reports v as a float64 when it is a number or a numeric string.
// NaN and infinities are rejected.
func Float(v any) (float64, bool) {
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case float32:
		f = float64(t)
	case int:
		f = float64(t)
	case int32:
		f = float64(t)
	case int64:
		f = float64(t)
	case json.Number:
		n, err := t.Float64()
		if err != nil {
			return 0, false
		}
		f = n
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, false
		}
		f = n
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// maxExactFloat is the largest integer a float64 holds without rounding.
const maxExactFloat = 1 << 53

// Int accepts integral numbers and integer strings. Integer inputs keep their
// full 64-bit range; fractional forms are accepted up to maxExactFloat.
func Int(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case json.Number:
		if n, err := strconv.ParseInt(t.String(), 10, 64); err == nil {
			return int(n), true
		}
	case string:
		if n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64); err == nil {
			return int(n), true
		}
	}
	f, ok := Float(v)
	if !ok || f != math.Trunc(f) || math.Abs(f) > maxExactFloat {
		return 0, false
	}
	return int(f), true
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// ParseTime accepts RFC 3339 and the common zone-less variants; zone-less
// values are taken as UTC.
func ParseTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// StationCode returns the station code carried by a raw body under any of
// its accepted keys, or "" when absent.
func StationCode(in map[string]any) string {
	v, ok := lookup(in, "station_code")
	if !ok {
		return ""
	}
	return strings.TrimSpace(stringify(v))
}
