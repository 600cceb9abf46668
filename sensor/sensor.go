// Package sensor projects fields of the SIM snapshot into individually
// addressable sensor values.
package sensor

import (
	"math"
	"strings"
	"time"

	"github.com/op/go-logging"

	"github.com/grasplet-dashboard/exporter/grasplet"
)

var log = logging.MustGetLogger("sensor")

// Units of measurement.
const (
	UnitGigabytes = "GB"
	UnitPercent   = "%"
)

// Device classes.
const (
	DeviceClassTimestamp = "timestamp"
	DeviceClassDataSize  = "data_size"
)

// State classes.
const (
	StateClassTotal       = "total"
	StateClassMeasurement = "measurement"
)

// Field describes one sensor derived from a SIM record.
type Field struct {
	// Key is appended to the SIM id to form the unique id
	Key string

	// Name is appended to the SIM name to form the display name
	Name string

	Icon        string
	Unit        string
	DeviceClass string
	StateClass  string

	// Precision is the suggested number of decimals, -1 when unset
	Precision int

	// Extract returns the value for the SIM, or false when it is unknown.
	// Values are string, float64 or time.Time.
	Extract func(grasplet.SIM) (any, bool)
}

// Numeric reports whether the field produces float64 values.
func (f Field) Numeric() bool {
	return f.DeviceClass == DeviceClassDataSize || f.Unit == UnitPercent
}

// Fields lists every sensor created per SIM.
var Fields = []Field{
	{
		Key:       "iccid",
		Name:      "ICCID",
		Icon:      "mdi:sim",
		Precision: -1,
		Extract:   nonEmpty(func(s grasplet.SIM) string { return s.ICCID }),
	},
	{
		Key:       "status",
		Name:      "Status",
		Icon:      "mdi:signal",
		Precision: -1,
		Extract:   nonEmpty(func(s grasplet.SIM) string { return s.Status }),
	},
	{
		Key:       "plan_name",
		Name:      "Plan",
		Icon:      "mdi:package-variant",
		Precision: -1,
		Extract: withPlan(func(p grasplet.PlanUsage) (any, bool) {
			return p.Plan.PlanName, p.Plan.PlanName != ""
		}),
	},
	{
		Key:         "expiry_date",
		Name:        "Expiry Date",
		Icon:        "mdi:calendar-clock",
		DeviceClass: DeviceClassTimestamp,
		Precision:   -1,
		Extract:     withPlan(expiryDate),
	},
	{
		Key:         "data_limit",
		Name:        "Data Limit",
		Icon:        "mdi:database",
		Unit:        UnitGigabytes,
		DeviceClass: DeviceClassDataSize,
		StateClass:  StateClassTotal,
		Precision:   -1,
		Extract: withPlan(func(p grasplet.PlanUsage) (any, bool) {
			return p.Plan.DataLimit.Value, p.Plan.DataLimit.Valid
		}),
	},
	{
		Key:         "data_remaining",
		Name:        "Data Remaining",
		Icon:        "mdi:download",
		Unit:        UnitGigabytes,
		DeviceClass: DeviceClassDataSize,
		StateClass:  StateClassTotal,
		Precision:   3,
		Extract:     withPlan(remainingGigabytes),
	},
	{
		Key:        "data_usage_percentage",
		Name:       "Data Usage %",
		Icon:       "mdi:gauge",
		Unit:       UnitPercent,
		StateClass: StateClassMeasurement,
		Precision:  1,
		Extract:    withPlan(usagePercentage),
	},
	{
		Key:       "availability_zone",
		Name:      "Availability Zone",
		Icon:      "mdi:earth",
		Precision: -1,
		Extract: withPlan(func(p grasplet.PlanUsage) (any, bool) {
			return p.Usage.AvailabilityZone, p.Usage.AvailabilityZone != ""
		}),
	},
}

// FieldByKey looks up a field in Fields.
func FieldByKey(key string) (Field, bool) {
	for _, f := range Fields {
		if f.Key == key {
			return f, true
		}
	}
	return Field{}, false
}

// ToGigabytes normalizes an amount tagged with a storage unit. MB and KB are
// converted with binary multiples, anything else is taken as gigabytes.
func ToGigabytes(amount float64, unit string) float64 {
	switch strings.ToUpper(strings.TrimSpace(unit)) {
	case "MB":
		return amount / 1024
	case "KB":
		return amount / (1024 * 1024)
	default:
		return amount
	}
}

// UsagePercentage returns the share of the limit already used. It is unknown
// when the limit is not positive or the remaining amount exceeds the limit.
func UsagePercentage(limitGB, remainingGB float64) (float64, bool) {
	used := limitGB - remainingGB
	if limitGB <= 0 || used < 0 {
		return 0, false
	}
	return math.Min(100, used/limitGB*100), true
}

func nonEmpty(get func(grasplet.SIM) string) func(grasplet.SIM) (any, bool) {
	return func(s grasplet.SIM) (any, bool) {
		v := get(s)
		return v, v != ""
	}
}

func withPlan(extract func(grasplet.PlanUsage) (any, bool)) func(grasplet.SIM) (any, bool) {
	return func(s grasplet.SIM) (any, bool) {
		plan, ok := s.CurrentPlan()
		if !ok {
			return nil, false
		}
		return extract(plan)
	}
}

// expiryLayouts are tried in order. Dates without a zone are UTC.
var expiryLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999Z0700",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999Z0700",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func expiryDate(p grasplet.PlanUsage) (any, bool) {
	raw := strings.TrimSpace(p.Plan.ExpiryDate)
	if raw == "" {
		return nil, false
	}
	for _, layout := range expiryLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, true
		}
	}
	log.Warningf("Failed to parse expiry date: %s", raw)
	return nil, false
}

func remainingGigabytes(p grasplet.PlanUsage) (any, bool) {
	if !p.Usage.Data.Valid {
		return nil, false
	}
	return ToGigabytes(p.Usage.Data.Value, p.Usage.DataUnit), true
}

func usagePercentage(p grasplet.PlanUsage) (any, bool) {
	if !p.Plan.DataLimit.Valid || !p.Usage.Data.Valid {
		return nil, false
	}
	pct, ok := UsagePercentage(p.Plan.DataLimit.Value, ToGigabytes(p.Usage.Data.Value, p.Usage.DataUnit))
	if !ok {
		return nil, false
	}
	return pct, true
}
