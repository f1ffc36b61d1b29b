package vitals

import (
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Severity grades a threshold breach.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Direction tells which limit was crossed.
type Direction string

const (
	BelowLow  Direction = "below_low"
	AboveHigh Direction = "above_high"
)

// Threshold is the alarm band for one observation code. Either limit may be nil.
type Threshold struct {
	Code     string
	Name     string
	Unit     string
	Low      *decimal.Decimal
	High     *decimal.Decimal
	Severity Severity
}

// Breach describes a value outside its threshold band.
type Breach struct {
	Code      string
	Name      string
	Value     decimal.Decimal
	Limit     decimal.Decimal
	Direction Direction
	Severity  Severity
	Unit      string
}

// Monitor evaluates observation values against a threshold table.
// It is safe for concurrent use once built.
type Monitor struct {
	thresholds map[string]Threshold
}

// NewMonitor builds a monitor from the given thresholds. Later entries for
// the same code replace earlier ones.
func NewMonitor(thresholds []Threshold) *Monitor {
	m := &Monitor{thresholds: make(map[string]Threshold, len(thresholds))}
	for _, t := range thresholds {
		m.thresholds[strings.ToUpper(t.Code)] = t
	}
	return m
}

// Threshold returns the configured band for code.
func (m *Monitor) Threshold(code string) (Threshold, bool) {
	t, ok := m.thresholds[strings.ToUpper(strings.TrimSpace(code))]
	return t, ok
}

// Len returns the number of configured codes.
func (m *Monitor) Len() int { return len(m.thresholds) }

// Evaluate checks a raw value. Codes without a threshold and non-numeric
// values never breach.
func (m *Monitor) Evaluate(code, value string) []Breach {
	t, ok := m.Threshold(code)
	if !ok {
		return nil
	}
	v, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return nil
	}

	var out []Breach
	if t.Low != nil && v.LessThan(*t.Low) {
		out = append(out, t.breach(v, *t.Low, BelowLow))
	}
	if t.High != nil && v.GreaterThan(*t.High) {
		out = append(out, t.breach(v, *t.High, AboveHigh))
	}
	return out
}

func (t Threshold) breach(v, limit decimal.Decimal, dir Direction) Breach {
	return Breach{
		Code:      t.Code,
		Name:      t.Name,
		Value:     v,
		Limit:     limit,
		Direction: dir,
		Severity:  t.Severity,
		Unit:      t.Unit,
	}
}

func dec(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

// DefaultThresholds is the built-in alarm table for dialysis monitoring.
func DefaultThresholds() []Threshold {
	return []Threshold{
		{Code: "MDC_PRESS_BLD_ART", Name: "Arterial pressure", Unit: "mmHg", Low: dec("-250"), High: dec("-50"), Severity: SeverityHigh},
		{Code: "MDC_PRESS_BLD_VEN", Name: "Venous pressure", Unit: "mmHg", Low: dec("50"), High: dec("250"), Severity: SeverityHigh},
		{Code: "MDC_HDIALY_FILTER_TRANSMEMBRANE_PRESS", Name: "Transmembrane pressure", Unit: "mmHg", High: dec("300"), Severity: SeverityMedium},
		{Code: "MDC_HDIALY_BLD_PUMP_BLOOD_FLOW_RATE", Name: "Blood flow rate", Unit: "mL/min", Low: dec("150"), High: dec("500"), Severity: SeverityMedium},
		{Code: "MDC_HDIALY_UF_RATE", Name: "Ultrafiltration rate", Unit: "mL/h", High: dec("2000"), Severity: SeverityMedium},
		{Code: "MDC_HDIALY_DIALYSATE_CONDUCTIVITY", Name: "Dialysate conductivity", Unit: "mS/cm", Low: dec("12.5"), High: dec("15.5"), Severity: SeverityCritical},
		{Code: "MDC_HDIALY_DIALYSATE_TEMP", Name: "Dialysate temperature", Unit: "Cel", Low: dec("35"), High: dec("39"), Severity: SeverityHigh},
		{Code: "MDC_PRESS_BLD_NONINV_SYS", Name: "Systolic blood pressure", Unit: "mmHg", Low: dec("90"), High: dec("180"), Severity: SeverityHigh},
		{Code: "MDC_PULS_RATE", Name: "Pulse rate", Unit: "/min", Low: dec("50"), High: dec("120"), Severity: SeverityMedium},
		{Code: "MDC_PULS_OXIM_SAT_O2", Name: "Oxygen saturation", Unit: "%", Low: dec("90"), Severity: SeverityHigh},
	}
}

type thresholdFile struct {
	Thresholds []struct {
		Code     string `yaml:"code"`
		Name     string `yaml:"name"`
		Unit     string `yaml:"unit"`
		Low      string `yaml:"low"`
		High     string `yaml:"high"`
		Severity string `yaml:"severity"`
	} `yaml:"thresholds"`
}

// ParseThresholds decodes a YAML threshold table.
func ParseThresholds(data []byte) ([]Threshold, error) {
	var f thresholdFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("vitals: decode thresholds: %w", err)
	}

	out := make([]Threshold, 0, len(f.Thresholds))
	for i, e := range f.Thresholds {
		if strings.TrimSpace(e.Code) == "" {
			return nil, fmt.Errorf("vitals: threshold %d: code is required", i)
		}
		t := Threshold{Code: e.Code, Name: e.Name, Unit: e.Unit, Severity: Severity(strings.ToLower(e.Severity))}
		if t.Severity == "" {
			t.Severity = SeverityMedium
		}
		if e.Low != "" {
			d, err := decimal.NewFromString(e.Low)
			if err != nil {
				return nil, fmt.Errorf("vitals: threshold %s: low: %w", e.Code, err)
			}
			t.Low = &d
		}
		if e.High != "" {
			d, err := decimal.NewFromString(e.High)
			if err != nil {
				return nil, fmt.Errorf("vitals: threshold %s: high: %w", e.Code, err)
			}
			t.High = &d
		}
		if t.Low == nil && t.High == nil {
			return nil, fmt.Errorf("vitals: threshold %s: at least one of low or high is required", e.Code)
		}
		if t.Low != nil && t.High != nil && t.Low.GreaterThan(*t.High) {
			return nil, fmt.Errorf("vitals: threshold %s: low %s exceeds high %s", e.Code, t.Low, t.High)
		}
		out = append(out, t)
	}
	return out, nil
}

// LoadMonitor builds a monitor from the defaults, overridden by the YAML
// file at path when path is non-empty.
func LoadMonitor(path string) (*Monitor, error) {
	thresholds := DefaultThresholds()
	if path == "" {
		return NewMonitor(thresholds), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("vitals: read thresholds: %w", err)
	}
	custom, err := ParseThresholds(data)
	if err != nil {
		return nil, err
	}
	return NewMonitor(append(thresholds, custom...)), nil
}
