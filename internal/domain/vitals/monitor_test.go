package vitals

import (
	"os"
	"path/filepath"
	"testing"
)

func TestMonitor_Evaluate(t *testing.T) {
	m := NewMonitor(DefaultThresholds())

	tests := []struct {
		code, value string
		want        []Direction
	}{
		{"MDC_PRESS_BLD_VEN", "120", nil},
		{"MDC_PRESS_BLD_VEN", "260", []Direction{AboveHigh}},
		{"MDC_PRESS_BLD_VEN", "40", []Direction{BelowLow}},
		{"MDC_PRESS_BLD_ART", "-300", []Direction{BelowLow}},
		{"MDC_PRESS_BLD_ART", "-120", nil},
		{"mdc_press_bld_ven", "250", nil},
		{"MDC_PULS_OXIM_SAT_O2", "85", []Direction{BelowLow}},
		{"MDC_PULS_OXIM_SAT_O2", "100", nil},
		{"MDC_PRESS_BLD_VEN", "n/a", nil},
		{"UNKNOWN", "1000", nil},
	}
	for _, tt := range tests {
		got := m.Evaluate(tt.code, tt.value)
		if len(got) != len(tt.want) {
			t.Errorf("Evaluate(%s, %s) = %d breaches, want %d", tt.code, tt.value, len(got), len(tt.want))
			continue
		}
		for i := range got {
			if got[i].Direction != tt.want[i] {
				t.Errorf("Evaluate(%s, %s)[%d] direction = %s, want %s", tt.code, tt.value, i, got[i].Direction, tt.want[i])
			}
		}
	}
}

func TestMonitor_BreachDetails(t *testing.T) {
	m := NewMonitor(DefaultThresholds())
	got := m.Evaluate("MDC_HDIALY_DIALYSATE_CONDUCTIVITY", "16.2")
	if len(got) != 1 {
		t.Fatalf("expected 1 breach, got %d", len(got))
	}
	b := got[0]
	if b.Severity != SeverityCritical {
		t.Errorf("expected critical severity, got %s", b.Severity)
	}
	if b.Limit.String() != "15.5" {
		t.Errorf("expected limit 15.5, got %s", b.Limit)
	}
	if b.Value.String() != "16.2" {
		t.Errorf("expected value 16.2, got %s", b.Value)
	}
}

const sampleThresholds = `
thresholds:
  - code: MDC_PRESS_BLD_VEN
    name: Venous pressure
    unit: mmHg
    low: "60"
    high: "200"
    severity: critical
  - code: LOCAL_WEIGHT_LOSS
    high: "4.5"
`

func TestParseThresholds(t *testing.T) {
	ths, err := ParseThresholds([]byte(sampleThresholds))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ths) != 2 {
		t.Fatalf("expected 2 thresholds, got %d", len(ths))
	}
	if ths[0].Severity != SeverityCritical || ths[0].Low.String() != "60" || ths[0].High.String() != "200" {
		t.Errorf("unexpected first threshold %+v", ths[0])
	}
	if ths[1].Low != nil || ths[1].Severity != SeverityMedium {
		t.Errorf("unexpected second threshold %+v", ths[1])
	}
}

func TestParseThresholds_Invalid(t *testing.T) {
	cases := map[string]string{
		"missing code": "thresholds:\n  - high: \"1\"\n",
		"no limits":    "thresholds:\n  - code: X\n",
		"bad number":   "thresholds:\n  - code: X\n    low: abc\n",
		"inverted":     "thresholds:\n  - code: X\n    low: \"5\"\n    high: \"1\"\n",
		"not yaml":     "thresholds: [",
	}
	for name, doc := range cases {
		if _, err := ParseThresholds([]byte(doc)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestLoadMonitor_OverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "thresholds.yaml")
	if err := os.WriteFile(path, []byte(sampleThresholds), 0o600); err != nil {
		t.Fatal(err)
	}
	m, err := LoadMonitor(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := m.Evaluate("MDC_PRESS_BLD_VEN", "220"); len(got) != 1 {
		t.Errorf("expected override to flag 220, got %d breaches", len(got))
	}
	if _, ok := m.Threshold("MDC_PULS_RATE"); !ok {
		t.Error("expected defaults to be kept")
	}
	if m.Len() != len(DefaultThresholds())+1 {
		t.Errorf("expected %d thresholds, got %d", len(DefaultThresholds())+1, m.Len())
	}
}

func TestLoadMonitor_DefaultsOnly(t *testing.T) {
	m, err := LoadMonitor("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.Len() != len(DefaultThresholds()) {
		t.Errorf("expected default table, got %d entries", m.Len())
	}
	if _, err := LoadMonitor(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
