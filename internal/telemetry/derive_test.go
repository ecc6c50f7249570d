package telemetry

import "testing"

func f64(v float64) *float64 { return &v }

func TestDeriveChargingState(t *testing.T) {
	tests := []struct {
		name   string
		fields map[string]any
		prev   *float64
		want   ChargingState
	}{
		{"empty", map[string]any{}, nil, Disconnected},
		{"unplugged with current", map[string]any{"charging_plug_connected": false, "charge_current_a": -20.0}, nil, Disconnected},
		{"plug as string is not plugged", map[string]any{"charging_plug_connected": "true"}, nil, Disconnected},
		{"plugged idle", map[string]any{"charging_plug_connected": true, "charge_current_a": 0.0, "charge_power_kw": 0.0, "soc": 80.0}, f64(80), Plugged},
		{"plugged current", map[string]any{"charging_plug_connected": true, "charge_current_a": -1.5}, nil, Charging},
		{"current at threshold", map[string]any{"charging_plug_connected": true, "charge_current_a": -1.0}, nil, Plugged},
		{"plugged power", map[string]any{"charging_plug_connected": true, "charge_power_kw": 0.11}, nil, Charging},
		{"power at threshold", map[string]any{"charging_plug_connected": true, "charge_power_kw": 0.1}, nil, Plugged},
		{"soc rising", map[string]any{"charging_plug_connected": true, "soc": 61.0}, f64(60), Charging},
		{"soc rising below threshold", map[string]any{"charging_plug_connected": true, "soc": 60.01}, f64(60), Plugged},
		{"soc falling", map[string]any{"charging_plug_connected": true, "soc": 59.0}, f64(60), Plugged},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := Snapshot{Fields: tt.fields, PrevSOC: tt.prev}
			if got := DeriveChargingState(IndicatorsFor(snap)); got != tt.want {
				t.Errorf("DeriveChargingState() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestDecodeValue(t *testing.T) {
	tests := []struct {
		in   string
		want any
	}{
		{"42", 42.0},
		{" true ", true},
		{`"on"`, "on"},
		{`{"value": 3.5}`, 3.5},
		{"on", "on"},
		{"", ""},
	}
	for _, tt := range tests {
		got, err := decodeValue([]byte(tt.in))
		if err != nil {
			t.Fatalf("decodeValue(%q) error: %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("decodeValue(%q) = %v (%T), want %v", tt.in, got, got, tt.want)
		}
	}
}
