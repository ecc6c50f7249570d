package command

import (
	"errors"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		typ     string
		args    map[string]any
		want    Command
		wantErr string // ValidationError field, "" for success
	}{
		{"lock", "lock", map[string]any{"locked": true}, Lock{Locked: true}, ""},
		{"lock requires bool", "lock", map[string]any{"locked": "yes"}, nil, "locked"},
		{"climate off drops temperature", "climate", map[string]any{"action": "off", "temperature": 20.0}, Climate{Action: ClimateOff}, ""},
		{"climate bad temperature", "climate", map[string]any{"action": "on", "temperature": "warm"}, nil, "temperature"},
		{"climate bad action", "climate", map[string]any{"action": "hot"}, nil, "action"},
		{"charge start", "charge", map[string]any{"action": "start"}, Charge{Action: ChargeStart}, ""},
		{"charge fractional target", "charge", map[string]any{"action": "setTarget", "targetSoc": 80.5}, nil, "targetSoc"},
		{"charge missing action", "charge", map[string]any{}, nil, "action"},
		{"find alias", "find", map[string]any{"mode": "stop"}, FindMyCar{Mode: FindStop}, ""},
		{"find missing mode", "find_my_car", map[string]any{}, nil, "mode"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.typ, tt.args)
			if tt.wantErr != "" {
				var verr *ValidationError
				if !errors.As(err, &verr) || verr.Field != tt.wantErr {
					t.Fatalf("got %v, want ValidationError on %s", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Parse() = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestParseClimateOnKeepsTemperature(t *testing.T) {
	cmd, err := Parse("climate", map[string]any{"action": "on", "temperature": "21.5"})
	if err != nil {
		t.Fatal(err)
	}
	c := cmd.(Climate)
	if c.Temperature == nil || *c.Temperature != 21.5 {
		t.Errorf("temperature = %v", c.Temperature)
	}
}

func TestParseChargeLimit(t *testing.T) {
	cmd, err := Parse("charge", map[string]any{"action": "setLimit", "currentLimit": "MAX"})
	if err != nil {
		t.Fatal(err)
	}
	c := cmd.(Charge)
	if c.CurrentLimit == nil || *c.CurrentLimit != LimitMax {
		t.Errorf("limit = %v", c.CurrentLimit)
	}
}
