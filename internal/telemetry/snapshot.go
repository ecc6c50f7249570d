package telemetry

import "time"

// Snapshot is the in-memory view of one vehicle: the latest value of every
// field seen since the process started.
type Snapshot struct {
	VIN        string
	Fields     map[string]any
	LastUpdate time.Time

	// PrevSOC is the SOC value before the most recent change, nil until the
	// SOC has changed at least once.
	PrevSOC *float64

	// GatewayCharging is the gateway's own charging flag, nil until seen.
	GatewayCharging *bool
}

func newSnapshot(vin string) Snapshot {
	return Snapshot{VIN: vin, Fields: make(map[string]any)}
}

// clone returns a deep copy safe to hand to other goroutines.
func (s Snapshot) clone() Snapshot {
	out := Snapshot{
		VIN:        s.VIN,
		Fields:     make(map[string]any, len(s.Fields)+1),
		LastUpdate: s.LastUpdate,
	}
	for k, v := range s.Fields {
		out.Fields[k] = v
	}
	if s.PrevSOC != nil {
		v := *s.PrevSOC
		out.PrevSOC = &v
	}
	if s.GatewayCharging != nil {
		v := *s.GatewayCharging
		out.GatewayCharging = &v
	}
	return out
}
