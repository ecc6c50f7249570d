package telemetry

// ChargingState is the derived charging state persisted on every flush.
type ChargingState string

const (
	Charging     ChargingState = "Charging"
	Plugged      ChargingState = "Plugged"
	Disconnected ChargingState = "Disconnected"
)

// Thresholds for the charging indicators. Current is negative while energy
// flows into the pack.
const (
	chargeCurrentThreshold = -1.0 // A
	chargePowerThreshold   = 0.1  // kW
	socRiseThreshold       = 0.02 // percentage points
)

// Indicators are the independent signals the charging state is derived from.
type Indicators struct {
	Plugged           bool
	ChargingByCurrent bool
	ChargingByPower   bool
	SOCIncreasing     bool
}

// IndicatorsFor computes the charging indicators from a snapshot. Missing
// fields count as false.
func IndicatorsFor(s Snapshot) Indicators {
	plugged, _ := s.Fields[FieldPlugConnected].(bool)
	current, hasCurrent := s.Fields[FieldChargeCurrent].(float64)
	power, hasPower := s.Fields[FieldChargePower].(float64)
	soc, hasSOC := s.Fields[FieldSOC].(float64)

	return Indicators{
		Plugged:           plugged,
		ChargingByCurrent: hasCurrent && current < chargeCurrentThreshold,
		ChargingByPower:   hasPower && power > chargePowerThreshold,
		SOCIncreasing:     hasSOC && s.PrevSOC != nil && soc-*s.PrevSOC > socRiseThreshold,
	}
}

// DeriveChargingState resolves the indicators:
//  1. Not plugged → Disconnected.
//  2. Plugged and any of current, power or SOC rise indicates charging → Charging.
//  3. Otherwise → Plugged.
//
// The gateway's own charging flag is not an input; it is only
// used for the mismatch diagnostic.
func DeriveChargingState(in Indicators) ChargingState {
	if !in.Plugged {
		return Disconnected
	}
	if in.ChargingByCurrent || in.ChargingByPower || in.SOCIncreasing {
		return Charging
	}
	return Plugged
}
