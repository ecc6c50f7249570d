package telemetry

// Persisted field names shared with the flush scheduler and the status row.
const (
	FieldSOC           = "soc"
	FieldSOCPrecise    = "soc_precise"
	FieldRange         = "range_km"
	FieldChargingState = "charging_state"
	FieldChargeCurrent = "charge_current_a"
	FieldChargeVoltage = "charge_voltage_v"
	FieldChargePower   = "charge_power_kw"
	FieldPlugConnected = "charging_plug_connected"
	FieldLat           = "lat"
	FieldLon           = "lon"
	FieldAltitude      = "altitude"
	FieldBearing       = "bearing"
	FieldSpeed         = "speed"
	FieldDoorsLocked   = "doors_locked"
	FieldHVACState     = "hvac_state"
	FieldRemoteTemp    = "remote_temperature"
	FieldChargeLimit   = "charge_current_limit"
	FieldTargetSOC     = "target_soc"
	FieldLastMessageTS = "last_message_ts"
)

// setter writes one decoded gateway value into a snapshot. It only ever adds
// or overwrites fields.
type setter func(s *Snapshot, v any) error

// fieldTable maps a topic path below the VIN to the setter for it. Paths not
// listed here are ignored.
var fieldTable = map[string]setter{
	// drivetrain
	"drivetrain/soc":                setSOC,
	"drivetrain/range":              number("range_km"),
	"drivetrain/charging":           setGatewayCharging,
	"drivetrain/current":            number(FieldChargeCurrent),
	"drivetrain/voltage":            number(FieldChargeVoltage),
	"drivetrain/power":              scaled(FieldChargePower, 1000), // W -> kW
	"drivetrain/mileage":            number("odometer_km"),
	"drivetrain/running":            boolean("ignition", "engine_running"),
	"drivetrain/chargerConnected":   boolean(FieldPlugConnected),
	"drivetrain/hvBatteryActive":    boolean("hv_battery_active"),
	"drivetrain/batteryHeating":     boolean("battery_heating"),
	"drivetrain/chargeCurrentLimit": text(FieldChargeLimit),
	"drivetrain/socTarget":          number(FieldTargetSOC),
	"drivetrain/batteryTemperature": number("battery_temp_c"),

	// location
	"location/latitude":  number(FieldLat),
	"location/longitude": number(FieldLon),
	"location/elevation": number(FieldAltitude),
	"location/heading":   number(FieldBearing),
	"location/speed":     number(FieldSpeed),

	// doors
	"doors/locked":    boolean(FieldDoorsLocked),
	"doors/boot":      boolean("boot_locked"),
	"doors/bonnet":    inverted("bonnet_closed"),
	"doors/driver":    boolean("door_driver_open"),
	"doors/passenger": boolean("door_passenger_open"),
	"doors/rearLeft":  boolean("door_rear_left_open"),
	"doors/rearRight": boolean("door_rear_right_open"),

	// climate
	"climate/interiorTemperature":        number("interior_temp_c"),
	"climate/exteriorTemperature":        number("exterior_temp_c"),
	"climate/remoteClimateState":         text(FieldHVACState),
	"climate/remoteTemperature":          number(FieldRemoteTemp),
	"climate/heatedSeatsFrontLeftLevel":  number("heated_seat_front_left_level"),
	"climate/heatedSeatsFrontRightLevel": number("heated_seat_front_right_level"),
	"climate/rearWindowDefrosterHeating": boolean("rear_window_defrost"),

	// lights
	"lights/mainBeam":   boolean("lights_main_beam"),
	"lights/dippedBeam": boolean("lights_dipped_beam"),
	"lights/side":       boolean("lights_side"),
}

// KnownPath reports whether a topic path maps to a snapshot field.
func KnownPath(path string) bool {
	_, ok := fieldTable[path]
	return ok
}

func number(names ...string) setter {
	return func(s *Snapshot, v any) error {
		f, err := parseNumber(v)
		if err != nil {
			return err
		}
		for _, n := range names {
			s.Fields[n] = f
		}
		return nil
	}
}

func scaled(name string, divisor float64) setter {
	return func(s *Snapshot, v any) error {
		f, err := parseNumber(v)
		if err != nil {
			return err
		}
		s.Fields[name] = f / divisor
		return nil
	}
}

func boolean(names ...string) setter {
	return func(s *Snapshot, v any) error {
		b, err := parseBool(v)
		if err != nil {
			return err
		}
		for _, n := range names {
			s.Fields[n] = b
		}
		return nil
	}
}

// inverted stores the negation of a boolean, used where the gateway reports
// "open" and the status row stores "closed".
func inverted(name string) setter {
	return func(s *Snapshot, v any) error {
		b, err := parseBool(v)
		if err != nil {
			return err
		}
		s.Fields[name] = !b
		return nil
	}
}

func text(name string) setter {
	return func(s *Snapshot, v any) error {
		t, err := parseText(v)
		if err != nil {
			return err
		}
		s.Fields[name] = t
		return nil
	}
}

func setSOC(s *Snapshot, v any) error {
	f, err := parseNumber(v)
	if err != nil {
		return err
	}
	if cur, ok := s.Fields[FieldSOC].(float64); ok && cur != f {
		prev := cur
		s.PrevSOC = &prev
	}
	s.Fields[FieldSOC] = f
	s.Fields[FieldSOCPrecise] = f
	return nil
}

// setGatewayCharging keeps the gateway's own charging flag as bookkeeping.
// It is never persisted; the derived state replaces it.
func setGatewayCharging(s *Snapshot, v any) error {
	b, err := parseBool(v)
	if err != nil {
		return err
	}
	s.GatewayCharging = &b
	return nil
}
