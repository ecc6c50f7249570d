package command

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Type is the command type recorded in the audit trail.
type Type string

const (
	TypeLock      Type = "lock"
	TypeClimate   Type = "climate"
	TypeCharge    Type = "charge"
	TypeFindMyCar Type = "find_my_car"
)

// ErrUnknownCommand is returned by Parse for unsupported command types.
var ErrUnknownCommand = errors.New("unknown command type")

// ValidationError reports an invalid command argument. Dispatch performs no
// side effects when it returns one.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Step is one publish: a field path below the vehicle and its bare payload.
type Step struct {
	Path    string
	Payload string
}

// Command is one of Lock, Climate, Charge or FindMyCar.
type Command interface {
	Type() Type
	// Payload is the argument map stored with the audit record.
	Payload() map[string]any
	// Summary is a short human readable description of the request.
	Summary() string

	validate() error
	steps() []Step
}

// Lock locks or unlocks the doors.
type Lock struct {
	Locked bool
}

func (Lock) Type() Type { return TypeLock }

func (c Lock) Payload() map[string]any { return map[string]any{"locked": c.Locked} }

func (c Lock) Summary() string {
	if c.Locked {
		return "Vehicle locked successfully"
	}
	return "Vehicle unlocked successfully"
}

func (Lock) validate() error { return nil }

func (c Lock) steps() []Step {
	return []Step{{Path: "doors/locked", Payload: strconv.FormatBool(c.Locked)}}
}

type ClimateAction string

const (
	ClimateOn          ClimateAction = "on"
	ClimateOff         ClimateAction = "off"
	ClimateFront       ClimateAction = "front"
	ClimateBlowingOnly ClimateAction = "blowingonly"
)

// Climate switches remote climate control. Temperature is only sent with
// ClimateOn.
type Climate struct {
	Action      ClimateAction
	Temperature *float64
}

func (Climate) Type() Type { return TypeClimate }

func (c Climate) Payload() map[string]any {
	p := map[string]any{"action": string(c.Action)}
	if c.Temperature != nil {
		p["temperature"] = *c.Temperature
	}
	return p
}

func (c Climate) Summary() string { return fmt.Sprintf("Climate control %s command sent", c.Action) }

func (c Climate) validate() error {
	switch c.Action {
	case ClimateOn, ClimateOff, ClimateFront, ClimateBlowingOnly:
	default:
		return invalid("action", "must be one of: on, off, front, blowingonly")
	}
	if c.Temperature != nil && (math.IsNaN(*c.Temperature) || math.IsInf(*c.Temperature, 0)) {
		return invalid("temperature", "must be a finite number")
	}
	return nil
}

func (c Climate) steps() []Step {
	out := []Step{{Path: "climate/remoteClimateState", Payload: string(c.Action)}}
	if c.Action == ClimateOn && c.Temperature != nil {
		out = append(out, Step{
			Path:    "climate/remoteTemperature",
			Payload: strconv.FormatFloat(*c.Temperature, 'f', -1, 64),
		})
	}
	return out
}

type ChargeAction string

const (
	ChargeStart     ChargeAction = "start"
	ChargeStop      ChargeAction = "stop"
	ChargeSetTarget ChargeAction = "setTarget"
	ChargeSetLimit  ChargeAction = "setLimit"
)

type CurrentLimit string

const (
	Limit6A  CurrentLimit = "6A"
	Limit8A  CurrentLimit = "8A"
	Limit16A CurrentLimit = "16A"
	LimitMax CurrentLimit = "MAX"
)

// Charge starts or stops charging, or changes the target SOC or current limit.
type Charge struct {
	Action       ChargeAction
	TargetSOC    *int
	CurrentLimit *CurrentLimit
}

func (Charge) Type() Type { return TypeCharge }

func (c Charge) Payload() map[string]any {
	p := map[string]any{"action": string(c.Action)}
	if c.TargetSOC != nil {
		p["targetSoc"] = *c.TargetSOC
	}
	if c.CurrentLimit != nil {
		p["currentLimit"] = string(*c.CurrentLimit)
	}
	return p
}

func (c Charge) Summary() string { return fmt.Sprintf("Charging %s command sent", c.Action) }

func (c Charge) validate() error {
	switch c.Action {
	case ChargeStart, ChargeStop, ChargeSetTarget, ChargeSetLimit:
	default:
		return invalid("action", "must be one of: start, stop, setTarget, setLimit")
	}
	if c.TargetSOC != nil {
		if v := *c.TargetSOC; v < 40 || v > 100 || v%10 != 0 {
			return invalid("targetSoc", "must be one of: 40, 50, 60, 70, 80, 90, 100")
		}
	} else if c.Action == ChargeSetTarget {
		return invalid("targetSoc", "required for setTarget")
	}
	if c.CurrentLimit != nil {
		switch *c.CurrentLimit {
		case Limit6A, Limit8A, Limit16A, LimitMax:
		default:
			return invalid("currentLimit", "must be one of: 6A, 8A, 16A, MAX")
		}
	} else if c.Action == ChargeSetLimit {
		return invalid("currentLimit", "required for setLimit")
	}
	return nil
}

func (c Charge) steps() []Step {
	switch c.Action {
	case ChargeStart:
		return []Step{{Path: "drivetrain/charging", Payload: "true"}}
	case ChargeStop:
		return []Step{{Path: "drivetrain/charging", Payload: "false"}}
	case ChargeSetTarget:
		return []Step{{Path: "drivetrain/socTarget", Payload: strconv.Itoa(*c.TargetSOC)}}
	case ChargeSetLimit:
		return []Step{{Path: "drivetrain/chargeCurrentLimit", Payload: string(*c.CurrentLimit)}}
	}
	return nil
}

type FindMode string

const (
	FindActivate   FindMode = "activate"
	FindLightsOnly FindMode = "lights_only"
	FindHornOnly   FindMode = "horn_only"
	FindStop       FindMode = "stop"
)

var findLabels = map[FindMode]string{
	FindActivate:   "Horn & Lights activated",
	FindLightsOnly: "Lights flashing",
	FindHornOnly:   "Horn activated",
	FindStop:       "Alert stopped",
}

// FindMyCar triggers the horn and/or lights.
type FindMyCar struct {
	Mode FindMode
}

func (FindMyCar) Type() Type { return TypeFindMyCar }

func (c FindMyCar) Payload() map[string]any { return map[string]any{"mode": string(c.Mode)} }

func (c FindMyCar) Summary() string {
	if l, ok := findLabels[c.Mode]; ok {
		return l
	}
	return "Find My Car command sent"
}

func (c FindMyCar) validate() error {
	if _, ok := findLabels[c.Mode]; !ok {
		return invalid("mode", "must be one of: activate, lights_only, horn_only, stop")
	}
	return nil
}

func (c FindMyCar) steps() []Step {
	return []Step{{Path: "location/findMyCar", Payload: string(c.Mode)}}
}

// Parse builds a command from loosely typed arguments, as decoded from a
// JSON request body, and validates it.
func Parse(typ string, args map[string]any) (Command, error) {
	var (
		cmd Command
		err error
	)
	switch Type(strings.TrimSpace(typ)) {
	case TypeLock:
		cmd, err = parseLock(args)
	case TypeClimate:
		cmd, err = parseClimate(args)
	case TypeCharge:
		cmd, err = parseCharge(args)
	case TypeFindMyCar, "find":
		cmd = FindMyCar{Mode: FindMode(stringArg(args, "mode"))}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, typ)
	}
	if err != nil {
		return nil, err
	}
	if err := cmd.validate(); err != nil {
		return nil, err
	}
	return cmd, nil
}

func parseLock(args map[string]any) (Command, error) {
	locked, ok := args["locked"].(bool)
	if !ok {
		return nil, invalid("locked", "required boolean")
	}
	return Lock{Locked: locked}, nil
}

func parseClimate(args map[string]any) (Command, error) {
	c := Climate{Action: ClimateAction(stringArg(args, "action"))}
	if raw, ok := args["temperature"]; ok && raw != nil {
		t, ok := numberArg(raw)
		if !ok {
			return nil, invalid("temperature", "must be a number")
		}
		if c.Action == ClimateOn {
			c.Temperature = &t
		}
	}
	return c, nil
}

func parseCharge(args map[string]any) (Command, error) {
	c := Charge{Action: ChargeAction(stringArg(args, "action"))}

	raw, ok := args["targetSoc"]
	if !ok || raw == nil {
		raw, ok = args["target"]
	}
	if ok && raw != nil {
		f, ok := numberArg(raw)
		if !ok || f != math.Trunc(f) {
			return nil, invalid("targetSoc", "must be an integer")
		}
		v := int(f)
		c.TargetSOC = &v
	}

	if s := stringArg(args, "currentLimit"); s != "" {
		l := CurrentLimit(s)
		c.CurrentLimit = &l
	}
	return c, nil
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return strings.TrimSpace(s)
}

// numberArg accepts JSON numbers and numeric strings.
func numberArg(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	}
	return 0, false
}
