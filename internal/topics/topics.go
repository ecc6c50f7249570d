package topics

import (
	"fmt"
	"strings"
)

// Category groups gateway topics by the vehicle subsystem they describe.
type Category string

const (
	CategoryDrivetrain Category = "drivetrain" // battery, charging, range, odometer
	CategoryLocation   Category = "location"
	CategoryClimate    Category = "climate"
	CategoryDoors      Category = "doors"
	CategoryLights     Category = "lights"
)

// categories is the static classification table. Only these subtrees are
// subscribed to and only these are mapped into the telemetry snapshot.
var categories = map[string]Category{
	"drivetrain": CategoryDrivetrain,
	"location":   CategoryLocation,
	"climate":    CategoryClimate,
	"doors":      CategoryDoors,
	"lights":     CategoryLights,
}

// Categories returns the subscribed categories in a stable order.
func Categories() []Category {
	return []Category{CategoryDrivetrain, CategoryLocation, CategoryClimate, CategoryDoors, CategoryLights}
}

// Route is a resolved gateway topic.
type Route struct {
	VIN      string
	Category Category
	// Path is the topic remainder after the VIN, e.g. "drivetrain/soc".
	Path string
}

// ExtractVehicleID returns the VIN segment of a gateway topic. The gateway has
// published under three shapes over its lifetime:
//
//	<prefix>/<account>/vehicles/<vin>/...
//	<account>/vehicles/<vin>/...
//	mg/<vin>/...
func ExtractVehicleID(topic string) (string, bool) {
	vin, _, ok := split(topic)
	return vin, ok
}

// Resolve splits topic into VIN, category and field path. ok is false when
// the VIN cannot be located; a known VIN with an unknown category yields a
// Route with an empty Category.
func Resolve(topic string) (Route, bool) {
	vin, rest, ok := split(topic)
	if !ok {
		return Route{}, false
	}
	r := Route{VIN: vin, Path: strings.Join(rest, "/")}
	if len(rest) > 0 {
		r.Category = categories[rest[0]]
	}
	return r, true
}

func split(topic string) (string, []string, bool) {
	parts := strings.Split(strings.Trim(topic, "/"), "/")

	var idx int
	switch {
	case len(parts) > 3 && parts[2] == "vehicles":
		idx = 3
	case len(parts) > 2 && parts[1] == "vehicles":
		idx = 2
	case len(parts) > 1 && parts[0] == "mg":
		idx = 1
	default:
		return "", nil, false
	}

	vin := parts[idx]
	if vin == "" || vin == "+" || vin == "#" {
		return "", nil, false
	}
	rest := parts[idx+1:]
	// Legacy mg/<vin>/status/<category>/... nests one level deeper.
	if idx == 1 && len(rest) > 0 && rest[0] == "status" {
		rest = rest[1:]
	}
	return vin, rest, true
}

// Subscriptions returns the wildcard filters covering every category for all
// vehicles of account. An empty account subscribes across accounts.
func Subscriptions(prefix, account string) []string {
	if account == "" {
		account = "+"
	}
	base := vehiclesBase(prefix, account)
	out := make([]string, 0, len(categories))
	for _, c := range Categories() {
		out = append(out, fmt.Sprintf("%s/+/%s/#", base, c))
	}
	return out
}

// CommandTopic builds the gateway's write topic for a field path, e.g.
// CommandTopic("saic", "me@example.com", "VIN", "doors/locked") yields
// "saic/me@example.com/vehicles/VIN/doors/locked/set".
func CommandTopic(prefix, account, vin, fieldPath string) string {
	return fmt.Sprintf("%s/%s/%s/set", vehiclesBase(prefix, account), vin, strings.Trim(fieldPath, "/"))
}

func vehiclesBase(prefix, account string) string {
	if prefix == "" {
		return account + "/vehicles"
	}
	return prefix + "/" + account + "/vehicles"
}

// ValidVIN reports whether vin can be embedded in a topic without changing
// its structure.
func ValidVIN(vin string) bool {
	return vin != "" && !strings.ContainsAny(vin, "/+# \t\n")
}
