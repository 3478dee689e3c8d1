package sensors

import "fmt"

// RiskLevel is the collision risk derived from the latest obstacle distance.
type RiskLevel int32

const (
	Safe RiskLevel = iota
	Warning
	Emergency
)

func (r RiskLevel) String() string {
	switch r {
	case Safe:
		return "safe"
	case Warning:
		return "warning"
	case Emergency:
		return "emergency"
	}
	return fmt.Sprintf("risk(%d)", int32(r))
}

// Classify maps a distance to a risk level. Zero and readings beyond maxRange
// mean no valid obstacle.
func Classify(cm, maxRange uint16, emergencyCM, warningCM float64) RiskLevel {
	if cm == 0 || cm > maxRange {
		return Safe
	}
	d := float64(cm)
	switch {
	case d < emergencyCM:
		return Emergency
	case d < warningCM:
		return Warning
	}
	return Safe
}
