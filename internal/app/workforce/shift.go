package workforce

import "time"

// Shift codes by wall-clock hour, half-open intervals. A boundary hour
// belongs to the shift that starts on it.
const (
	ShiftA = "A" // [08:00, 16:00)
	ShiftB = "B" // [16:00, 24:00)
	ShiftC = "C" // [00:00, 08:00)
)

func ShiftForHour(hour int) string {
	switch {
	case hour >= 8 && hour < 16:
		return ShiftA
	case hour >= 16 && hour < 24:
		return ShiftB
	default:
		return ShiftC
	}
}

func ShiftForTime(t time.Time) string {
	return ShiftForHour(t.Hour())
}
