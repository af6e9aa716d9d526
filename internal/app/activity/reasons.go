package activity

// Pause reason catalog. STOP events must carry one of these codes; the codes
// are fixed plant-wide and mirrored in the ERP.
var pauseReasons = map[string]string{
	"1": "setup / changeover",
	"2": "material shortage",
	"3": "machine breakdown",
	"4": "scheduled break",
	"5": "quality hold",
}

func IsKnownPauseReason(code string) bool {
	_, ok := pauseReasons[code]
	return ok
}

func PauseReasonLabel(code string) string {
	return pauseReasons[code]
}
