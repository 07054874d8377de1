package sensors

import (
	"fmt"
	"strings"
)

var errorMarkers = []string{"error", "fail"}

// ResultFromDiagnostics converts a free-text diagnostic transcript into a
// PhaseResult. The phase counts as failed when any line contains an error
// marker, not only the last one.
//
// This only exists for transports that report text instead of structured
// results. Matching on wording is unreliable: a firmware that rephrases its
// messages produces false successes.
func ResultFromDiagnostics(id SensorID, phase Phase, lines []string) PhaseResult {
	for _, line := range lines {
		lower := strings.ToLower(line)
		for _, marker := range errorMarkers {
			if strings.Contains(lower, marker) {
				return PhaseResult{
					Sensor: id,
					Phase:  phase,
					Err:    fmt.Errorf("%w: %s", ErrPhaseFailed, strings.TrimSpace(line)),
				}
			}
		}
	}
	return PhaseResult{Sensor: id, Phase: phase}
}
