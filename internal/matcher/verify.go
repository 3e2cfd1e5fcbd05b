// Package matcher decides which enrolled identity, if any, a probe encoding belongs to
// and owns identity enrollment.
package matcher

import (
	"fmt"
	"maps"
	"math"
	"slices"

	"github.com/kozaktomas/face-attendance/internal/database"
)

// DefaultTolerance is the maximum Euclidean distance accepted as a match.
const DefaultTolerance = 0.6

// Outcome enumerates the possible results of a verification.
type Outcome int

const (
	// Matched means at least one candidate lies within tolerance.
	Matched Outcome = iota + 1
	// NoMatch means candidates existed but none was close enough.
	NoMatch
	// NoCandidates means the registry is empty.
	NoCandidates
	// InvalidInput means the probe cannot be compared with the candidates.
	InvalidInput
)

func (o Outcome) String() string {
	switch o {
	case Matched:
		return "matched"
	case NoMatch:
		return "no_match"
	case NoCandidates:
		return "no_candidates"
	case InvalidInput:
		return "invalid_input"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result of Verify. IdentityID and Distance are set only when Outcome is Matched;
// Reason is set only for InvalidInput.
type Result struct {
	Outcome    Outcome
	IdentityID int64
	Distance   float64
	Reason     string
}

// Verify finds the closest candidate within tolerance. Ties on distance go to the
// lowest identity id, so the result does not depend on map iteration order.
// Encodings with NaN or infinite components cannot be compared and give InvalidInput.
func Verify(probe []float32, candidates map[int64][]float32, tolerance float64) Result {
	if len(candidates) == 0 {
		return Result{Outcome: NoCandidates}
	}
	if len(probe) == 0 {
		return Result{Outcome: InvalidInput, Reason: "empty probe encoding"}
	}
	if !finite(probe) {
		return Result{Outcome: InvalidInput, Reason: "probe encoding has non-finite components"}
	}

	ids := slices.Sorted(maps.Keys(candidates))
	for _, id := range ids {
		if len(candidates[id]) != len(probe) {
			return Result{
				Outcome: InvalidInput,
				Reason:  fmt.Sprintf("probe has %d dimensions, identity %d has %d", len(probe), id, len(candidates[id])),
			}
		}
		if !finite(candidates[id]) {
			return Result{
				Outcome: InvalidInput,
				Reason:  fmt.Sprintf("identity %d has a non-finite encoding", id),
			}
		}
	}

	best := Result{Outcome: NoMatch}
	for _, id := range ids {
		d := database.EuclideanDistance(probe, candidates[id])
		// a NaN distance fails every comparison, so test the match condition directly
		if !(d <= tolerance) {
			continue
		}
		// ids are ascending, so strict < keeps the lowest id on ties
		if best.Outcome != Matched || d < best.Distance {
			best = Result{Outcome: Matched, IdentityID: id, Distance: d}
		}
	}
	return best
}

// finite reports whether every component of v is a real number.
func finite(v []float32) bool {
	for _, x := range v {
		if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
			return false
		}
	}
	return true
}
