package irt

// CEFR proficiency levels, lowest to highest.
const (
	LevelA1 = "A1"
	LevelA2 = "A2"
	LevelB1 = "B1"
	LevelB2 = "B2"
	LevelC1 = "C1"
	LevelC2 = "C2"
)

// Levels lists the CEFR bands in ascending order.
var Levels = []string{LevelA1, LevelA2, LevelB1, LevelB2, LevelC1, LevelC2}

// BandScale maps each CEFR level to the lower bound of its theta band.
// A theta falls into the first half-open band [lower, nextLower) that
// contains it; below the A1 minimum maps to A1 and above the C2 band to C2.
type BandScale struct {
	// Lower bounds in Levels order. Must be strictly increasing.
	Lower [6]float64
}

// DefaultBandScale is the calibrated proficiency range for the platform.
var DefaultBandScale = BandScale{Lower: [6]float64{-2.0, -1.0, 0.0, 1.0, 2.0, 3.0}}

// Band maps theta to a CEFR level.
func (s BandScale) Band(theta float64) string {
	for i := len(s.Lower) - 1; i >= 0; i-- {
		if theta >= s.Lower[i] {
			return Levels[i]
		}
	}
	return LevelA1
}

// Midpoint returns the theta midpoint of a level's band. The top band is
// treated as ending at ThetaMax.
func (s BandScale) Midpoint(level string) float64 {
	idx := LevelIndex(level)
	lo := s.Lower[idx]
	hi := ThetaMax
	if idx < len(s.Lower)-1 {
		hi = s.Lower[idx+1]
	}
	return (lo + hi) / 2
}

// NextLevel returns the band one above the given one, saturating at C2.
func NextLevel(level string) string {
	idx := LevelIndex(level)
	if idx >= len(Levels)-1 {
		return LevelC2
	}
	return Levels[idx+1]
}

// LevelIndex returns the position of a level in Levels, or 0 for unknown
// input.
func LevelIndex(level string) int {
	for i, l := range Levels {
		if l == level {
			return i
		}
	}
	return 0
}

// AtOrAbove reports whether level a is at least level b.
func AtOrAbove(a, b string) bool { return LevelIndex(a) >= LevelIndex(b) }
