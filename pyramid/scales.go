package pyramid

import (
	"slices"
)

// Scales returns the distinct scales of mosaics, strictly ascending.
func Scales(mosaics []Mosaic) []float64 {
	scales := make([]float64, 0, len(mosaics))
	for _, m := range mosaics {
		scales = append(scales, m.Scale())
	}
	slices.Sort(scales)
	return slices.Compact(scales)
}

// MosaicsAt returns the mosaics whose scale equals the scale at index level of
// Scales(mosaics). Several mosaics can share a scale, e.g. with differing origins.
func MosaicsAt(mosaics []Mosaic, level int) []Mosaic {
	scales := Scales(mosaics)
	if level < 0 || level >= len(scales) {
		return nil
	}
	var result []Mosaic
	for _, m := range mosaics {
		if m.Scale() == scales[level] {
			result = append(result, m)
		}
	}
	return result
}

// SortMosaics orders mosaics by ascending scale, then by identifier.
func SortMosaics(mosaics []Mosaic) {
	slices.SortStableFunc(mosaics, func(a, b Mosaic) int {
		switch {
		case a.Scale() < b.Scale():
			return -1
		case a.Scale() > b.Scale():
			return 1
		case a.ID() < b.ID():
			return -1
		case a.ID() > b.ID():
			return 1
		default:
			return 0
		}
	})
}
