// Package geo validates submitted coordinates against the configured map
// rectangle and resolves addresses through a Nominatim-compatible endpoint,
// memoized by a bounded LRU cache.
package geo

// Bounds is the rectangle of coordinates the service accepts.
type Bounds struct {
	North float64
	South float64
	East  float64
	West  float64
}

// Contains reports whether the point sits inside the rectangle. Edges count
// as inside.
func (b Bounds) Contains(lat, lng float64) bool {
	return lat >= b.South && lat <= b.North && lng >= b.West && lng <= b.East
}
