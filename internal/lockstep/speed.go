package lockstep

import "slices"

// NegotiateSpeed returns the median of the desired speeds, averaging the two
// central values for an even count. With exactly two speeds the faster one
// is first lowered to at most bound above the slower, so a single peer
// cannot drag the session to an extreme speed. A lone speed is returned as
// is.
func NegotiateSpeed(speeds []uint16, bound uint16) uint16 {
	switch len(speeds) {
	case 0:
		return 0
	case 1:
		return speeds[0]
	}
	sorted := make([]int, len(speeds))
	for i, speed := range speeds {
		sorted[i] = int(speed)
	}
	slices.Sort(sorted)
	if len(sorted) == 2 && sorted[1] > sorted[0]+int(bound) {
		sorted[1] = sorted[0] + int(bound)
	}
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return uint16(sorted[mid])
	}
	return uint16((sorted[mid-1] + sorted[mid]) / 2)
}
