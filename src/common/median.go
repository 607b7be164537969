package common

import (
	"sort"
	"time"
)

// MedianDuration gets the median of a slice of durations. It returns 0 for an
// empty slice.
func MedianDuration(input []time.Duration) (median time.Duration) {

	// Start by sorting a copy of the slice
	s := make([]time.Duration, len(input))
	copy(s, input)
	sort.Slice(s, func(i, j int) bool { return s[i] < s[j] })

	// For even lengths we average the two middle values
	l := len(s)
	if l == 0 {
		return 0
	} else if l%2 == 0 {
		mid := l/2 - 1
		median = (s[mid] + s[mid+1]) / 2
	} else {
		median = s[l/2]
	}

	return median
}
