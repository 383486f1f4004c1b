package cli

import (
	"sort"
	"time"
)

const timeUnit = 100 * time.Millisecond

// sortedParamNames returns the map's keys in stable order for printing.
func sortedParamNames(m map[string]float64) []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
