package weather

import "strings"

// conditionRanks maps condition text to a 0-10 severity. 0 is calm, 10 is
// destructive; anything the table doesn't know ranks as moderate.
var conditionRanks = map[string]int{
	"clear":         0,
	"partly cloudy": 2,
	"cloudy":        4,
	"overcast":      5,
	"rain":          6,
	"thunderstorm":  8,
	"snow":          9,
	"tornado":       10,
	"hurricane":     10,
}

// DefaultRank is the severity assigned to condition text not in the table.
const DefaultRank = 5

// Rank maps free-text condition to a severity rank. The lookup is
// case-insensitive and total: unknown text never fails, it ranks moderate.
func Rank(condition string) int {
	if r, ok := conditionRanks[strings.ToLower(condition)]; ok {
		return r
	}
	return DefaultRank
}
