// Package format renders counts and sizes for CLI and log output.
package format

import "fmt"

const (
	thousand = 1_000
	million  = 1_000_000
	billion  = 1_000_000_000
	trillion = 1_000_000_000_000
)

var numberScales = []struct {
	cutoff uint64
	suffix string
}{
	{trillion, "T"},
	{billion, "B"},
	{million, "M"},
	{thousand, "K"},
}

// HumanNumber abbreviates large counts, such as parameter totals, keeping
// three significant digits.
func HumanNumber(n uint64) string {
	for _, s := range numberScales {
		if n >= s.cutoff {
			return sigfigs(float64(n)/float64(s.cutoff)) + s.suffix
		}
	}

	return fmt.Sprintf("%d", n)
}

func sigfigs(v float64) string {
	switch {
	case v >= 100:
		return fmt.Sprintf("%.0f", v)
	case v >= 10:
		return fmt.Sprintf("%.1f", v)
	default:
		return fmt.Sprintf("%.2f", v)
	}
}
