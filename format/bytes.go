package format

import "fmt"

var byteUnits = []struct {
	cutoff int64
	name   string
}{
	{trillion, "TB"},
	{billion, "GB"},
	{million, "MB"},
	{thousand, "KB"},
}

// HumanBytes renders b in decimal units with one fraction digit. Sizes at
// or below a unit boundary stay in the smaller unit.
func HumanBytes(b int64) string {
	for _, u := range byteUnits {
		if b > u.cutoff {
			return fmt.Sprintf("%.1f %s", float64(b)/float64(u.cutoff), u.name)
		}
	}

	return fmt.Sprintf("%d B", b)
}
