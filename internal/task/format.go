package task

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

const secondsPerDay = 86400

// FormatDuration renders seconds as "<days> days HH:MM:SS". Days are rounded,
// not truncated, and the clock part is the remainder of a day.
func FormatDuration(seconds int64) string {
	days := int64(math.Round(float64(seconds) / secondsPerDay))
	clock := time.Unix(seconds%secondsPerDay, 0).UTC().Format(time.TimeOnly)

	return fmt.Sprintf("%d days %s", days, clock)
}

// ParseDuration decodes a FormatDuration string into its day count and the
// seconds of its clock part.
func ParseDuration(human string) (days int64, clock int64, err error) {
	parts := strings.Fields(human)
	if len(parts) != 3 || parts[1] != "days" {
		return 0, 0, fmt.Errorf("invalid duration %q", human)
	}

	days, err = strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid duration days %q: %w", parts[0], err)
	}

	t, err := time.Parse(time.TimeOnly, parts[2])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid duration clock %q: %w", parts[2], err)
	}

	clock = int64(t.Hour()*3600 + t.Minute()*60 + t.Second())
	return days, clock, nil
}

// FormatMemory renders bytes as MiB rounded to three decimals, e.g. "12.345MB".
func FormatMemory(bytes uint64) string {
	mb := math.Round(float64(bytes)/1024/1024*1000) / 1000
	return strconv.FormatFloat(mb, 'f', -1, 64) + "MB"
}

// FormatKB renders bytes as rounded KiB, e.g. "2048k".
func FormatKB(bytes uint64) string {
	return strconv.FormatInt(int64(math.Round(float64(bytes)/1024)), 10) + "k"
}
