package ui

import (
	"fmt"
	"strconv"
	"time"

	"github.com/bamsammich/reel/internal/stats"
)

// FormatBytes renders a byte count with binary units.
func FormatBytes(b int64) string {
	return stats.FormatBytes(b)
}

// FormatRate renders a transfer rate, e.g. "1.5 MiB/s".
func FormatRate(bytesPerSec float64) string {
	if bytesPerSec < 1 {
		return "0 B/s"
	}
	return stats.FormatBytes(int64(bytesPerSec)) + "/s"
}

// FormatCount groups the digits of n in threes: 1204 is "1,204".
func FormatCount(n int64) string {
	s := strconv.FormatInt(n, 10)
	sign := ""
	if n < 0 {
		sign, s = "-", s[1:]
	}
	out := make([]byte, 0, len(s)+len(s)/3)
	for i := range len(s) {
		if i > 0 && (len(s)-i)%3 == 0 {
			out = append(out, ',')
		}
		out = append(out, s[i])
	}
	return sign + string(out)
}

// FormatDuration renders an elapsed time as H:MM:SS, dropping the hours
// when there are none.
func FormatDuration(d time.Duration) string {
	secs := int64(d.Round(time.Second) / time.Second)
	h, m, s := secs/3600, secs/60%60, secs%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}
