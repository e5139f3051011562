package transcoder

import (
	"bufio"
	"io"
	"strconv"
	"strings"
	"time"
)

// Progress is reported while a job runs.
type Progress struct {
	Percent float64
	Pass    int // 1-based
	Passes  int
	OutTime time.Duration
	// Bytes is ffmpeg's total_size for the current pass output.
	Bytes int64
}

// readProgress consumes ffmpeg -progress key=value output, calling emit at
// the end of every block. Block boundaries are "progress=continue" and
// "progress=end" lines.
func readProgress(r io.Reader, duration time.Duration, p pass, index, total int, emit func(Progress)) {
	scanner := bufio.NewScanner(r)
	cur := Progress{Pass: index + 1, Passes: total, Percent: p.from}
	best := p.from

	for scanner.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
		if !ok {
			continue
		}
		switch key {
		case "out_time_us", "out_time_ms":
			// both are microseconds; out_time_ms is a historical misnomer
			if us, err := strconv.ParseInt(value, 10, 64); err == nil && us >= 0 {
				cur.OutTime = time.Duration(us) * time.Microsecond
			}
		case "out_time":
			if d, ok := parseClock(value); ok && cur.OutTime == 0 {
				cur.OutTime = d
			}
		case "total_size":
			if n, err := strconv.ParseInt(value, 10, 64); err == nil {
				cur.Bytes = n
			}
		case "progress":
			if value == "end" {
				best = p.to
			} else if pct := scalePercent(cur.OutTime, duration, p.from, p.to); pct > best {
				best = pct
			}
			cur.Percent = best
			if emit != nil {
				emit(cur)
			}
			cur.OutTime = 0
		}
	}
}

func scalePercent(at, duration time.Duration, from, to float64) float64 {
	if duration <= 0 || at <= 0 {
		return from
	}
	frac := float64(at) / float64(duration)
	if frac > 1 {
		frac = 1
	}
	return from + (to-from)*frac
}

// parseClock parses HH:MM:SS.fraction as printed by ffmpeg.
func parseClock(s string) (time.Duration, bool) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 3 {
		return 0, false
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 {
		return 0, false
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 {
		return 0, false
	}
	sec, err := strconv.ParseFloat(parts[2], 64)
	if err != nil || sec < 0 {
		return 0, false
	}
	total := time.Duration(h)*time.Hour + time.Duration(m)*time.Minute +
		time.Duration(sec*float64(time.Second))
	return total, true
}
