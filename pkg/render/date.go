package render

import (
	"strconv"
	"strings"
	"time"
)

// FormatDate formats t using date-fns style tokens (yyyy, MMM, d, HH, mm, ...).
// Text inside single quotes is copied literally, and two single quotes yield one.
// Characters that are not tokens are copied as-is.
func FormatDate(t time.Time, pattern string) string {
	var b strings.Builder
	runes := []rune(pattern)

	for i := 0; i < len(runes); {
		r := runes[i]

		if r == '\'' {
			if i+1 < len(runes) && runes[i+1] == '\'' {
				b.WriteRune('\'')
				i += 2
				continue
			}
			j := i + 1
			for j < len(runes) {
				if runes[j] == '\'' {
					if j+1 < len(runes) && runes[j+1] == '\'' {
						b.WriteRune('\'')
						j += 2
						continue
					}
					break
				}
				b.WriteRune(runes[j])
				j++
			}
			i = j + 1
			continue
		}

		n := 1
		for i+n < len(runes) && runes[i+n] == r {
			n++
		}

		if s, ok := formatToken(t, r, n); ok {
			b.WriteString(s)
		} else {
			b.WriteString(string(runes[i : i+n]))
		}
		i += n
	}

	return b.String()
}

func formatToken(t time.Time, r rune, n int) (string, bool) {
	switch r {
	case 'y':
		if n == 2 {
			return t.Format("06"), true
		}
		return pad(t.Year(), n), true
	case 'M':
		switch {
		case n >= 4:
			return t.Format("January"), true
		case n == 3:
			return t.Format("Jan"), true
		default:
			return pad(int(t.Month()), n), true
		}
	case 'd':
		return pad(t.Day(), n), true
	case 'E':
		if n >= 4 {
			return t.Format("Monday"), true
		}
		return t.Format("Mon"), true
	case 'H':
		return pad(t.Hour(), n), true
	case 'h':
		h := t.Hour() % 12
		if h == 0 {
			h = 12
		}
		return pad(h, n), true
	case 'm':
		return pad(t.Minute(), n), true
	case 's':
		return pad(t.Second(), n), true
	case 'a':
		return t.Format("PM"), true
	}
	return "", false
}

func pad(v, width int) string {
	s := strconv.Itoa(v)
	for len(s) < width {
		s = "0" + s
	}
	return s
}
