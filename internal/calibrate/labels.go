package calibrate

import (
	"strconv"
	"strings"
)

// parseValueLabel parses a value-axis tick label such as "180" or "70.5".
// OCR artifacts (stray punctuation, unit suffixes) are stripped first.
func parseValueLabel(text string) (float64, bool) {
	cleaned := strings.TrimFunc(text, func(r rune) bool {
		return (r < '0' || r > '9') && r != '.'
	})
	if cleaned == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// parseTimeLabel parses a time-axis tick label into minutes of day.
//
// Accepted forms: "06:00", "6:30", "6", "18", "6am", "6pm", "12AM", "12PM".
// A bare hour must be in [0,23].
func parseTimeLabel(text string) (float64, bool) {
	s := strings.ToLower(strings.TrimSpace(text))
	s = strings.TrimSuffix(s, ".")

	meridiem := ""
	switch {
	case strings.HasSuffix(s, "am"):
		meridiem = "am"
		s = strings.TrimSuffix(s, "am")
	case strings.HasSuffix(s, "pm"):
		meridiem = "pm"
		s = strings.TrimSuffix(s, "pm")
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}

	hourPart, minutePart := s, "0"
	if idx := strings.IndexByte(s, ':'); idx >= 0 {
		hourPart, minutePart = s[:idx], s[idx+1:]
	}

	hour, err := strconv.Atoi(hourPart)
	if err != nil {
		return 0, false
	}
	minute, err := strconv.Atoi(minutePart)
	if err != nil || minute < 0 || minute > 59 {
		return 0, false
	}

	switch meridiem {
	case "am":
		if hour < 1 || hour > 12 {
			return 0, false
		}
		if hour == 12 {
			hour = 0
		}
	case "pm":
		if hour < 1 || hour > 12 {
			return 0, false
		}
		if hour != 12 {
			hour += 12
		}
	default:
		if hour < 0 || hour > 23 {
			return 0, false
		}
	}

	return float64(hour*60 + minute), true
}
