package avtransport

import (
	"strconv"
	"strings"
)

// parseDuration converts a UPnP "H:MM:SS(.fff)" duration string to
// milliseconds. It returns false if the string cannot be parsed, matching
// the component contract: duration failures never abort the enclosing
// TrackChanged event, they just leave the duration unset.
func parseDuration(s string) (uint64, bool) {
	parts := strings.Split(s, ":")
	if len(parts) < 3 {
		return 0, false
	}

	hours, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return 0, false
	}
	minutes, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return 0, false
	}
	seconds, err := strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return 0, false
	}

	totalMs := (hours*3600+minutes*60)*1000 + uint64(seconds*1000.0)
	return totalMs, true
}
