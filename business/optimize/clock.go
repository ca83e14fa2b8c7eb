package optimize

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

const minutesPerDay = 1440

var clockRe = regexp.MustCompile(`^\d{2}:\d{2}$`)

// TimeStrToMinutes converts an "HH:MM" clock string to minutes since
// midnight. "08:30" becomes 510.
func TimeStrToMinutes(timeStr string) (int, error) {
	if !clockRe.MatchString(timeStr) {
		return 0, fmt.Errorf("time must be in HH:MM format, got %q", timeStr)
	}
	parts := strings.SplitN(timeStr, ":", 2)
	hour, _ := strconv.Atoi(parts[0])
	minute, _ := strconv.Atoi(parts[1])
	if hour > 23 || minute > 59 {
		return 0, fmt.Errorf("invalid time value %q", timeStr)
	}
	return hour*60 + minute, nil
}

// MinutesToTimeStr converts minutes since midnight to "HH:MM", wrapping at
// 24 hours. 510 becomes "08:30".
func MinutesToTimeStr(minutes int) string {
	minutes = ((minutes % minutesPerDay) + minutesPerDay) % minutesPerDay
	return fmt.Sprintf("%02d:%02d", minutes/60, minutes%60)
}

// AddMinutesToTime adds minutes to an "HH:MM" string, wrapping at 24 hours.
func AddMinutesToTime(timeStr string, minutes int) (string, error) {
	base, err := TimeStrToMinutes(timeStr)
	if err != nil {
		return "", err
	}
	return MinutesToTimeStr(base + minutes), nil
}
