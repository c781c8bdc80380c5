package token

import (
	"fmt"
	"time"
)

// FormatTimeRemaining renders the time left until expiresAt as "Xh Ym", "Ym" or "Expired".
func FormatTimeRemaining(expiresAt, now time.Time) string {
	left := expiresAt.Sub(now)
	if left <= 0 {
		return "Expired"
	}
	hours := int(left / time.Hour)
	minutes := int((left % time.Hour) / time.Minute)
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}
