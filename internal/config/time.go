package config

import (
	"fmt"
	"time"
)

func Seconds(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}

// EverySpec renders a cron "@every" spec for an interval in seconds. An empty
// string means the job is disabled.
func EverySpec(seconds int) string {
	if seconds <= 0 {
		return ""
	}
	return fmt.Sprintf("@every %ds", seconds)
}
