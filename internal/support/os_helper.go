package support

import (
	"os"
	"strconv"
	"time"
)

func GetEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func GetEnvInt(key string, fallback int) int {
	if value, exists := os.LookupEnv(key); exists {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

// GetEnvSeconds reads a whole number of seconds. Values <= 0 disable the
// setting and come back as 0.
func GetEnvSeconds(key string, fallback time.Duration) time.Duration {
	seconds := GetEnvInt(key, int(fallback/time.Second))
	if seconds <= 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}
