package cache

import (
	"fmt"

	"github.com/google/uuid"
)

func JobStatusKey(kind string, jobID uuid.UUID) string {
	return fmt.Sprintf("%s:status:%s", kind, jobID)
}

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ratelimit:%s", keyPrefix)
}

func CallbackRateLimitKey(remoteAddr string) string {
	return fmt.Sprintf("ratelimit:callback:%s", remoteAddr)
}
