package cache

import (
	"fmt"

	"github.com/google/uuid"
)

func AnalysisKey(projectID uuid.UUID, fingerprint string) string {
	return fmt.Sprintf("analysis:%s:%s", projectID, fingerprint)
}

// AnalysisIndexKey is the set of live analysis keys of one project, used for per-project flushes.
func AnalysisIndexKey(projectID uuid.UUID) string {
	return fmt.Sprintf("analysis:index:%s", projectID)
}

func StatsKey(projectID uuid.UUID) string {
	return fmt.Sprintf("cache:stats:%s", projectID)
}

func AnalysisLockKey(failureID uuid.UUID) string {
	return fmt.Sprintf("lock:analysis:%s", failureID)
}

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ratelimit:%s", keyPrefix)
}

func LokiQueryKey(projectID uuid.UUID, queryHash string) string {
	return fmt.Sprintf("loki:query:%s:%s", projectID, queryHash)
}
