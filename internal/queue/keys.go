package queue

import "strconv"

// Redis key layout. Every queue consumer — servers, workers, ops tooling —
// addresses the same keys, so none of these may change without coordinating
// the whole fleet.
const (
	// jobsKey is the hash of job id → envelope JSON. A job's body lives
	// here exactly while it is queued.
	jobsKey = "tts:jobs"

	// jobIndexKey is the hash of "user:doc:block" → job id, maintained for
	// tracked jobs so cursor-window eviction can find them.
	jobIndexKey = "tts:job_index"

	// resultsKey is the list all workers push results onto (LPUSH) and the
	// result consumer pops from (BRPOP).
	resultsKey = "tts:results"

	processingPrefix  = "tts:processing:"
	processingPattern = processingPrefix + "*"

	queuePrefix = "tts:queue:"
	dlqPrefix   = "tts:dlq:"

	// scannerLeaderKey elects a single visibility scanner per interval.
	scannerLeaderKey = "tts:scanner:leader"
)

func queueKey(model string) string { return queuePrefix + model }

func dlqKey(model string) string { return dlqPrefix + model }

func processingKey(workerID string) string { return processingPrefix + workerID }

// IndexKey returns the per-block index field under which a tracked job is
// registered for eviction lookups.
func IndexKey(userID, documentID string, block int) string {
	return userID + ":" + documentID + ":" + strconv.Itoa(block)
}
