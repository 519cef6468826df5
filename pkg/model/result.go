package model

// Build and item results. A running build has an empty result.
const (
	ResultSuccess       = "SUCCESS"
	ResultFailure       = "FAILURE"
	ResultAborted       = "ABORTED"
	ResultCanceled      = "CANCELED"
	ResultSkipped       = "SKIPPED"
	ResultRetry         = "RETRY"
	ResultRetryLimit    = "RETRY_LIMIT"
	ResultMergeConflict = "MERGE_CONFLICT"
	ResultPostFailure   = "POST_FAILURE"
	ResultDiskFull      = "DISK_FULL"
	ResultNodeFailure   = "NODE_FAILURE"
	ResultTimedOut      = "TIMED_OUT"
	ResultDequeued      = "DEQUEUED"
)

// NormalizeResult maps legacy result spellings onto their current constant.
// MERGER_FAILURE survives in old executors and on the wire.
func NormalizeResult(result string) string {
	if result == "MERGER_FAILURE" {
		return ResultMergeConflict
	}
	return result
}

// IsResultRetryable reports whether a build result is a recoverable
// infrastructure failure that counts against the job's attempts rather than
// a verdict on the change.
func IsResultRetryable(result string) bool {
	switch NormalizeResult(result) {
	case ResultAborted, ResultMergeConflict, ResultRetry:
		return true
	}
	return false
}
