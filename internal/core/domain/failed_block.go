package domain

// FailedJob is a job that exhausted its retries and was recorded in the ledger.
type FailedJob struct {
	ID          string          `json:"id"`
	Queue       string          `json:"queue"`
	Height      uint64          `json:"height"`
	FailureType FailureType     `json:"failure_type"`
	Error       string          `json:"error_msg"`
	RetryCount  int             `json:"retry_count"`
	Status      FailedJobStatus `json:"status"`
	LastAttempt int64           `json:"last_attempt"`
	CreatedAt   int64           `json:"created_at"`
}

type FailedJobStatus string

const (
	FailedJobStatusPending  FailedJobStatus = "pending"
	FailedJobStatusResolved FailedJobStatus = "resolved"
	FailedJobStatusIgnored  FailedJobStatus = "ignored"
)

type FailureType string

const (
	FailureTypeNode      FailureType = "node"
	FailureTypeMalformed FailureType = "malformed"
	FailureTypeDatabase  FailureType = "database"
	FailureTypeFork      FailureType = "fork"
	FailureTypePermanent FailureType = "permanent"
)
