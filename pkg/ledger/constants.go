package ledger

import "time"

const (
	operationApply     = "apply"
	operationPark      = "park"
	operationReconcile = "reconcile"

	operationStatusOK        = "ok"
	operationStatusError     = "error"
	operationStatusDuplicate = "duplicate"

	defaultMetadataJSON = "{}"
	defaultHistoryLimit = 20

	defaultApplyAttempts = 3
	defaultRetryBackoff  = 25 * time.Millisecond
)
