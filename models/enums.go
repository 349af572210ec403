package models

// Sync delivery status of a locally created transaction. Synced is terminal.
type SyncStatus string

const (
	SyncStatusPending SyncStatus = "pending"
	SyncStatusSynced  SyncStatus = "synced"
	SyncStatusFailed  SyncStatus = "failed"
)

type SyncDirection string

const (
	SyncDirectionPull SyncDirection = "pull"
	SyncDirectionPush SyncDirection = "push"
)

type SyncResource string

const (
	SyncResourceProducts     SyncResource = "products"
	SyncResourceTransactions SyncResource = "transactions"
)

const (
	SyncRunStatusRunning = "running"
	SyncRunStatusSuccess = "success"
	SyncRunStatusFailed  = "failed"
	SyncRunStatusPartial = "partial"
)

const (
	SyncTriggeredManual   = "manual"
	SyncTriggeredSchedule = "schedule"
	SyncTriggeredRecovery = "recovery"
	SyncTriggeredRetry    = "retry"
	SyncTriggeredCheckout = "checkout"
)

// Settings keys. Cursor keys are LastSyncKey(resource).
const (
	SettingKeyAPIBaseURL = "api_base_url"
	SettingKeyAuthToken  = "auth_token"
)

// EpochSentinel is the cursor default so the first pull fetches everything.
const EpochSentinel = "1970-01-01T00:00:00Z"

func LastSyncKey(resource SyncResource) string {
	return "last_sync_" + string(resource)
}
