package enums

// ChannelType distinguishes the in-store source of truth from online
// channels that receive buffer-adjusted quantities.
type ChannelType string

const (
	ChannelTypePOS        ChannelType = "pos"
	ChannelTypeStorefront ChannelType = "storefront"
	ChannelTypeDelivery   ChannelType = "delivery"
)

// Online reports whether stock pushed to this channel type is reduced by the
// product's buffer stock.
func (t ChannelType) Online() bool {
	return t != ChannelTypePOS
}

// Valid reports whether the channel type is one the engine understands.
func (t ChannelType) Valid() bool {
	switch t {
	case ChannelTypePOS, ChannelTypeStorefront, ChannelTypeDelivery:
		return true
	}
	return false
}

// ChangeType classifies a normalized stock change.
type ChangeType string

const (
	ChangeTypeSale       ChangeType = "sale"
	ChangeTypeRestock    ChangeType = "restock"
	ChangeTypeAdjustment ChangeType = "adjustment"
	ChangeTypeReturn     ChangeType = "return"
	ChangeTypeOrder      ChangeType = "order"
	ChangeTypeUnknown    ChangeType = "unknown"
)

// SyncStatus tracks the lifecycle of one propagation attempt.
type SyncStatus string

const (
	SyncStatusPending    SyncStatus = "pending"
	SyncStatusProcessing SyncStatus = "processing"
	SyncStatusCompleted  SyncStatus = "completed"
	SyncStatusFailed     SyncStatus = "failed"
)

// AlertType identifies the condition behind a raised alert.
type AlertType string

const (
	AlertTypeLowStock            AlertType = "low_stock"
	AlertTypeSyncError           AlertType = "sync_error"
	AlertTypeChannelDisconnected AlertType = "channel_disconnected"
	AlertTypeSystem              AlertType = "system"
)

// DriftSeverity grades the largest per-channel drift found by reconciliation.
type DriftSeverity string

const (
	DriftSeverityLow    DriftSeverity = "low"
	DriftSeverityMedium DriftSeverity = "medium"
	DriftSeverityHigh   DriftSeverity = "high"
)

// NotifyChannel selects how an alert is delivered.
type NotifyChannel string

const (
	NotifyInApp NotifyChannel = "in_app"
	NotifyEmail NotifyChannel = "email"
)

// SyncOperation discriminates the sync job variants.
type SyncOperation string

const (
	SyncOpFull        SyncOperation = "full_sync"
	SyncOpChannel     SyncOperation = "channel_sync"
	SyncOpProduct     SyncOperation = "product_sync"
	SyncOpStockChange SyncOperation = "stock_change"
)
