package models

// Scope partitions the ledger so drill/rehearsal traffic can never interfere
// with production quantities. Certificates, advisory locks, slots, ledger rows
// and pick tasks all carry it.
type Scope string

const (
	ScopeProd  Scope = "PROD"
	ScopeDrill Scope = "DRILL"
)

// StockReason is the closed movement vocabulary of the ledger.
type StockReason string

const (
	StockReasonReceipt      StockReason = "RECEIPT"
	StockReasonOutboundShip StockReason = "OUTBOUND_SHIP"
	StockReasonAdjust       StockReason = "ADJUST"
	StockReasonReturn       StockReason = "RETURN"
	StockReasonCount        StockReason = "COUNT"
)

func (r StockReason) Valid() bool {
	switch r {
	case StockReasonReceipt, StockReasonOutboundShip, StockReasonAdjust, StockReasonReturn, StockReasonCount:
		return true
	}
	return false
}

type PickTaskStatus string

const (
	PickTaskStatusNew      PickTaskStatus = "NEW"
	PickTaskStatusReady    PickTaskStatus = "READY"
	PickTaskStatusAssigned PickTaskStatus = "ASSIGNED"
	PickTaskStatusPicking  PickTaskStatus = "PICKING"
	PickTaskStatusDone     PickTaskStatus = "DONE"
)

// Scannable reports whether an operator scan may still land on the task.
func (s PickTaskStatus) Scannable() bool {
	switch s {
	case PickTaskStatusNew, PickTaskStatusReady, PickTaskStatusAssigned, PickTaskStatusPicking:
		return true
	}
	return false
}

type PickLineStatus string

const (
	PickLineStatusOpen    PickLineStatus = "OPEN"
	PickLineStatusPartial PickLineStatus = "PARTIAL"
	PickLineStatusDone    PickLineStatus = "DONE"
)

type DiffStatus string

const (
	DiffStatusOK    DiffStatus = "OK"
	DiffStatusUnder DiffStatus = "UNDER"
	DiffStatusOver  DiffStatus = "OVER"
)

type ShipCertificateState string

const (
	ShipCertificateStateCommitted ShipCertificateState = "COMMITTED"
)

// AuditEventType names the out-of-band audit events emitted through the outbox.
type AuditEventType string

const (
	AuditEventFefoDeviation    AuditEventType = "FEFO_DEVIATION"
	AuditEventIdempotentReplay AuditEventType = "IDEMPOTENT_REPLAY"
	AuditEventDirtyStateRepair AuditEventType = "DIRTY_STATE_REPAIR"
)

const (
	OutboxPublishStatusPending    = "PENDING"
	OutboxPublishStatusProcessing = "PROCESSING"
	OutboxPublishStatusSent       = "SENT"
	OutboxPublishStatusFailed     = "FAILED"
	OutboxPublishStatusDead       = "DEAD"
)

type OperatorRole string

const (
	OperatorRoleAdmin  OperatorRole = "Admin"
	OperatorRolePicker OperatorRole = "Picker"
)
