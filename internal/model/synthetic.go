package model

// OriginScheduler is the origin of every synthetic event.
const OriginScheduler = "scheduler"

// Synthetic event metadata keys, carried in Event.Before.
const (
	MetaSpec      = "spec"
	MetaUnit      = "unit"
	MetaValue     = "value"
	MetaField     = "field"
	MetaDirection = "direction"
	MetaFireAt    = "fireAt"
	MetaFiredAt   = "firedAt"
	MetaRowID     = "rowId"
)
