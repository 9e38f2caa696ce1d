package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// SLOSampleRecord is one persisted evaluation tick together with the
// window aggregates that were current when it was recorded.
type SLOSampleRecord struct {
	Bucket          time.Time
	UptimePct       decimal.Decimal
	ErrorRatePct    decimal.Decimal
	LatencyP95MS    decimal.Decimal
	AvgUptimePct    decimal.Decimal
	AvgErrorRatePct decimal.Decimal
	MaxLatencyP95MS decimal.Decimal
	CreatedAt       time.Time
}

// BreachRecord captures one committed objective violation.
type BreachRecord struct {
	BreachID        string
	TS              time.Time
	Reasons         []string
	AvgUptimePct    decimal.Decimal
	AvgErrorRatePct decimal.Decimal
	MaxLatencyP95MS decimal.Decimal
	CreatedAt       time.Time
}

// AlertRecord captures an emitted notification for auditing.
type AlertRecord struct {
	ID        int64
	TS        time.Time
	Severity  string
	Component string
	Summary   string
	Detail    string
	CreatedAt time.Time
}
