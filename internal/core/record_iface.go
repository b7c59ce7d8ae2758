package core

import (
	"context"

	"github.com/dkeye/ClinicCall/internal/domain"
)

// RecordStore is the durable, append-only sink for finished calls.
type RecordStore interface {
	Append(ctx context.Context, rec domain.CallRecord) error
	ListByUser(ctx context.Context, uid domain.UserID, limit int) ([]domain.CallRecord, error)
}
