package domain

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// SourceType names the reason a credit moved.
type SourceType string

const (
	SourceTypeCreditUse    SourceType = "credit_use"    // credit reserved by a request
	SourceTypeCreditRefund SourceType = "credit_refund" // reserved credit returned after a failure
)

// Entry is one immutable credit movement. (user_id, source_type, source_id) is unique,
// so the same logical movement can never be applied twice.
type Entry struct {
	ID           int64      `gorm:"primaryKey"`
	UserID       int64      `gorm:"not null;uniqueIndex:ux_credit_ledger_source,priority:1"`
	RequestID    int64      `gorm:"not null;index"`
	SourceType   SourceType `gorm:"type:text;not null;uniqueIndex:ux_credit_ledger_source,priority:2"`
	SourceID     string     `gorm:"type:text;not null;uniqueIndex:ux_credit_ledger_source,priority:3"`
	Amount       int        `gorm:"not null"`
	BalanceAfter int        `gorm:"not null"`
	CreatedAt    time.Time  `gorm:"not null"`
}

// TableName sets the database table name.
func (Entry) TableName() string { return "credit_ledger_entries" }

// Posting is a requested credit movement.
type Posting struct {
	UserID     int64
	RequestID  int64
	SourceType SourceType
	SourceID   string
	Amount     int
}

// Service posts credit movements inside a caller-owned transaction.
type Service interface {
	// PostTx applies p and reports whether it was new. A replayed posting returns false, nil.
	PostTx(ctx context.Context, tx *gorm.DB, p Posting) (bool, error)
	ListByUser(ctx context.Context, userID int64) ([]Entry, error)
}

var (
	ErrInvalidUser         = errors.New("invalid_user")
	ErrInvalidSourceType   = errors.New("invalid_source_type")
	ErrInvalidSourceID     = errors.New("invalid_source_id")
	ErrInvalidAmount       = errors.New("invalid_amount")
	ErrInsufficientCredits = errors.New("insufficient_credits")
)
