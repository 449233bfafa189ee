// Package domain contains the wallet ledger models. Balances are cached
// aggregates; the transaction log is the source of truth and replaying it
// must always reproduce the stored balance.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/opsfield/opsfield/pkg/db/pagination"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// OwnerKind distinguishes the two wallet populations. Both share the same
// ledger mechanics.
type OwnerKind string

const (
	OwnerOrg        OwnerKind = "org"
	OwnerContractor OwnerKind = "contractor"
)

// TxType is the direction of a ledger entry.
type TxType string

const (
	TxCredit TxType = "credit"
	TxDebit  TxType = "debit"
)

// Source labels what a ledger entry paid for or was funded by.
type Source string

const (
	SourceStorageOverage     Source = "storage_overage"
	SourceSubscriptionCharge Source = "subscription_charge"
	SourceTopup              Source = "topup"
	SourcePayout             Source = "payout"
	SourceManualAdjustment   Source = "manual_adjustment"
)

// AllowsOverdraft reports whether a debit with this source may push the
// balance negative. Storage overage accrues as debt so usage is never
// interrupted mid-hour; everything else requires funds up front.
func AllowsOverdraft(source Source) bool {
	return source == SourceStorageOverage
}

// Wallet is the cached balance for one owner. Amounts are RUB.
type Wallet struct {
	ID           snowflake.ID `gorm:"primaryKey" json:"id"`
	OwnerKind    OwnerKind    `gorm:"type:text;not null;uniqueIndex:ux_wallets_owner" json:"owner_kind"`
	OwnerID      snowflake.ID `gorm:"not null;uniqueIndex:ux_wallets_owner" json:"owner_id"`
	Balance      float64      `gorm:"not null;default:0" json:"balance"`
	BonusBalance float64      `gorm:"not null;default:0" json:"bonus_balance"`
	Currency     string       `gorm:"type:text;not null;default:'RUB'" json:"currency"`
	CreatedAt    time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt    time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (Wallet) TableName() string { return "wallets" }

// WalletTransaction is one append-only ledger entry. Amount is always
// positive; Type carries the sign. BalanceAfter snapshots the wallet
// balance at append time so the log is auditable without replay.
type WalletTransaction struct {
	ID           snowflake.ID      `gorm:"primaryKey" json:"id"`
	WalletID     snowflake.ID      `gorm:"not null;index:ix_wallet_txns_wallet" json:"wallet_id"`
	Type         TxType            `gorm:"type:text;not null" json:"type"`
	Source       Source            `gorm:"type:text;not null" json:"source"`
	Amount       float64           `gorm:"not null" json:"amount"`
	BalanceAfter float64           `gorm:"not null" json:"balance_after"`
	Metadata     datatypes.JSONMap `gorm:"type:jsonb" json:"metadata,omitempty"`
	CreatedAt    time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

// TableName sets the database table name.
func (WalletTransaction) TableName() string { return "wallet_transactions" }

type Service interface {
	// GetOrCreate lazily provisions the wallet for an owner.
	GetOrCreate(ctx context.Context, ownerKind OwnerKind, ownerID snowflake.ID) (Wallet, error)
	Credit(ctx context.Context, ownerKind OwnerKind, ownerID snowflake.ID, amount float64, source Source, metadata map[string]any) (WalletTransaction, error)
	Debit(ctx context.Context, ownerKind OwnerKind, ownerID snowflake.ID, amount float64, source Source, metadata map[string]any) (WalletTransaction, error)
	// DebitTx is Debit running inside the caller's transaction, so a
	// charge record and its ledger entry commit or roll back together.
	DebitTx(ctx context.Context, tx *gorm.DB, ownerKind OwnerKind, ownerID snowflake.ID, amount float64, source Source, metadata map[string]any) (WalletTransaction, error)
	// Replay recomputes the balance from the transaction log.
	Replay(ctx context.Context, walletID snowflake.ID) (float64, error)
	Transactions(ctx context.Context, walletID snowflake.ID, page pagination.Pagination) ([]WalletTransaction, *pagination.PageInfo, error)
}

var (
	ErrInvalidAmount     = errors.New("invalid_amount")
	ErrInvalidOwnerKind  = errors.New("invalid_owner_kind")
	ErrWalletNotFound    = errors.New("wallet_not_found")
	ErrInsufficientFunds = errors.New("insufficient_funds")
)
