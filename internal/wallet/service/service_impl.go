package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/opsfield/opsfield/internal/config"
	"github.com/opsfield/opsfield/internal/observability/metrics"
	walletdomain "github.com/opsfield/opsfield/internal/wallet/domain"
	"github.com/opsfield/opsfield/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Cfg   config.Config
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	currency string
}

func NewService(p Params) walletdomain.Service {
	currency := strings.TrimSpace(p.Cfg.Billing.Currency)
	if currency == "" {
		currency = "RUB"
	}
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("wallet.service"),
		genID:    p.GenID,
		currency: currency,
	}
}

func validOwnerKind(kind walletdomain.OwnerKind) bool {
	return kind == walletdomain.OwnerOrg || kind == walletdomain.OwnerContractor
}

func (s *Service) GetOrCreate(ctx context.Context, ownerKind walletdomain.OwnerKind, ownerID snowflake.ID) (walletdomain.Wallet, error) {
	return s.getOrCreate(ctx, s.db, ownerKind, ownerID)
}

func (s *Service) getOrCreate(ctx context.Context, tx *gorm.DB, ownerKind walletdomain.OwnerKind, ownerID snowflake.ID) (walletdomain.Wallet, error) {
	if !validOwnerKind(ownerKind) {
		return walletdomain.Wallet{}, walletdomain.ErrInvalidOwnerKind
	}

	var wallet walletdomain.Wallet
	err := tx.WithContext(ctx).
		Where("owner_kind = ? AND owner_id = ?", ownerKind, ownerID).
		First(&wallet).Error
	if err == nil {
		return wallet, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return walletdomain.Wallet{}, err
	}

	now := time.Now().UTC()
	wallet = walletdomain.Wallet{
		ID:        s.genID.Generate(),
		OwnerKind: ownerKind,
		OwnerID:   ownerID,
		Currency:  s.currency,
		CreatedAt: now,
		UpdatedAt: now,
	}
	// Two callers provisioning the same owner race on the unique index.
	// A raised constraint error would poison the surrounding postgres
	// transaction, so the loser is absorbed by the conflict clause and
	// re-reads the winner's row.
	result := tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "owner_kind"}, {Name: "owner_id"}},
			DoNothing: true,
		}).
		Create(&wallet)
	if result.Error != nil {
		return walletdomain.Wallet{}, result.Error
	}
	if result.RowsAffected == 0 {
		var existing walletdomain.Wallet
		if err := tx.WithContext(ctx).
			Where("owner_kind = ? AND owner_id = ?", ownerKind, ownerID).
			First(&existing).Error; err != nil {
			return walletdomain.Wallet{}, err
		}
		return existing, nil
	}
	return wallet, nil
}

func (s *Service) Credit(ctx context.Context, ownerKind walletdomain.OwnerKind, ownerID snowflake.ID, amount float64, source walletdomain.Source, metadata map[string]any) (walletdomain.WalletTransaction, error) {
	if amount <= 0 {
		return walletdomain.WalletTransaction{}, walletdomain.ErrInvalidAmount
	}

	var txn walletdomain.WalletTransaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		wallet, err := s.getOrCreate(ctx, tx, ownerKind, ownerID)
		if err != nil {
			return err
		}

		result := tx.WithContext(ctx).
			Model(&walletdomain.Wallet{}).
			Where("id = ?", wallet.ID).
			Updates(map[string]any{
				"balance":    gorm.Expr("balance + ?", amount),
				"updated_at": time.Now().UTC(),
			})
		if result.Error != nil {
			return result.Error
		}

		txn, err = s.appendEntry(ctx, tx, wallet.ID, walletdomain.TxCredit, source, amount, metadata)
		return err
	})
	if err != nil {
		return walletdomain.WalletTransaction{}, err
	}

	metrics.Billing().IncWalletTransaction(string(ownerKind), string(walletdomain.TxCredit), string(source))
	return txn, nil
}

func (s *Service) Debit(ctx context.Context, ownerKind walletdomain.OwnerKind, ownerID snowflake.ID, amount float64, source walletdomain.Source, metadata map[string]any) (walletdomain.WalletTransaction, error) {
	var txn walletdomain.WalletTransaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		txn, err = s.DebitTx(ctx, tx, ownerKind, ownerID, amount, source, metadata)
		return err
	})
	if err != nil {
		return walletdomain.WalletTransaction{}, err
	}
	return txn, nil
}

// DebitTx applies the debit inside the caller's transaction. The balance
// check and the decrement are one conditional UPDATE, so two concurrent
// debits can never both spend the same funds.
func (s *Service) DebitTx(ctx context.Context, tx *gorm.DB, ownerKind walletdomain.OwnerKind, ownerID snowflake.ID, amount float64, source walletdomain.Source, metadata map[string]any) (walletdomain.WalletTransaction, error) {
	if amount <= 0 {
		return walletdomain.WalletTransaction{}, walletdomain.ErrInvalidAmount
	}

	wallet, err := s.getOrCreate(ctx, tx, ownerKind, ownerID)
	if err != nil {
		return walletdomain.WalletTransaction{}, err
	}

	query := tx.WithContext(ctx).
		Model(&walletdomain.Wallet{}).
		Where("id = ?", wallet.ID)
	if !walletdomain.AllowsOverdraft(source) {
		query = query.Where("balance >= ?", amount)
	}
	result := query.Updates(map[string]any{
		"balance":    gorm.Expr("balance - ?", amount),
		"updated_at": time.Now().UTC(),
	})
	if result.Error != nil {
		return walletdomain.WalletTransaction{}, result.Error
	}
	if result.RowsAffected == 0 {
		return walletdomain.WalletTransaction{}, walletdomain.ErrInsufficientFunds
	}

	txn, err := s.appendEntry(ctx, tx, wallet.ID, walletdomain.TxDebit, source, amount, metadata)
	if err != nil {
		return walletdomain.WalletTransaction{}, err
	}

	metrics.Billing().IncWalletTransaction(string(ownerKind), string(walletdomain.TxDebit), string(source))
	return txn, nil
}

func (s *Service) appendEntry(ctx context.Context, tx *gorm.DB, walletID snowflake.ID, txType walletdomain.TxType, source walletdomain.Source, amount float64, metadata map[string]any) (walletdomain.WalletTransaction, error) {
	var refreshed walletdomain.Wallet
	if err := tx.WithContext(ctx).Where("id = ?", walletID).First(&refreshed).Error; err != nil {
		return walletdomain.WalletTransaction{}, err
	}

	txn := walletdomain.WalletTransaction{
		ID:           s.genID.Generate(),
		WalletID:     walletID,
		Type:         txType,
		Source:       source,
		Amount:       amount,
		BalanceAfter: refreshed.Balance,
		Metadata:     metadata,
		CreatedAt:    time.Now().UTC(),
	}
	if err := tx.WithContext(ctx).Create(&txn).Error; err != nil {
		return walletdomain.WalletTransaction{}, err
	}
	return txn, nil
}

func (s *Service) Replay(ctx context.Context, walletID snowflake.ID) (float64, error) {
	var wallet walletdomain.Wallet
	if err := s.db.WithContext(ctx).Where("id = ?", walletID).First(&wallet).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, walletdomain.ErrWalletNotFound
		}
		return 0, err
	}

	var entries []walletdomain.WalletTransaction
	err := s.db.WithContext(ctx).
		Where("wallet_id = ?", walletID).
		Order("id ASC").
		Find(&entries).Error
	if err != nil {
		return 0, err
	}

	balance := 0.0
	for _, entry := range entries {
		switch entry.Type {
		case walletdomain.TxCredit:
			balance += entry.Amount
		case walletdomain.TxDebit:
			balance -= entry.Amount
		}
	}
	return balance, nil
}

func (s *Service) Transactions(ctx context.Context, walletID snowflake.ID, page pagination.Pagination) ([]walletdomain.WalletTransaction, *pagination.PageInfo, error) {
	limit := page.PageSize
	if limit <= 0 {
		limit = 50
	}

	query := s.db.WithContext(ctx).
		Where("wallet_id = ?", walletID).
		Order("id DESC").
		Limit(limit + 1)

	if page.PageToken != "" {
		cursor, err := pagination.DecodeCursor(page.PageToken)
		if err != nil {
			return nil, nil, err
		}
		if cursor.ID != "" {
			query = query.Where("id < ?", cursor.ID)
		}
	}

	var entries []*walletdomain.WalletTransaction
	if err := query.Find(&entries).Error; err != nil {
		return nil, nil, err
	}

	info := pagination.BuildCursorPageInfo(entries, limit, func(t *walletdomain.WalletTransaction) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{ID: t.ID.String()})
		if err != nil {
			return ""
		}
		return token
	})

	if len(entries) > limit {
		entries = entries[:limit]
	}
	out := make([]walletdomain.WalletTransaction, 0, len(entries))
	for _, e := range entries {
		out = append(out, *e)
	}
	return out, info, nil
}
