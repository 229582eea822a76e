package accounts

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/ksred/forex-api/internal/types"
)

// TradingAccount is the persisted account record. Balance is realized
// capital and changes only on trade closure or administrative adjustment.
// Equity and margin figures are never stored; they are derived on demand
// by the risk manager.
type TradingAccount struct {
	gorm.Model `json:"-"`
	AccountID  string    `gorm:"uniqueIndex" json:"account_id"`
	ClientID   string    `gorm:"index" json:"client_id"`
	Currency   string    `json:"currency"`
	Leverage   int       `json:"leverage"` // e.g. 100 for 1:100
	Balance    float64   `json:"balance"`
	Active     bool      `json:"active"`
	Locked     bool      `json:"locked"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Store provides account persistence.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// CreateAccount opens a new trading account for a client.
func (s *Store) CreateAccount(clientID, currency string, leverage int, balance float64) (*TradingAccount, error) {
	acct := &TradingAccount{
		AccountID: "ACC_" + uuid.New().String(),
		ClientID:  clientID,
		Currency:  currency,
		Leverage:  leverage,
		Balance:   balance,
		Active:    true,
	}
	if err := s.db.Create(acct).Error; err != nil {
		return nil, err
	}
	return acct, nil
}

// GetAccount returns nil without an error when the account is unknown.
func (s *Store) GetAccount(accountID string) (*TradingAccount, error) {
	var acct TradingAccount
	if err := s.db.Where("account_id = ?", accountID).First(&acct).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &acct, nil
}

func (s *Store) GetAccountsByClientID(clientID string) ([]TradingAccount, error) {
	var accts []TradingAccount
	if err := s.db.Where("client_id = ?", clientID).Find(&accts).Error; err != nil {
		return nil, err
	}
	return accts, nil
}

// AdjustBalance applies a realized PnL delta or administrative adjustment.
func (s *Store) AdjustBalance(accountID string, delta float64) error {
	res := s.db.Model(&TradingAccount{}).
		Where("account_id = ?", accountID).
		Update("balance", gorm.Expr("balance + ?", delta))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("account %s: %w", accountID, types.ErrNotFound)
	}
	return nil
}

// SetLocked flags or unflags an account for manual review. Locked
// accounts reject new orders.
func (s *Store) SetLocked(accountID string, locked bool) error {
	return s.db.Model(&TradingAccount{}).
		Where("account_id = ?", accountID).
		Update("locked", locked).Error
}
