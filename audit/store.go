// Package audit mirrors ledger accounts and award submissions into a
// relational store for reporting and failure forensics. The mirror is
// advisory: the ledger remains the source of truth, and a store failure
// never retroactively changes what the chain applied.
package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrUserNotFound indicates the address has no mirror row yet.
	ErrUserNotFound = errors.New("audit: user not found")
	// ErrAttemptNotFound indicates the attempt identifier was unknown.
	ErrAttemptNotFound = errors.New("audit: attempt not found")
	// ErrAttemptResolved is returned when marking an attempt that already
	// carries a terminal status.
	ErrAttemptResolved = errors.New("audit: attempt already resolved")
	// ErrDuplicateOpID indicates an attempt row already exists for the opId.
	ErrDuplicateOpID = errors.New("audit: duplicate opId")
)

// Store wraps the relational audit database.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// Open connects to the database named by dsn and migrates the schema. A
// postgres:// DSN selects the PostgreSQL driver; anything else is treated
// as a SQLite path, which small deployments and tests use.
func Open(dsn string) (*Store, error) {
	var dialector gorm.Dialector
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		dialector = postgres.Open(dsn)
	} else {
		dialector = sqlite.Open(dsn)
	}
	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("audit: open store: %w", err)
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("audit: migrate: %w", err)
	}
	return NewStore(db), nil
}

// NewStore wraps an already opened gorm handle. The schema must have been
// migrated by the caller.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// SetNow overrides the clock. Tests only.
func (s *Store) SetNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("audit: close: %w", err)
	}
	return sqlDB.Close()
}

// EnsureUser returns the mirror row for address, creating it on first
// sight. A public key observed later backfills a row created without one.
func (s *Store) EnsureUser(ctx context.Context, address string, publicKey *string) (*User, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("audit: store not configured")
	}
	address = strings.TrimSpace(address)
	if address == "" {
		return nil, fmt.Errorf("audit: address is required")
	}
	var user User
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&user, "address = ?", address).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			user = User{
				ID:        uuid.New(),
				Address:   address,
				PublicKey: publicKey,
				CreatedAt: s.now(),
				UpdatedAt: s.now(),
			}
			return tx.Create(&user).Error
		case err != nil:
			return err
		}
		if user.PublicKey == nil && publicKey != nil {
			user.PublicKey = publicKey
			user.UpdatedAt = s.now()
			return tx.Save(&user).Error
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// Attempt describes a submission about to be made. The contract fields
// capture the chain state observed during preflight.
type Attempt struct {
	OpID            string
	Amount          uint64
	Sender          string
	Receiver        string
	ContractAddress string
	ContractOwner   string
	ContractVersion uint16
	LastOpTime      uint64
	Description     string
}

// CreateAttempt records a pending row for the attempt. The user row must
// already exist; submissions are never recorded against unknown accounts.
func (s *Store) CreateAttempt(ctx context.Context, userID uuid.UUID, a Attempt) (*Transaction, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("audit: store not configured")
	}
	if userID == uuid.Nil {
		return nil, fmt.Errorf("audit: userID is required")
	}
	if strings.TrimSpace(a.OpID) == "" {
		return nil, fmt.Errorf("audit: opId is required")
	}
	row := Transaction{
		ID:              uuid.New(),
		OpID:            a.OpID,
		Amount:          a.Amount,
		Timestamp:       s.now(),
		SenderAddress:   a.Sender,
		ReceiverAddress: a.Receiver,
		ContractAddress: a.ContractAddress,
		ContractOwner:   a.ContractOwner,
		ContractVersion: a.ContractVersion,
		LastOpTime:      a.LastOpTime,
		Status:          StatusPending,
		Description:     a.Description,
		UserID:          userID,
		CreatedAt:       s.now(),
		UpdatedAt:       s.now(),
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Transaction
		err := tx.First(&existing, "op_id = ?", a.OpID).Error
		if err == nil {
			return ErrDuplicateOpID
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		return tx.Create(&row).Error
	})
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// MarkSuccess resolves a pending attempt, records the envelope hash the
// chain acknowledged, and refreshes the account mirror with the confirmed
// balance and operation time.
func (s *Store) MarkSuccess(ctx context.Context, id uuid.UUID, txHash string, newTotal uint64, lastOpTime uint64) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("audit: store not configured")
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row Transaction
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&row, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrAttemptNotFound
			}
			return err
		}
		if row.Status != StatusPending {
			return ErrAttemptResolved
		}
		now := s.now()
		row.TxHash = &txHash
		row.Status = StatusSuccess
		row.LastOpTime = lastOpTime
		row.UpdatedAt = now
		if err := tx.Save(&row).Error; err != nil {
			return err
		}
		var user User
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&user, "id = ?", row.UserID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrUserNotFound
			}
			return err
		}
		user.XP = newTotal
		user.UpdatedAt = now
		return tx.Save(&user).Error
	})
}

// MarkFailed resolves a pending attempt as failed and appends the
// diagnostic context to the row's description.
func (s *Store) MarkFailed(ctx context.Context, id uuid.UUID, diagnostic string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("audit: store not configured")
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row Transaction
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&row, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrAttemptNotFound
			}
			return err
		}
		if row.Status != StatusPending {
			return ErrAttemptResolved
		}
		row.Status = StatusFailed
		if diagnostic = strings.TrimSpace(diagnostic); diagnostic != "" {
			if row.Description != "" {
				row.Description += "; "
			}
			row.Description += diagnostic
		}
		row.UpdatedAt = s.now()
		return tx.Save(&row).Error
	})
}

// UpdateMirror refreshes the advisory XP copy for an account after the
// chain balance has been read.
func (s *Store) UpdateMirror(ctx context.Context, address string, xp uint64) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("audit: store not configured")
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var user User
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&user, "address = ?", address).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrUserNotFound
			}
			return err
		}
		user.XP = xp
		user.UpdatedAt = s.now()
		return tx.Save(&user).Error
	})
}

// Pending returns unresolved attempts oldest first. A daemon restarting
// after a crash uses this to pick up rows whose outcome was never written.
func (s *Store) Pending(ctx context.Context) ([]Transaction, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("audit: store not configured")
	}
	var rows []Transaction
	if err := s.db.WithContext(ctx).Where("status = ?", StatusPending).Order("created_at asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// AttemptByOpID looks up the attempt row keyed by the operation id.
func (s *Store) AttemptByOpID(ctx context.Context, opID string) (*Transaction, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("audit: store not configured")
	}
	var row Transaction
	if err := s.db.WithContext(ctx).First(&row, "op_id = ?", opID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAttemptNotFound
		}
		return nil, err
	}
	return &row, nil
}

// UserByAddress returns the mirror row for address.
func (s *Store) UserByAddress(ctx context.Context, address string) (*User, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("audit: store not configured")
	}
	var user User
	if err := s.db.WithContext(ctx).First(&user, "address = ?", address).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}
