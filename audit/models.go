package audit

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// TxStatus represents the terminal state of a submission attempt.
type TxStatus string

// Every attempt starts pending and resolves to exactly one of the
// other two states.
const (
	StatusPending TxStatus = "pending"
	StatusSuccess TxStatus = "success"
	StatusFailed  TxStatus = "failed"
)

// User mirrors one ledger account. The XP column is an advisory copy of
// the on-chain balance, refreshed opportunistically; the ledger stays
// authoritative.
type User struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Address   string    `gorm:"uniqueIndex;size:64"`
	PublicKey *string   `gorm:"size:130"`
	XP        uint64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Transaction records one award submission from attempt to resolution,
// including the contract state observed at submission time.
type Transaction struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey"`
	OpID            string    `gorm:"uniqueIndex;size:66"`
	TxHash          *string   `gorm:"size:66"`
	Amount          uint64    `gorm:"not null"`
	Timestamp       time.Time
	SenderAddress   string `gorm:"size:64;index"`
	ReceiverAddress string `gorm:"size:64;index"`
	ContractAddress string `gorm:"size:128"`
	ContractOwner   string `gorm:"size:64"`
	ContractVersion uint16
	LastOpTime      uint64
	Status          TxStatus  `gorm:"size:16;index"`
	Description     string    `gorm:"size:512"`
	UserID          uuid.UUID `gorm:"type:uuid;index"`
	User            User      `gorm:"constraint:OnDelete:CASCADE"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// AutoMigrate performs all schema migrations for the audit store.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&User{},
		&Transaction{},
	)
}
