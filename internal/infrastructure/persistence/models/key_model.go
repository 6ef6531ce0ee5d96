package models

import (
	"time"

	"github.com/rookery-os/rookpkg/internal/domain/signing"
)

// TrustedKeyModel is the GORM database model for trusted signing keys.
type TrustedKeyModel struct {
	ID          uint   `gorm:"primaryKey;autoIncrement"`
	Fingerprint string `gorm:"not null;uniqueIndex"`
	TrustLevel  int    `gorm:"not null;default:0"`
	Name        string `gorm:"not null"`
	Email       string
	PublicKey   string    `gorm:"not null"`
	AddedDate   time.Time `gorm:"not null"`
	AddedBy     string
	Notes       string
}

// TableName specifies the table name for GORM
func (TrustedKeyModel) TableName() string {
	return "trusted_keys"
}

// ToDomain converts GORM model to domain entity
func (m *TrustedKeyModel) ToDomain() *signing.TrustedKey {
	return &signing.TrustedKey{
		Fingerprint: m.Fingerprint,
		TrustLevel:  signing.TrustLevel(m.TrustLevel),
		Name:        m.Name,
		Email:       m.Email,
		PublicKey:   m.PublicKey,
		AddedDate:   m.AddedDate,
		AddedBy:     m.AddedBy,
		Notes:       m.Notes,
	}
}

// FromDomain converts domain entity to GORM model
func (m *TrustedKeyModel) FromDomain(k *signing.TrustedKey) {
	m.Fingerprint = k.Fingerprint
	m.TrustLevel = int(k.TrustLevel)
	m.Name = k.Name
	m.Email = k.Email
	m.PublicKey = k.PublicKey
	m.AddedDate = k.AddedDate
	m.AddedBy = k.AddedBy
	m.Notes = k.Notes
}

// RevokedKeyModel is the GORM database model for revoked key fingerprints.
type RevokedKeyModel struct {
	ID          uint      `gorm:"primaryKey;autoIncrement"`
	Fingerprint string    `gorm:"not null;uniqueIndex"`
	RevokedDate time.Time `gorm:"not null"`
	Reason      string
}

// TableName specifies the table name for GORM
func (RevokedKeyModel) TableName() string {
	return "revoked_keys"
}
