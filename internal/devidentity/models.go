package devidentity

import (
	"time"

	"github.com/oklog/ulid/v2"
	"gorm.io/gorm"
)

// BaseModel provides common fields and auto-generated ULID for all models
type BaseModel struct {
	ID        string    `json:"id" gorm:"primaryKey;type:varchar(26)"`
	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
}

// BeforeCreate generates a ULID for the ID field if it's empty
func (b *BaseModel) BeforeCreate(tx *gorm.DB) error {
	if b.ID == "" {
		b.ID = ulid.Make().String()
	}
	return nil
}

// User is an account
type User struct {
	BaseModel
	Email             string     `gorm:"unique;not null"`
	PasswordHash      string     `gorm:"not null"`
	ConfirmedAt       *time.Time `gorm:"index"`
	ConfirmationToken string     `gorm:"index"`
	UpdatedAt         time.Time  `gorm:"autoUpdateTime"`
}

// Session is one sign-in. Access tokens carry its ID so a revoked session
// invalidates every token issued for it.
type Session struct {
	BaseModel
	UserID    string `gorm:"type:varchar(26);not null;index"`
	User      User   `gorm:"constraint:OnDelete:CASCADE"`
	RevokedAt *time.Time
}

// RefreshToken is a single-use token exchanging into a new access token for the
// same session
type RefreshToken struct {
	BaseModel
	Token     string  `gorm:"unique;not null"`
	SessionID string  `gorm:"type:varchar(26);not null;index"`
	Session   Session `gorm:"constraint:OnDelete:CASCADE"`
	Revoked   bool    `gorm:"not null;default:false"`
}

// AutoMigrate runs auto migration for all models
func AutoMigrate(db *gorm.DB) error {
	models := []interface{}{
		&User{}, &Session{}, &RefreshToken{},
	}

	return db.AutoMigrate(models...)
}
