package models

import (
	"gorm.io/gorm"
)

// User mirrors the host webmail's account table. Authentication is owned
// by the host; this service only verifies its tokens and scopes every
// query by the user id.
type User struct {
	gorm.Model

	Email        string `gorm:"uniqueIndex;not null" json:"email"`
	PasswordHash string `gorm:"not null" json:"-"`

	Timezone string `gorm:"default:'UTC'" json:"timezone"`
	Language string `gorm:"default:'en'" json:"language"`

	IsActive     bool `gorm:"default:true" json:"is_active"`
	TokenVersion int  `gorm:"default:0" json:"-"`

	// Relations
	Identities []Identity `gorm:"foreignKey:UserID" json:"identities,omitempty"`
	Accounts   []Account  `gorm:"foreignKey:UserID" json:"accounts,omitempty"`
}

// Identity is a sender profile (display name + address) of the user. An
// identity may have at most one Account record attached; deleting the
// identity cascades to the record.
type Identity struct {
	gorm.Model
	UserID uint `gorm:"not null;index" json:"user_id"`

	Email     string `gorm:"not null" json:"email"`
	Name      string `json:"name"`
	IsDefault bool   `gorm:"default:false" json:"is_default"`

	Account *Account `gorm:"foreignKey:IdentityRef;constraint:OnDelete:CASCADE" json:"account,omitempty"`
}
