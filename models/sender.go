package models

import (
	"time"
	_ "time/tzdata"

	"gorm.io/gorm"
)

// Organization owns campaigns, contacts and sending accounts
type Organization struct {
	gorm.Model
	Name     string `gorm:"not null" json:"name"`
	Timezone string `gorm:"default:'UTC'" json:"timezone"`
}

// Location resolves the organization's timezone, falling back to UTC.
func (o *Organization) Location() *time.Location {
	if o == nil || o.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(o.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// SendingAccount represents email or LinkedIn sending credentials
type SendingAccount struct {
	gorm.Model
	OrganizationID uint    `gorm:"not null;index" json:"organization_id"`
	Channel        Channel `gorm:"not null" json:"channel"`

	// Basic identification
	Name      string `gorm:"not null" json:"name"`
	FromEmail string `json:"from_email"`
	FromName  string `json:"from_name"`

	// ========= SMTP Configuration =========
	SMTPHost     string `json:"smtp_host"`
	SMTPPort     int    `json:"smtp_port"`
	SMTPUsername string `json:"smtp_username"`
	SMTPPassword string `json:"-"`
	Encryption   string `json:"encryption"` // SSL, TLS, STARTTLS

	// ========= LinkedIn Configuration =========
	LinkedInProfileURL string `json:"linkedin_profile_url"`
	LinkedInSession    string `json:"-"` // opaque session reference for the automation service

	// ========= Limits & Status =========
	DailyLimit int        `gorm:"default:0" json:"daily_limit"` // 0 uses the channel default
	IsActive   bool       `gorm:"default:true" json:"is_active"`
	LastError  *string    `json:"last_error"`
	LastUsedAt *time.Time `json:"last_used_at"`
}

// Sanitize strips credentials before the account leaves the process.
func (s *SendingAccount) Sanitize() {
	s.SMTPPassword = ""
	s.LinkedInSession = ""
}
