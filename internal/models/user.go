package models

import (
	"time"

	"github.com/google/uuid"
)

// SystemPlatformUserID owns the platform fee balance.
var SystemPlatformUserID = uuid.MustParse("00000000-0000-0000-0000-000000000001")

const (
	RoleUser      = "user"
	RoleModerator = "moderator"
	RoleOwner     = "owner"
)

const (
	GenderMale   = "male"
	GenderFemale = "female"
	GenderOther  = "other"
)

type User struct {
	ID           uuid.UUID  `json:"id"`
	TelegramID   int64      `json:"telegram_id"`
	Username     string     `json:"username,omitempty"`
	FirstName    string     `json:"first_name,omitempty"`
	LastName     string     `json:"last_name,omitempty"`
	Age          *int       `json:"age,omitempty"`
	Gender       string     `json:"gender,omitempty"`
	Country      string     `json:"country,omitempty"`
	ReferrerID   *uuid.UUID `json:"referrer_id,omitempty"`
	ReferralCode string     `json:"referral_code"`
	Role         string     `json:"role"`
	IsBanned     bool       `json:"is_banned"`
	BanUntil     *time.Time `json:"ban_until,omitempty"`
	BanReason    string     `json:"ban_reason,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// BannedAt reports whether the ban is still in force at now.
// A ban without an end date never expires.
func (u *User) BannedAt(now time.Time) bool {
	if !u.IsBanned {
		return false
	}
	return u.BanUntil == nil || now.Before(*u.BanUntil)
}

// ProfileComplete reports whether the targeting fields are filled in.
func (u *User) ProfileComplete() bool {
	return u.Age != nil && u.Gender != "" && u.Country != ""
}

// Balance amounts are in nano-TON.
type Balance struct {
	UserID    uuid.UUID `json:"user_id"`
	Active    int64     `json:"active"`
	Escrow    int64     `json:"escrow"`
	UpdatedAt time.Time `json:"updated_at"`
}
