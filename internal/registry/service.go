package registry

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/blackmirrow/market/internal/models"
)

// Store is the user persistence the profile and referral endpoints need.
type Store interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	UpdateProfile(ctx context.Context, u *models.User) error
	ListReferrals(ctx context.Context, referrerID uuid.UUID, limit int) ([]*models.ReferredUser, error)
	ReferralTotals(ctx context.Context, referrerID uuid.UUID) (count int, earned int64, err error)
}

type Service interface {
	Profile(ctx context.Context, userID uuid.UUID) (*Profile, error)
	UpdateProfile(ctx context.Context, userID uuid.UUID, in ProfileUpdate) (*Profile, error)
	Referrals(ctx context.Context, userID uuid.UUID, limit int) (*ReferralInfo, error)
}

// ProfileUpdate carries the targeting fields a user may set. Nil leaves a field unchanged.
type ProfileUpdate struct {
	Age     *int    `json:"age"`
	Gender  *string `json:"gender"`
	Country *string `json:"country"`
}

type Profile struct {
	*models.User
	ProfileComplete bool   `json:"profile_complete"`
	ReferralLink    string `json:"referral_link,omitempty"`
}

type ReferralInfo struct {
	Code     string                 `json:"code"`
	Link     string                 `json:"link,omitempty"`
	Count    int                    `json:"count"`
	Earned   int64                  `json:"earned"`
	Referred []*models.ReferredUser `json:"referred"`
}

type service struct {
	store   Store
	botName string
}

// NewService builds the registry. botName is the bot's username used for
// t.me deep links; without it responses carry no link.
func NewService(store Store, botName string) *service {
	return &service{store: store, botName: strings.TrimPrefix(botName, "@")}
}

var _ Service = (*service)(nil)

func (s *service) link(code string) string {
	if s.botName == "" || code == "" {
		return ""
	}
	return fmt.Sprintf("https://t.me/%s?startapp=%s", url.PathEscape(s.botName), url.QueryEscape(code))
}

func (s *service) Profile(ctx context.Context, userID uuid.UUID) (*Profile, error) {
	u, err := s.store.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &Profile{User: u, ProfileComplete: u.ProfileComplete(), ReferralLink: s.link(u.ReferralCode)}, nil
}

func (s *service) UpdateProfile(ctx context.Context, userID uuid.UUID, in ProfileUpdate) (*Profile, error) {
	u, err := s.store.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if in.Age != nil {
		u.Age = in.Age
	}
	if in.Gender != nil {
		u.Gender = strings.ToLower(*in.Gender)
	}
	if in.Country != nil {
		u.Country = strings.ToUpper(*in.Country)
	}
	if err := s.store.UpdateProfile(ctx, u); err != nil {
		return nil, err
	}
	return &Profile{User: u, ProfileComplete: u.ProfileComplete(), ReferralLink: s.link(u.ReferralCode)}, nil
}

func (s *service) Referrals(ctx context.Context, userID uuid.UUID, limit int) (*ReferralInfo, error) {
	u, err := s.store.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	count, earned, err := s.store.ReferralTotals(ctx, userID)
	if err != nil {
		return nil, err
	}
	list, err := s.store.ListReferrals(ctx, userID, limit)
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []*models.ReferredUser{}
	}
	return &ReferralInfo{
		Code:     u.ReferralCode,
		Link:     s.link(u.ReferralCode),
		Count:    count,
		Earned:   earned,
		Referred: list,
	}, nil
}
