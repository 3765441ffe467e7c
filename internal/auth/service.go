package auth

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	tu "github.com/mymmrac/telego/telegoutil"
	"golang.org/x/crypto/bcrypt"

	"github.com/blackmirrow/market/internal/models"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidInitData    = errors.New("invalid telegram init data")
	ErrInvalidToken       = errors.New("invalid token")
)

const (
	referralCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	referralCodeLength   = 8
	createAttempts       = 5
)

type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// UserStore is the persistence the login flows need.
type UserStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	GetByTelegramID(ctx context.Context, telegramID int64) (*models.User, error)
	GetByReferralCode(ctx context.Context, code string) (*models.User, error)
	CreateTx(ctx context.Context, tx pgx.Tx, u *models.User) error
	TouchNames(ctx context.Context, u *models.User) error
}

type Service interface {
	TelegramLogin(ctx context.Context, initData, referralCode string) (*Session, error)
	AdminLogin(ctx context.Context, username, password string) (*Session, error)
	ValidateToken(ctx context.Context, token string) (uuid.UUID, string, error)
}

// Session is what a successful login returns to the client.
type Session struct {
	Token     string       `json:"token"`
	ExpiresAt time.Time    `json:"expires_at"`
	User      *models.User `json:"user"`
	Created   bool         `json:"created"`
}

type Options struct {
	BotToken          string
	Secret            string
	Expiry            time.Duration
	InitDataMaxAge    time.Duration
	AdminUsername     string
	AdminPasswordHash string
}

type service struct {
	db     TxBeginner
	users  UserStore
	opts   Options
	logger *slog.Logger
	now    func() time.Time
}

func NewService(db TxBeginner, users UserStore, opts Options, logger *slog.Logger) *service {
	if opts.Expiry <= 0 {
		opts.Expiry = 24 * time.Hour
	}
	if opts.InitDataMaxAge <= 0 {
		opts.InitDataMaxAge = 24 * time.Hour
	}
	return &service{db: db, users: users, opts: opts, logger: logger, now: time.Now}
}

// Ensure service implements Service at compile time.
var _ Service = (*service)(nil)

type claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

type webAppUser struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Username  string `json:"username"`
}

// TelegramLogin verifies Mini App init data and signs the user in, creating
// the account on first sight. A referrer is linked only at creation, from the
// start_param in the init data or else from referralCode.
func (s *service) TelegramLogin(ctx context.Context, initData, referralCode string) (*Session, error) {
	values, err := tu.ValidateWebAppData(s.opts.BotToken, initData)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInitData, err)
	}
	authDate, err := strconv.ParseInt(values.Get("auth_date"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad auth_date", ErrInvalidInitData)
	}
	if s.now().Sub(time.Unix(authDate, 0)) > s.opts.InitDataMaxAge {
		return nil, fmt.Errorf("%w: expired", ErrInvalidInitData)
	}
	var tg webAppUser
	if err := json.Unmarshal([]byte(values.Get("user")), &tg); err != nil || tg.ID == 0 {
		return nil, fmt.Errorf("%w: missing user", ErrInvalidInitData)
	}
	if code := values.Get("start_param"); code != "" {
		referralCode = code
	}

	user, created, err := s.findOrCreate(ctx, tg, referralCode)
	if err != nil {
		return nil, err
	}
	return s.session(user, created)
}

func (s *service) findOrCreate(ctx context.Context, tg webAppUser, referralCode string) (*models.User, bool, error) {
	user, err := s.users.GetByTelegramID(ctx, tg.ID)
	if err == nil {
		if user.Username != tg.Username || user.FirstName != tg.FirstName || user.LastName != tg.LastName {
			user.Username, user.FirstName, user.LastName = tg.Username, tg.FirstName, tg.LastName
			if err := s.users.TouchNames(ctx, user); err != nil {
				s.logger.Warn("refresh telegram names failed", "user_id", user.ID, "error", err)
			}
		}
		return user, false, nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return nil, false, err
	}

	user = &models.User{
		TelegramID: tg.ID,
		Username:   tg.Username,
		FirstName:  tg.FirstName,
		LastName:   tg.LastName,
		Role:       models.RoleUser,
	}
	if referralCode != "" {
		referrer, err := s.users.GetByReferralCode(ctx, referralCode)
		switch {
		case err == nil && referrer.ID != models.SystemPlatformUserID:
			user.ReferrerID = &referrer.ID
		case err != nil && !errors.Is(err, models.ErrNotFound):
			return nil, false, err
		}
	}

	for attempt := 0; attempt < createAttempts; attempt++ {
		user.ID = uuid.New()
		user.ReferralCode = NewReferralCode()
		err := s.create(ctx, user)
		if err == nil {
			s.logger.Info("user registered", "user_id", user.ID, "telegram_id", tg.ID, "referred", user.ReferrerID != nil)
			return user, true, nil
		}
		if !errors.Is(err, models.ErrDuplicate) {
			return nil, false, err
		}
		// Either a concurrent login created the user or the code collided.
		if existing, gerr := s.users.GetByTelegramID(ctx, tg.ID); gerr == nil {
			return existing, false, nil
		}
	}
	return nil, false, fmt.Errorf("create user: referral code space exhausted after %d attempts", createAttempts)
}

func (s *service) create(ctx context.Context, u *models.User) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := s.users.CreateTx(ctx, tx, u); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// AdminLogin checks the configured operator credentials. The operator acts as
// the platform account with the owner role.
func (s *service) AdminLogin(ctx context.Context, username, password string) (*Session, error) {
	if s.opts.AdminPasswordHash == "" || username != s.opts.AdminUsername {
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(s.opts.AdminPasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	user, err := s.users.GetByID(ctx, models.SystemPlatformUserID)
	if err != nil {
		return nil, fmt.Errorf("load platform account: %w", err)
	}
	user.Role = models.RoleOwner
	s.logger.Info("admin signed in", "username", username)
	return s.session(user, false)
}

func (s *service) session(u *models.User, created bool) (*Session, error) {
	expires := s.now().Add(s.opts.Expiry)
	token, err := s.issueToken(u.ID, u.Role, expires)
	if err != nil {
		return nil, err
	}
	return &Session{Token: token, ExpiresAt: expires, User: u, Created: created}, nil
}

func (s *service) issueToken(userID uuid.UUID, role string, expires time.Time) (string, error) {
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			ExpiresAt: jwt.NewNumericDate(expires),
			IssuedAt:  jwt.NewNumericDate(s.now()),
		},
		Role: role,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return tok.SignedString([]byte(s.opts.Secret))
}

func (s *service) ValidateToken(ctx context.Context, token string) (uuid.UUID, string, error) {
	tok, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (interface{}, error) {
		return []byte(s.opts.Secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	if err != nil {
		return uuid.Nil, "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	c, ok := tok.Claims.(*claims)
	if !ok || !tok.Valid {
		return uuid.Nil, "", ErrInvalidToken
	}
	id, err := uuid.Parse(c.Subject)
	if err != nil {
		return uuid.Nil, "", fmt.Errorf("%w: bad subject", ErrInvalidToken)
	}
	return id, c.Role, nil
}

// NewReferralCode returns 8 random characters from [A-Z0-9].
func NewReferralCode() string {
	buf := make([]byte, referralCodeLength)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	for i, b := range buf {
		buf[i] = referralCodeAlphabet[int(b)%len(referralCodeAlphabet)]
	}
	return string(buf)
}
