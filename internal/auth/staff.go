package auth

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const (
	RoleStaff = "staff"
	RoleAdmin = "admin"

	bcryptCost = 12
)

var (
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrInvalidToken       = errors.New("auth: invalid token")
)

// StaffUser is a row of staff_users without the password hash.
type StaffUser struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	FullName string `json:"full_name"`
	Email    string `json:"email"`
	Role     string `json:"role"`
	Active   bool   `json:"is_active"`
}

// Claims carried by a staff bearer token.
type Claims struct {
	StaffID int64  `json:"staff_id"`
	Role    string `json:"role"`
	jwt.RegisteredClaims
}

// StaffService issues and verifies staff bearer tokens.
type StaffService struct {
	DB     *sql.DB
	secret []byte
	expiry time.Duration
}

func NewStaffService(db *sql.DB, secret string, expiry time.Duration) *StaffService {
	if expiry <= 0 {
		expiry = 60 * time.Minute
	}
	return &StaffService{DB: db, secret: []byte(secret), expiry: expiry}
}

// Login verifies the password and issues a signed token.
func (s *StaffService) Login(ctx context.Context, username, password string) (token string, expiresAt time.Time, err error) {
	var (
		u    StaffUser
		hash string
	)
	err = s.DB.QueryRowContext(ctx, `
		SELECT id, username, role, is_active, password_hash
		FROM staff_users WHERE username=$1`, username).
		Scan(&u.ID, &u.Username, &u.Role, &u.Active, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		// Burn a comparison anyway so missing and wrong-password logins
		// take comparable time.
		bcrypt.CompareHashAndPassword([]byte("$2a$12$0000000000000000000000uG7P3kCIW3bO9R6QeK3pYl1lDqOH1b2"), []byte(password))
		return "", time.Time{}, ErrInvalidCredentials
	}
	if err != nil {
		return "", time.Time{}, err
	}
	if !u.Active {
		return "", time.Time{}, ErrInvalidCredentials
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return "", time.Time{}, ErrInvalidCredentials
	}
	return s.issue(u.ID, u.Role)
}

func (s *StaffService) issue(staffID int64, role string) (string, time.Time, error) {
	now := time.Now()
	exp := now.Add(s.expiry)
	claims := &Claims{
		StaffID: staffID,
		Role:    role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(staffID, 10),
			Issuer:    "exambridge",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := t.SignedString(s.secret)
	return signed, exp, err
}

// Verify parses the token and confirms the staff account still exists and
// is active. Expired, forged or orphaned tokens are all ErrInvalidToken.
func (s *StaffService) Verify(ctx context.Context, tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, ErrInvalidToken
	}
	var active bool
	err = s.DB.QueryRowContext(ctx,
		`SELECT is_active FROM staff_users WHERE id=$1`, claims.StaffID).Scan(&active)
	if err != nil || !active {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// CreateStaff inserts a staff account with a bcrypt-hashed password.
func (s *StaffService) CreateStaff(ctx context.Context, username, password, fullName, email, role string) (int64, error) {
	if role != RoleStaff && role != RoleAdmin {
		return 0, errors.New("auth: role must be staff or admin")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return 0, err
	}
	var id int64
	err = s.DB.QueryRowContext(ctx, `
		INSERT INTO staff_users (username, password_hash, full_name, email, role, is_active, created_at)
		VALUES ($1,$2,$3,$4,$5,TRUE,$6)
		RETURNING id`,
		username, string(hash), fullName, email, role, time.Now().Unix()).Scan(&id)
	return id, err
}

// GetStaff loads one account for display.
func (s *StaffService) GetStaff(ctx context.Context, id int64) (*StaffUser, error) {
	var u StaffUser
	err := s.DB.QueryRowContext(ctx, `
		SELECT id, username, full_name, email, role, is_active
		FROM staff_users WHERE id=$1`, id).
		Scan(&u.ID, &u.Username, &u.FullName, &u.Email, &u.Role, &u.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}
