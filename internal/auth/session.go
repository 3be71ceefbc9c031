package auth

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"time"

	"github.com/examstack/exambridge/internal/moodle"
)

var ErrSessionInvalid = errors.New("auth: session invalid or expired")

// LMSAuthenticator is the slice of the Moodle client the session layer
// needs: credential exchange and identity resolution.
type LMSAuthenticator interface {
	Login(ctx context.Context, username, password string) (string, error)
	SiteInfo(ctx context.Context, token string) (moodle.SiteInfo, error)
}

// Session is a student login. The Moodle token is stored sealed; it is
// decrypted only inside the request that needs it.
type Session struct {
	ID             string
	MoodleUsername string
	MoodleUserID   int64
	sealedToken    []byte
	ExpiresAt      time.Time
}

// SessionService exchanges Moodle credentials for a local session.
type SessionService struct {
	DB     *sql.DB
	LMS    LMSAuthenticator
	Sealer *TokenSealer
	TTL    time.Duration
}

func NewSessionService(db *sql.DB, lms LMSAuthenticator, sealer *TokenSealer, ttl time.Duration) *SessionService {
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	return &SessionService{DB: db, LMS: lms, Sealer: sealer, TTL: ttl}
}

// Login exchanges credentials at the LMS token endpoint, seals the token
// and persists the session. The plaintext token never touches the
// database.
func (s *SessionService) Login(ctx context.Context, username, password string) (*Session, error) {
	token, err := s.LMS.Login(ctx, username, password)
	if err != nil {
		return nil, err
	}
	info, err := s.LMS.SiteInfo(ctx, token)
	if err != nil {
		return nil, err
	}
	sealed, err := s.Sealer.Seal(token)
	if err != nil {
		return nil, err
	}

	idBytes := make([]byte, 16)
	if _, err := rand.Read(idBytes); err != nil {
		return nil, err
	}
	sess := &Session{
		ID:             hex.EncodeToString(idBytes),
		MoodleUsername: info.Username,
		MoodleUserID:   info.UserID,
		sealedToken:    sealed,
		ExpiresAt:      time.Now().Add(s.TTL).UTC(),
	}
	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO student_sessions (id, moodle_username, moodle_user_id, token_ciphertext, expires_at, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		sess.ID, sess.MoodleUsername, sess.MoodleUserID, sealed, sess.ExpiresAt.Unix(), time.Now().Unix())
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// Get loads a live session; expired rows are treated as absent and
// lazily deleted.
func (s *SessionService) Get(ctx context.Context, id string) (*Session, error) {
	var (
		sess    Session
		expires int64
	)
	err := s.DB.QueryRowContext(ctx, `
		SELECT id, moodle_username, moodle_user_id, token_ciphertext, expires_at
		FROM student_sessions WHERE id=$1`, id).
		Scan(&sess.ID, &sess.MoodleUsername, &sess.MoodleUserID, &sess.sealedToken, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionInvalid
	}
	if err != nil {
		return nil, err
	}
	sess.ExpiresAt = time.Unix(expires, 0).UTC()
	if time.Now().After(sess.ExpiresAt) {
		_ = s.Delete(ctx, id)
		return nil, ErrSessionInvalid
	}
	return &sess, nil
}

// Token decrypts the session's Moodle token for immediate use.
func (s *SessionService) Token(ctx context.Context, id string) (string, error) {
	sess, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return s.Sealer.Open(sess.sealedToken)
}

// Delete invalidates a session (logout, or AuthInvalid from Moodle).
func (s *SessionService) Delete(ctx context.Context, id string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM student_sessions WHERE id=$1`, id)
	return err
}
