package auth_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/examstack/exambridge/internal/auth"
	"github.com/examstack/exambridge/internal/moodle"
)

type fakeLMS struct {
	token    string
	loginErr error
	info     moodle.SiteInfo
}

func (f *fakeLMS) Login(ctx context.Context, username, password string) (string, error) {
	if f.loginErr != nil {
		return "", f.loginErr
	}
	return f.token, nil
}

func (f *fakeLMS) SiteInfo(ctx context.Context, token string) (moodle.SiteInfo, error) {
	return f.info, nil
}

func sessionService(t *testing.T, lms *fakeLMS, ttl time.Duration) *auth.SessionService {
	t.Helper()
	sealer, err := auth.NewTokenSealer(make([]byte, 32))
	if err != nil {
		t.Fatal(err)
	}
	return auth.NewSessionService(testDB(t), lms, sealer, ttl)
}

func TestSessionLoginRoundTrip(t *testing.T) {
	lms := &fakeLMS{
		token: "moodle-token-1",
		info:  moodle.SiteInfo{Username: "22007928", UserID: 515},
	}
	svc := sessionService(t, lms, time.Hour)
	ctx := context.Background()

	sess, err := svc.Login(ctx, "22007928", "pw")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if len(sess.ID) != 32 {
		t.Fatalf("session id %q not 128-bit hex", sess.ID)
	}
	if sess.MoodleUsername != "22007928" || sess.MoodleUserID != 515 {
		t.Fatalf("session identity = %+v", sess)
	}

	got, err := svc.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.MoodleUsername != "22007928" {
		t.Fatalf("loaded session = %+v", got)
	}

	tok, err := svc.Token(ctx, sess.ID)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if tok != "moodle-token-1" {
		t.Fatalf("token round trip = %q", tok)
	}
}

func TestSessionLoginPropagatesLMSError(t *testing.T) {
	wantErr := errors.New("moodle says no")
	svc := sessionService(t, &fakeLMS{loginErr: wantErr}, time.Hour)
	if _, err := svc.Login(context.Background(), "x", "y"); !errors.Is(err, wantErr) {
		t.Fatalf("err = %v", err)
	}
}

func TestSessionExpiry(t *testing.T) {
	lms := &fakeLMS{token: "tok", info: moodle.SiteInfo{Username: "stu", UserID: 1}}
	svc := sessionService(t, lms, -time.Minute)

	sess, err := svc.Login(context.Background(), "stu", "pw")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Get(context.Background(), sess.ID); err != auth.ErrSessionInvalid {
		t.Fatalf("expired session err = %v", err)
	}
}

func TestSessionDelete(t *testing.T) {
	lms := &fakeLMS{token: "tok", info: moodle.SiteInfo{Username: "stu", UserID: 1}}
	svc := sessionService(t, lms, time.Hour)
	ctx := context.Background()

	sess, err := svc.Login(ctx, "stu", "pw")
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.Delete(ctx, sess.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Get(ctx, sess.ID); err != auth.ErrSessionInvalid {
		t.Fatalf("deleted session err = %v", err)
	}
}

func TestSessionGetUnknown(t *testing.T) {
	svc := sessionService(t, &fakeLMS{}, time.Hour)
	if _, err := svc.Get(context.Background(), "no-such-session"); err != auth.ErrSessionInvalid {
		t.Fatalf("unknown session err = %v", err)
	}
}
