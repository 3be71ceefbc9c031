package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config carries everything the server and CLIs need. Loaded once at
// startup and passed explicitly; there is no package-level state.
type Config struct {
	HTTPAddr string

	DatabaseURL string

	// SecretKey signs staff bearer tokens (HMAC-SHA256).
	SecretKey string
	// EncryptionKey seals student Moodle tokens at rest. Must be 32 bytes.
	EncryptionKey []byte

	MoodleBaseURL    string
	MoodleService    string
	MoodleAdminToken string

	// HFSpaceURL points at the remote extraction service. Empty disables
	// remote extraction; uploads then rely on filename parsing only.
	HFSpaceURL string

	UploadDir     string
	MaxFileSizeMB int64

	AccessTokenExpireMinutes int
	SessionExpireHours       int

	// Email. SendGrid wins when both are configured.
	SendGridAPIKey string
	SMTPHost       string
	SMTPPort       int
	SMTPUser       string
	SMTPPass       string
	SMTPTLS        bool
	EmailFrom      string
	EmailTo        []string

	CORSOrigins []string
}

func FromEnv() Config {
	return Config{
		HTTPAddr:                 envOr("HTTP_ADDR", ":8080"),
		DatabaseURL:              os.Getenv("DATABASE_URL"),
		SecretKey:                os.Getenv("SECRET_KEY"),
		EncryptionKey:            []byte(os.Getenv("ENCRYPTION_KEY")),
		MoodleBaseURL:            strings.TrimSuffix(os.Getenv("MOODLE_BASE_URL"), "/"),
		MoodleService:            envOr("MOODLE_SERVICE", "moodle_mobile_app"),
		MoodleAdminToken:         os.Getenv("MOODLE_ADMIN_TOKEN"),
		HFSpaceURL:               strings.TrimSuffix(os.Getenv("HF_SPACE_URL"), "/"),
		UploadDir:                envOr("UPLOAD_DIR", "./uploads"),
		MaxFileSizeMB:            envInt64("MAX_FILE_SIZE_MB", 50),
		AccessTokenExpireMinutes: envInt("ACCESS_TOKEN_EXPIRE_MINUTES", 60),
		SessionExpireHours:       envInt("SESSION_EXPIRE_HOURS", 24),
		SendGridAPIKey:           os.Getenv("SENDGRID_API_KEY"),
		SMTPHost:                 os.Getenv("SMTP_HOST"),
		SMTPPort:                 envInt("SMTP_PORT", 587),
		SMTPUser:                 os.Getenv("SMTP_USER"),
		SMTPPass:                 os.Getenv("SMTP_PASS"),
		SMTPTLS:                  envBool("SMTP_TLS", true),
		EmailFrom:                envOr("EMAIL_FROM", "exambridge@localhost"),
		EmailTo:                  csvOr("EMAIL_TO", ""),
		CORSOrigins:              csvOr("CORS_ORIGINS", "*"),
	}
}

// Validate reports the first missing or malformed required option.
func (c Config) Validate() error {
	if c.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}
	if c.SecretKey == "" {
		return errors.New("SECRET_KEY is required")
	}
	if len(c.EncryptionKey) != 32 {
		return fmt.Errorf("ENCRYPTION_KEY must be exactly 32 bytes, got %d", len(c.EncryptionKey))
	}
	if c.MoodleBaseURL == "" {
		return errors.New("MOODLE_BASE_URL is required")
	}
	if c.MaxFileSizeMB <= 0 {
		return errors.New("MAX_FILE_SIZE_MB must be positive")
	}
	return nil
}

// MaxFileSizeBytes is the inbound upload cap.
func (c Config) MaxFileSizeBytes() int64 { return c.MaxFileSizeMB * 1024 * 1024 }

func envOr(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

func envInt(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envInt64(k string, def int64) int64 {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envBool(k string, def bool) bool {
	switch os.Getenv(k) {
	case "1", "true", "TRUE", "yes", "YES":
		return true
	case "0", "false", "FALSE", "no", "NO":
		return false
	default:
		return def
	}
}

func csvOr(k, def string) []string {
	v := envOr(k, def)
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
