// Package notify delivers staff alerts for submissions that need a
// human: payload rejections, retry exhaustion, unmapped papers.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/smtp"
	"sort"
	"strings"
	"time"
)

// Notifier delivers one alert. Implementations must be safe for
// concurrent use.
type Notifier interface {
	Notify(ctx context.Context, kind, target string, meta map[string]string) error
}

// LogNotifier writes alerts to the process log. Default when no mail
// transport is configured.
type LogNotifier struct {
	Logger *log.Logger
}

func (n *LogNotifier) Notify(ctx context.Context, kind, target string, meta map[string]string) error {
	logger := n.Logger
	if logger == nil {
		logger = log.Default()
	}
	logger.Printf("notify: %s target=%s %s", kind, target, formatMeta(meta))
	return nil
}

// SMTPNotifier sends plain-text alert mail through a relay.
type SMTPNotifier struct {
	Addr string
	From string
	To   []string
	Auth smtp.Auth
}

func (n *SMTPNotifier) Notify(ctx context.Context, kind, target string, meta map[string]string) error {
	var msg bytes.Buffer
	fmt.Fprintf(&msg, "From: %s\r\n", n.From)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(n.To, ", "))
	fmt.Fprintf(&msg, "Subject: [exambridge] %s %s\r\n", kind, target)
	fmt.Fprintf(&msg, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	msg.WriteString("\r\n")
	fmt.Fprintf(&msg, "Event: %s\nTarget: %s\n\n", kind, target)
	for _, k := range sortedKeys(meta) {
		fmt.Fprintf(&msg, "%s: %s\n", k, meta[k])
	}
	return smtp.SendMail(n.Addr, n.Auth, n.From, n.To, msg.Bytes())
}

// SendGridNotifier posts alert mail to the SendGrid v3 API.
type SendGridNotifier struct {
	APIKey string
	From   string
	To     []string
	HTTP   *http.Client
}

func (n *SendGridNotifier) Notify(ctx context.Context, kind, target string, meta map[string]string) error {
	type email struct {
		Email string `json:"email"`
	}
	to := make([]email, 0, len(n.To))
	for _, addr := range n.To {
		to = append(to, email{Email: addr})
	}
	payload := map[string]interface{}{
		"personalizations": []map[string]interface{}{{"to": to}},
		"from":             email{Email: n.From},
		"subject":          fmt.Sprintf("[exambridge] %s %s", kind, target),
		"content": []map[string]string{{
			"type":  "text/plain",
			"value": fmt.Sprintf("Event: %s\nTarget: %s\n\n%s\n", kind, target, formatMeta(meta)),
		}},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		"https://api.sendgrid.com/v3/mail/send", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+n.APIKey)
	req.Header.Set("Content-Type", "application/json")

	client := n.HTTP
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("notify: sendgrid returned %d", resp.StatusCode)
	}
	return nil
}

func formatMeta(meta map[string]string) string {
	parts := make([]string, 0, len(meta))
	for _, k := range sortedKeys(meta) {
		parts = append(parts, k+"="+meta[k])
	}
	return strings.Join(parts, " ")
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
