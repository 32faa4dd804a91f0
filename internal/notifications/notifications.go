// Package notifications sends operator alerts to Slack and email. Each channel has its own
// minimum severity; alerts below it are dropped silently.
package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"net/smtp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/qualys/envdb/internal/config"
	"github.com/qualys/envdb/internal/datasync"
	"github.com/qualys/envdb/internal/manager"
	"github.com/qualys/envdb/internal/models"
)

type NotificationType string

const (
	NotifySyncFailed      NotificationType = "sync_failed"
	NotifySyncRolledBack  NotificationType = "sync_rolled_back"
	NotifyHealthUnhealthy NotificationType = "health_unhealthy"
	NotifyHealthRecovered NotificationType = "health_recovered"
)

type Notification struct {
	Type      NotificationType
	Title     string
	Message   string
	Severity  models.Severity
	Data      map[string]interface{}
	Timestamp time.Time
}

type Config struct {
	Slack SlackConfig
	Email EmailConfig
}

type SlackConfig struct {
	Enabled     bool
	WebhookURL  string
	Channel     string
	Username    string
	MinSeverity models.Severity
}

type EmailConfig struct {
	Enabled     bool
	SMTPHost    string
	SMTPPort    int
	Username    string
	Password    string
	From        string
	To          []string
	MinSeverity models.Severity
}

// ConfigFrom applies the shared minimum severity to both channels.
func ConfigFrom(cfg config.NotificationsConfig) Config {
	return Config{
		Slack: SlackConfig{
			Enabled:     cfg.Slack.Enabled && cfg.Slack.WebhookURL != "",
			WebhookURL:  cfg.Slack.WebhookURL,
			Channel:     cfg.Slack.Channel,
			Username:    "envdb",
			MinSeverity: cfg.MinSeverity,
		},
		Email: EmailConfig{
			Enabled:     cfg.Email.Enabled && cfg.Email.SMTPHost != "" && len(cfg.Email.To) > 0,
			SMTPHost:    cfg.Email.SMTPHost,
			SMTPPort:    cfg.Email.SMTPPort,
			Username:    cfg.Email.Username,
			Password:    cfg.Email.Password,
			From:        cfg.Email.From,
			To:          cfg.Email.To,
			MinSeverity: cfg.MinSeverity,
		},
	}
}

type mailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

type Service struct {
	config   Config
	logger   *slog.Logger
	client   *http.Client
	sendMail mailFunc

	mu         sync.Mutex
	lastHealth models.HealthStatus
}

func NewService(cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		config:     cfg,
		logger:     logger.With("component", "notifications"),
		client:     &http.Client{Timeout: 10 * time.Second},
		sendMail:   smtp.SendMail,
		lastHealth: models.HealthHealthy,
	}
}

// Enabled reports whether any channel is configured.
func (s *Service) Enabled() bool {
	return s.config.Slack.Enabled || s.config.Email.Enabled
}

// Send delivers the notification to every enabled channel whose threshold it meets.
func (s *Service) Send(ctx context.Context, notif *Notification) error {
	if notif.Timestamp.IsZero() {
		notif.Timestamp = time.Now().UTC()
	}

	var errs []error
	if s.config.Slack.Enabled && meets(notif.Severity, s.config.Slack.MinSeverity) {
		if err := s.sendSlack(ctx, notif); err != nil {
			errs = append(errs, fmt.Errorf("slack: %w", err))
		}
	}
	if s.config.Email.Enabled && meets(notif.Severity, s.config.Email.MinSeverity) {
		if err := s.sendEmail(notif); err != nil {
			errs = append(errs, fmt.Errorf("email: %w", err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("sending notification: %w", errors.Join(errs...))
	}
	return nil
}

func meets(actual, minimum models.Severity) bool {
	return actual.Rank() >= minimum.Rank()
}

// SyncFailed alerts on an unsuccessful sync run. A run that was rolled back is a warning;
// one that left the target half-written is critical.
func (s *Service) SyncFailed(ctx context.Context, result *datasync.Result) {
	notif := &Notification{
		Type:     NotifySyncFailed,
		Title:    fmt.Sprintf("Sync %s -> %s failed", result.Source, result.Target),
		Severity: models.SeverityCritical,
		Data: map[string]interface{}{
			"sync_id":  result.SyncID,
			"source":   string(result.Source),
			"target":   string(result.Target),
			"tables":   len(result.TableCounts),
			"errors":   len(result.Errors),
			"issues":   len(result.ConsistencyIssues),
			"duration": result.Duration().Round(time.Millisecond).String(),
		},
	}
	if err := result.Err(); err != nil {
		notif.Message = err.Error()
	}
	if result.BackupID != "" {
		notif.Data["backup_id"] = result.BackupID
	}
	if result.RolledBack {
		notif.Type = NotifySyncRolledBack
		notif.Title = fmt.Sprintf("Sync %s -> %s failed and was rolled back", result.Source, result.Target)
		notif.Severity = models.SeverityWarning
	}

	if err := s.Send(ctx, notif); err != nil {
		s.logger.Error("failed to send sync alert", "sync_id", result.SyncID, "error", err)
	}
}

// HealthChanged alerts when the overall verdict enters or leaves unhealthy. Repeated
// reports with the same verdict send nothing.
func (s *Service) HealthChanged(ctx context.Context, report manager.HealthReport) {
	s.mu.Lock()
	prev := s.lastHealth
	s.lastHealth = report.Status
	s.mu.Unlock()

	var notif *Notification
	switch {
	case report.Status == models.HealthUnhealthy && prev != models.HealthUnhealthy:
		notif = &Notification{
			Type:     NotifyHealthUnhealthy,
			Title:    "Database access layer is unhealthy",
			Message:  strings.Join(report.Details.Monitor.Issues, "; "),
			Severity: models.SeverityCritical,
		}
	case report.Status != models.HealthUnhealthy && prev == models.HealthUnhealthy:
		notif = &Notification{
			Type:     NotifyHealthRecovered,
			Title:    "Database access layer recovered",
			Message:  fmt.Sprintf("status is now %s", report.Status),
			Severity: models.SeverityInfo,
		}
	default:
		return
	}

	notif.Data = map[string]interface{}{"status": string(report.Status)}
	for name, p := range report.Details.Pools {
		if p.Status != models.HealthHealthy {
			notif.Data["pool "+name] = string(p.Status)
		}
	}
	notif.Timestamp = report.Details.Timestamp

	if err := s.Send(ctx, notif); err != nil {
		s.logger.Error("failed to send health alert", "status", report.Status, "error", err)
	}
}

type slackMessage struct {
	Channel     string            `json:"channel,omitempty"`
	Username    string            `json:"username,omitempty"`
	Text        string            `json:"text,omitempty"`
	Attachments []slackAttachment `json:"attachments,omitempty"`
}

type slackAttachment struct {
	Color     string       `json:"color,omitempty"`
	Title     string       `json:"title,omitempty"`
	Text      string       `json:"text,omitempty"`
	Fallback  string       `json:"fallback,omitempty"`
	Fields    []slackField `json:"fields,omitempty"`
	Footer    string       `json:"footer,omitempty"`
	Timestamp int64        `json:"ts,omitempty"`
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

func (s *Service) sendSlack(ctx context.Context, notif *Notification) error {
	fields := make([]slackField, 0, len(notif.Data))
	for _, key := range sortedKeys(notif.Data) {
		fields = append(fields, slackField{Title: key, Value: fmt.Sprint(notif.Data[key]), Short: true})
	}

	payload, err := json.Marshal(slackMessage{
		Channel:  s.config.Slack.Channel,
		Username: s.config.Slack.Username,
		Attachments: []slackAttachment{{
			Color:     severityColor(notif.Severity),
			Title:     notif.Title,
			Text:      notif.Message,
			Fallback:  fmt.Sprintf("%s: %s", notif.Title, notif.Message),
			Fields:    fields,
			Footer:    "envdb",
			Timestamp: notif.Timestamp.Unix(),
		}},
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.Slack.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack returned status %d", resp.StatusCode)
	}

	s.logger.Info("slack notification sent", "type", notif.Type, "title", notif.Title)
	return nil
}

func severityColor(severity models.Severity) string {
	switch severity {
	case models.SeverityCritical:
		return "#D32F2F"
	case models.SeverityWarning:
		return "#FFA000"
	default:
		return "#36A64F"
	}
}

func (s *Service) sendEmail(notif *Notification) error {
	body, err := renderEmail(notif)
	if err != nil {
		return err
	}
	msg := s.buildEmailMessage(fmt.Sprintf("[envdb %s] %s", notif.Severity, notif.Title), body)

	var auth smtp.Auth
	if s.config.Email.Username != "" {
		auth = smtp.PlainAuth("", s.config.Email.Username, s.config.Email.Password, s.config.Email.SMTPHost)
	}
	addr := fmt.Sprintf("%s:%d", s.config.Email.SMTPHost, s.config.Email.SMTPPort)

	if err := s.sendMail(addr, auth, s.config.Email.From, s.config.Email.To, []byte(msg)); err != nil {
		return err
	}

	s.logger.Info("email notification sent",
		"type", notif.Type,
		"title", notif.Title,
		"recipients", len(s.config.Email.To))
	return nil
}

func (s *Service) buildEmailMessage(subject, body string) string {
	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", s.config.Email.From)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(s.config.Email.To, ","))
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(body)
	return msg.String()
}

var emailTemplate = template.Must(template.New("email").Parse(`<!DOCTYPE html>
<html>
<body style="font-family: Arial, sans-serif;">
  <h2 style="color: {{.Color}};">{{.Title}}</h2>
  <p>{{.Message}}</p>
  <p>Severity: <strong>{{.Severity}}</strong></p>
  {{if .Rows}}
  <table>
    {{range .Rows}}<tr><td><strong>{{.Key}}</strong></td><td>{{.Value}}</td></tr>
    {{end}}
  </table>
  {{end}}
  <p style="font-size: 12px; color: #666;">Generated at {{.Timestamp}}</p>
</body>
</html>
`))

type emailRow struct {
	Key   string
	Value interface{}
}

func renderEmail(notif *Notification) (string, error) {
	rows := make([]emailRow, 0, len(notif.Data))
	for _, key := range sortedKeys(notif.Data) {
		rows = append(rows, emailRow{Key: key, Value: notif.Data[key]})
	}

	var buf bytes.Buffer
	err := emailTemplate.Execute(&buf, map[string]interface{}{
		"Title":     notif.Title,
		"Message":   notif.Message,
		"Severity":  string(notif.Severity),
		"Color":     severityColor(notif.Severity),
		"Rows":      rows,
		"Timestamp": notif.Timestamp.Format(time.RFC1123),
	})
	if err != nil {
		return "", fmt.Errorf("rendering email: %w", err)
	}
	return buf.String(), nil
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
