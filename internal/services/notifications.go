package services

import (
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/testflowpro/testflow/internal/database"
	"github.com/testflowpro/testflow/internal/models"
	"github.com/testflowpro/testflow/internal/validation"
)

// NotificationService stores notification destinations. Webhook secrets and
// SMTP passwords are sealed with the crypto service before they are written.
type NotificationService struct {
	db     *database.DB
	crypto *CryptoService
	now    func() time.Time
}

// NewNotificationService creates a new NotificationService. crypto may be nil.
func NewNotificationService(db *database.DB, crypto *CryptoService) *NotificationService {
	return &NotificationService{db: db, crypto: crypto, now: time.Now}
}

const notificationColumns = `id, name, kind, webhook_url, secret, smtp, is_active`

// ValidateConfig checks that cfg carries what its channel needs.
func ValidateConfig(cfg *models.NotificationConfig) error {
	cfg.Name = strings.TrimSpace(cfg.Name)
	if cfg.Name == "" {
		return invalidf("name is required")
	}
	if err := validation.ValidateName(cfg.Name, validation.MaxNameLength); err != nil {
		return invalidf("name: %v", err)
	}
	if !cfg.Kind.Valid() {
		return invalidf("unsupported kind %q", cfg.Kind)
	}
	switch cfg.Kind {
	case models.ChannelFeishu, models.ChannelDingTalk:
		if err := validation.ValidateHTTPURL(cfg.WebhookURL); err != nil {
			return invalidf("webhook_url must be an http(s) URL")
		}
	case models.ChannelEmail:
		if cfg.SMTP == nil || cfg.SMTP.Host == "" {
			return invalidf("smtp.host is required for email")
		}
		if len(cfg.SMTP.To) == 0 {
			return invalidf("smtp.to needs at least one recipient")
		}
		if cfg.SMTP.From != "" {
			if err := validation.ValidateEmail(cfg.SMTP.From); err != nil {
				return invalidf("smtp.from %q: %v", cfg.SMTP.From, err)
			}
		}
		for _, to := range cfg.SMTP.To {
			if err := validation.ValidateEmail(to); err != nil {
				return invalidf("smtp.to %q: %v", to, err)
			}
		}
	}
	return nil
}

func (s *NotificationService) seal(cfg *models.NotificationConfig) (secret string, smtp sql.NullString, err error) {
	secret, err = s.crypto.Encrypt(cfg.Secret)
	if err != nil {
		return "", smtp, errors.Wrap(err, "seal secret")
	}
	if cfg.SMTP != nil {
		sc := *cfg.SMTP
		sc.Password, err = s.crypto.Encrypt(sc.Password)
		if err != nil {
			return "", smtp, errors.Wrap(err, "seal smtp password")
		}
		b, err := json.Marshal(sc)
		if err != nil {
			return "", smtp, errors.Wrap(err, "encode smtp")
		}
		smtp = sql.NullString{String: string(b), Valid: true}
	}
	return secret, smtp, nil
}

func (s *NotificationService) scan(row rowScanner) (*models.NotificationConfig, error) {
	var cfg models.NotificationConfig
	var secret string
	var smtp sql.NullString

	if err := row.Scan(&cfg.ID, &cfg.Name, &cfg.Kind, &cfg.WebhookURL, &secret, &smtp, &cfg.IsActive); err != nil {
		return nil, err
	}

	var err error
	if cfg.Secret, err = s.crypto.Decrypt(secret); err != nil {
		return nil, errors.Wrapf(err, "notification %s: open secret", cfg.ID)
	}
	if smtp.Valid && smtp.String != "" {
		var sc models.SMTPConfig
		if err := json.Unmarshal([]byte(smtp.String), &sc); err != nil {
			return nil, errors.Wrapf(err, "notification %s: decode smtp", cfg.ID)
		}
		if sc.Password, err = s.crypto.Decrypt(sc.Password); err != nil {
			return nil, errors.Wrapf(err, "notification %s: open smtp password", cfg.ID)
		}
		cfg.SMTP = &sc
	}
	return &cfg, nil
}

// CreateNotification stores a new destination.
func (s *NotificationService) CreateNotification(req *models.NotificationConfigRequest) (*models.NotificationConfig, error) {
	cfg := req.ToConfig()
	cfg.ID = uuid.New().String()
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}

	secret, smtp, err := s.seal(cfg)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	_, err = s.db.Exec(`
		INSERT INTO notification_configs (id, name, kind, webhook_url, secret, smtp, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, cfg.ID, cfg.Name, cfg.Kind, cfg.WebhookURL, secret, smtp, cfg.IsActive, now, now)
	if err != nil {
		return nil, errors.Wrap(err, "insert notification config")
	}

	return s.GetNotificationByID(cfg.ID)
}

// GetNotificationByID retrieves a destination with its secrets opened.
func (s *NotificationService) GetNotificationByID(id string) (*models.NotificationConfig, error) {
	cfg, err := s.scan(s.db.QueryRow(`SELECT `+notificationColumns+` FROM notification_configs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrNotificationNotFound, "id %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "get notification config")
	}
	return cfg, nil
}

// GetAllNotifications lists every destination by name.
func (s *NotificationService) GetAllNotifications() ([]models.NotificationConfig, error) {
	rows, err := s.db.Query(`SELECT ` + notificationColumns + ` FROM notification_configs ORDER BY name, id`)
	if err != nil {
		return nil, errors.Wrap(err, "list notification configs")
	}
	defer rows.Close()

	configs := make([]models.NotificationConfig, 0)
	for rows.Next() {
		cfg, err := s.scan(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, *cfg)
	}
	return configs, rows.Err()
}

// UpdateNotification replaces a destination. An empty secret or SMTP
// password in req keeps the stored one.
func (s *NotificationService) UpdateNotification(id string, req *models.NotificationConfigRequest) (*models.NotificationConfig, error) {
	existing, err := s.GetNotificationByID(id)
	if err != nil {
		return nil, err
	}

	cfg := req.ToConfig()
	cfg.ID = id
	if req.IsActive == nil {
		cfg.IsActive = existing.IsActive
	}
	if cfg.Secret == "" {
		cfg.Secret = existing.Secret
	}
	if cfg.SMTP != nil && cfg.SMTP.Password == "" && existing.SMTP != nil {
		cfg.SMTP.Password = existing.SMTP.Password
	}
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}

	secret, smtp, err := s.seal(cfg)
	if err != nil {
		return nil, err
	}

	_, err = s.db.Exec(`
		UPDATE notification_configs SET name = ?, kind = ?, webhook_url = ?, secret = ?, smtp = ?, is_active = ?, updated_at = ?
		WHERE id = ?
	`, cfg.Name, cfg.Kind, cfg.WebhookURL, secret, smtp, cfg.IsActive, s.now().UTC(), id)
	if err != nil {
		return nil, errors.Wrap(err, "update notification config")
	}

	return s.GetNotificationByID(id)
}

// DeleteNotification removes a destination. Templates referencing it skip
// it at dispatch time.
func (s *NotificationService) DeleteNotification(id string) error {
	result, err := s.db.Exec(`DELETE FROM notification_configs WHERE id = ?`, id)
	if err != nil {
		return errors.Wrap(err, "delete notification config")
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return errors.Wrapf(ErrNotificationNotFound, "id %s", id)
	}
	return nil
}

// Redacted returns a copy of cfg safe to return over the API.
func Redacted(cfg models.NotificationConfig) models.NotificationConfig {
	if cfg.Secret != "" {
		cfg.Secret = "******"
	}
	if cfg.SMTP != nil {
		sc := *cfg.SMTP
		if sc.Password != "" {
			sc.Password = "******"
		}
		cfg.SMTP = &sc
	}
	return cfg
}
