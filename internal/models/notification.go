package models

// ChannelKind selects how a notification is delivered.
type ChannelKind string

const (
	// ChannelFeishu posts a signed text message to a Feishu bot webhook.
	ChannelFeishu ChannelKind = "FEISHU"
	// ChannelDingTalk posts a markdown message to a DingTalk robot webhook.
	ChannelDingTalk ChannelKind = "DINGTALK"
	// ChannelEmail sends a plain text mail over SMTP.
	ChannelEmail ChannelKind = "EMAIL"
)

// Valid reports whether k is a supported channel.
func (k ChannelKind) Valid() bool {
	switch k {
	case ChannelFeishu, ChannelDingTalk, ChannelEmail:
		return true
	}
	return false
}

// SMTPConfig holds mail server settings for the email channel.
type SMTPConfig struct {
	Host     string   `json:"host"`
	Username string   `json:"username"`
	Password string   `json:"password,omitempty"`
	From     string   `json:"from"`
	To       []string `json:"to"`
	Port     int      `json:"port"`
	// TLS selects implicit TLS (SMTPS). Port 465 implies it.
	TLS bool `json:"tls"`
}

// NotificationConfig is a named delivery destination.
type NotificationConfig struct {
	SMTP       *SMTPConfig `json:"smtp,omitempty"`
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	Kind       ChannelKind `json:"kind"`
	WebhookURL string      `json:"webhook_url,omitempty"`
	Secret     string      `json:"secret,omitempty"`
	IsActive   bool        `json:"is_active"`
}

// NotificationConfigRequest is the body for creating, updating or test-sending a config.
type NotificationConfigRequest struct {
	SMTP       *SMTPConfig `json:"smtp"`
	IsActive   *bool       `json:"is_active"`
	Name       string      `json:"name" binding:"required"`
	Kind       ChannelKind `json:"kind" binding:"required"`
	WebhookURL string      `json:"webhook_url"`
	Secret     string      `json:"secret"`
}

// ToConfig builds an unsaved config from the request. Configs are active by default.
func (r *NotificationConfigRequest) ToConfig() *NotificationConfig {
	active := true
	if r.IsActive != nil {
		active = *r.IsActive
	}
	return &NotificationConfig{
		SMTP:       r.SMTP,
		Name:       r.Name,
		Kind:       r.Kind,
		WebhookURL: r.WebhookURL,
		Secret:     r.Secret,
		IsActive:   active,
	}
}
