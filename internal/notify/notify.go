// Package notify delivers execution results to chat webhooks and mailboxes.
package notify

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/testflowpro/testflow/internal/logger"
	"github.com/testflowpro/testflow/internal/models"
)

var (
	// ErrDispatchFailed marks every delivery failure.
	ErrDispatchFailed = errors.New("notification dispatch failed")
	// ErrInactive is returned for configs that are switched off.
	ErrInactive = errors.Mark(errors.New("notification config is inactive"), ErrDispatchFailed)
	// ErrUnsupportedKind is returned when no sender is registered for a channel kind.
	ErrUnsupportedKind = errors.Mark(errors.New("unsupported notification channel"), ErrDispatchFailed)
)

// TestMessageTitle is the title used by SendTest.
const TestMessageTitle = "Test Message"

// Message is a rendered notification.
type Message struct {
	Title string
	Body  string
}

// Sender delivers a message over one channel kind.
type Sender interface {
	Send(ctx context.Context, cfg *models.NotificationConfig, msg Message) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, cfg *models.NotificationConfig, msg Message) error

// Send calls f.
func (f SenderFunc) Send(ctx context.Context, cfg *models.NotificationConfig, msg Message) error {
	return f(ctx, cfg, msg)
}

// Dispatcher routes messages to the sender registered for a config's kind.
type Dispatcher struct {
	log     *zap.SugaredLogger
	senders map[models.ChannelKind]Sender
	timeout time.Duration
	mu      sync.RWMutex
}

// New returns a dispatcher with the Feishu, DingTalk and email senders
// registered. All HTTP senders share one client bounded by timeout.
func New(timeout time.Duration, log *zap.SugaredLogger) *Dispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := &http.Client{Timeout: timeout}

	d := &Dispatcher{
		log:     logger.OrNop(log).Named("notify"),
		senders: make(map[models.ChannelKind]Sender),
		timeout: timeout,
	}
	d.Register(models.ChannelFeishu, NewFeishuSender(client))
	d.Register(models.ChannelDingTalk, NewDingTalkSender(client))
	d.Register(models.ChannelEmail, NewEmailSender(timeout))
	return d
}

// Register installs or replaces the sender for kind.
func (d *Dispatcher) Register(kind models.ChannelKind, s Sender) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.senders[kind] = s
}

// Deliver sends title and body to cfg. Any failure is marked ErrDispatchFailed.
func (d *Dispatcher) Deliver(ctx context.Context, cfg *models.NotificationConfig, title, body string) error {
	if cfg == nil {
		return errors.Wrap(ErrDispatchFailed, "nil notification config")
	}
	if !cfg.IsActive {
		return errors.Wrapf(ErrInactive, "config %q", cfg.Name)
	}

	d.mu.RLock()
	sender, ok := d.senders[cfg.Kind]
	d.mu.RUnlock()
	if !ok {
		return errors.Wrapf(ErrUnsupportedKind, "kind %q", cfg.Kind)
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := time.Now()
	if err := sender.Send(ctx, cfg, Message{Title: title, Body: body}); err != nil {
		d.log.Warnw("notification failed", "config", cfg.Name, "kind", cfg.Kind, "error", err)
		return errors.Mark(errors.Wrapf(err, "deliver to %q", cfg.Name), ErrDispatchFailed)
	}
	d.log.Infow("notification sent", "config", cfg.Name, "kind", cfg.Kind, "elapsed", time.Since(start))
	return nil
}

// SendTest delivers a fixed test message to cfg.
func (d *Dispatcher) SendTest(ctx context.Context, cfg *models.NotificationConfig) error {
	if cfg == nil {
		return errors.Wrap(ErrDispatchFailed, "nil notification config")
	}
	return d.Deliver(ctx, cfg, TestMessageTitle, "This is a test message from TestFlow Pro. Config: "+cfg.Name)
}
