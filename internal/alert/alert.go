// Package alert delivers operator notifications for events that need a human,
// such as a tripped circuit breaker or positions that can no longer be saved.
package alert

import (
	"context"
	"sync"
	"time"

	"copy_trader/internal/config"
	"copy_trader/internal/core"
)

type AlertLevel string

const (
	Info     AlertLevel = "INFO"
	Warning  AlertLevel = "WARNING"
	Error    AlertLevel = "ERROR"
	Critical AlertLevel = "CRITICAL"
)

const sendTimeout = 10 * time.Second

type AlertPayload struct {
	Level     AlertLevel
	Title     string
	Message   string
	Timestamp time.Time
	Fields    map[string]string
}

type AlertChannel interface {
	Send(ctx context.Context, alert AlertPayload) error
	Name() string
}

// AlertManager fans alerts out to every channel asynchronously.
// Repeats of the same title inside MinInterval are suppressed.
type AlertManager struct {
	channels    []AlertChannel
	logger      core.ILogger
	minInterval time.Duration
	lastSent    map[string]time.Time
	now         func() time.Time
	mu          sync.Mutex
	wg          sync.WaitGroup
}

func NewAlertManager(logger core.ILogger, minInterval time.Duration) *AlertManager {
	return &AlertManager{
		logger:      logger.WithField("component", "alert_manager"),
		minInterval: minInterval,
		lastSent:    make(map[string]time.Time),
		now:         time.Now,
	}
}

// FromConfig builds a manager with the channels whose credentials are set.
func FromConfig(cfg config.AlertConfig, logger core.ILogger) *AlertManager {
	am := NewAlertManager(logger, cfg.MinInterval)
	if url := cfg.SlackWebhookURL.Reveal(); url != "" {
		am.AddChannel(NewSlackChannel(url))
	}
	if token := cfg.TelegramBotToken.Reveal(); token != "" && cfg.TelegramChatID != "" {
		am.AddChannel(NewTelegramChannel(token, cfg.TelegramChatID))
	}
	return am
}

func (am *AlertManager) AddChannel(ch AlertChannel) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.channels = append(am.channels, ch)
	am.logger.Info("Added alert channel", "name", ch.Name())
}

// Channels returns the names of the registered channels.
func (am *AlertManager) Channels() []string {
	am.mu.Lock()
	defer am.mu.Unlock()
	names := make([]string, 0, len(am.channels))
	for _, ch := range am.channels {
		names = append(names, ch.Name())
	}
	return names
}

// Alert dispatches the alert without blocking the caller.
// It reports false when the alert was suppressed as a repeat.
func (am *AlertManager) Alert(ctx context.Context, title, message string, level AlertLevel, fields map[string]string) bool {
	now := am.now()

	am.mu.Lock()
	if last, ok := am.lastSent[title]; ok && am.minInterval > 0 && now.Sub(last) < am.minInterval {
		am.mu.Unlock()
		am.logger.Debug("Alert suppressed", "title", title, "since_last", now.Sub(last))
		return false
	}
	am.lastSent[title] = now
	channels := append([]AlertChannel(nil), am.channels...)
	am.mu.Unlock()

	payload := AlertPayload{
		Level:     level,
		Title:     title,
		Message:   message,
		Timestamp: now,
		Fields:    fields,
	}

	am.logger.Warn("Alert raised", "title", title, "level", level, "message", message)

	for _, ch := range channels {
		am.wg.Add(1)
		go func(c AlertChannel) {
			defer am.wg.Done()
			sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sendTimeout)
			defer cancel()

			if err := c.Send(sendCtx, payload); err != nil {
				am.logger.Error("Failed to send alert", "channel", c.Name(), "error", err)
			}
		}(ch)
	}
	return true
}

// Wait blocks until in-flight deliveries finish or ctx is done.
func (am *AlertManager) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		am.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
