// Package notifier publishes committed threats to external channels.
package notifier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/good-yellow-bee/threatwatch/internal/metrics"
	"github.com/good-yellow-bee/threatwatch/internal/models"
)

// Event is a committed threat together with its alert.
type Event struct {
	Threat *models.Threat `json:"threat"`
	Alert  *models.Alert  `json:"alert"`
}

// Notifier is the interface for all notification channels.
type Notifier interface {
	// Name returns the notifier name (e.g., "nats", "slack").
	Name() string
	// Send publishes a threat event.
	Send(ctx context.Context, event *Event) error
	// Close releases any resources.
	Close() error
}

// ErrRateLimited is returned when a notification is dropped due to rate limiting.
var ErrRateLimited = errors.New("notification rate limited")

// RateLimitConfig holds dispatcher rate limit settings.
type RateLimitConfig struct {
	PerSecond float64 // Sustained notifications per second (default: 10)
	Burst     int     // Burst size (default: 20)
	Enabled   bool
}

// DefaultRateLimitConfig returns default rate limit settings.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{PerSecond: 10, Burst: 20, Enabled: true}
}

// Dispatcher fans a threat event out to every registered notifier.
type Dispatcher struct {
	mu        sync.RWMutex
	notifiers map[string]Notifier
	limiter   *rate.Limiter
	timeout   time.Duration
}

// NewDispatcher creates a dispatcher with default rate limiting.
func NewDispatcher() *Dispatcher {
	return NewDispatcherWithRateLimit(DefaultRateLimitConfig())
}

// NewDispatcherWithRateLimit creates a dispatcher with custom rate limiting.
func NewDispatcherWithRateLimit(config RateLimitConfig) *Dispatcher {
	d := &Dispatcher{
		notifiers: make(map[string]Notifier),
		timeout:   10 * time.Second,
	}
	if config.Enabled {
		if config.PerSecond <= 0 {
			config.PerSecond = 10
		}
		if config.Burst <= 0 {
			config.Burst = 20
		}
		d.limiter = rate.NewLimiter(rate.Limit(config.PerSecond), config.Burst)
	}
	return d
}

// Register adds a notifier to the dispatcher.
func (d *Dispatcher) Register(n Notifier) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.notifiers[n.Name()] = n
}

// Len returns the number of registered notifiers.
func (d *Dispatcher) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.notifiers)
}

// NotifyThreat sends the pair to all registered notifiers. Each send is
// bounded by the dispatcher timeout.
func (d *Dispatcher) NotifyThreat(ctx context.Context, threat *models.Threat, alert *models.Alert) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if len(d.notifiers) == 0 {
		return nil
	}
	if d.limiter != nil && !d.limiter.Allow() {
		metrics.NotificationsTotal.WithLabelValues("rate_limited").Inc()
		return ErrRateLimited
	}

	event := &Event{Threat: threat, Alert: alert}
	var errs []error
	for name, n := range d.notifiers {
		sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
		err := n.Send(sendCtx, event)
		cancel()
		if err != nil {
			metrics.NotificationsTotal.WithLabelValues("failure").Inc()
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		metrics.NotificationsTotal.WithLabelValues("success").Inc()
	}
	return errors.Join(errs...)
}

// Close closes all registered notifiers.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var errs []error
	for name, n := range d.notifiers {
		if err := n.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	d.notifiers = make(map[string]Notifier)
	return errors.Join(errs...)
}
