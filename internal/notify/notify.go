// SPDX-License-Identifier: Apache-2.0

// Package notify owns outbound notification dispatch. Channels are
// capabilities resolved once at startup; breaker and queue state is held on
// the dispatcher instance so multiple worker processes and tests never
// share mutable globals.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/rotaops/rota/internal/models"
	"github.com/rotaops/rota/internal/telemetry"
)

// Message is the payload handed to a channel for one recipient.
type Message struct {
	IncidentID    int64  `json:"incident_id"`
	IncidentTitle string `json:"incident_title"`
	Event         string `json:"event"`
	Body          string `json:"body"`
}

// Channel is one outbound notification capability.
type Channel interface {
	Type() models.ChannelType
	Send(ctx context.Context, user models.User, msg Message) error
}

// Recorder persists the durable outcome of each send attempt.
type Recorder interface {
	RecordNotification(ctx context.Context, rec models.NotificationRecord) error
}

// Result is the outcome of one send attempt.
type Result struct {
	UserID  int64
	Channel models.ChannelType
	Err     error
}

// CircuitBreaker trips a channel after consecutive failures and holds it
// open for a cooldown. One breaker per channel, owned by the dispatcher.
type CircuitBreaker struct {
	mu        sync.Mutex
	failures  int
	threshold int
	cooldown  time.Duration
	openUntil time.Time
}

func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{threshold: threshold, cooldown: cooldown}
}

// Allow reports whether a send may proceed.
func (cb *CircuitBreaker) Allow(now time.Time) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return now.After(cb.openUntil) || now.Equal(cb.openUntil)
}

// Record feeds a send outcome into the breaker.
func (cb *CircuitBreaker) Record(now time.Time, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err == nil {
		cb.failures = 0
		return
	}
	cb.failures++
	if cb.failures >= cb.threshold {
		cb.openUntil = now.Add(cb.cooldown)
		cb.failures = 0
	}
}

// Dispatcher fans a notification out to resolved users across their
// channels, with a per-send timeout so a hung integration cannot hold the
// escalation lock open indefinitely.
type Dispatcher struct {
	channels    map[models.ChannelType]Channel
	breakers    map[models.ChannelType]*CircuitBreaker
	recorder    Recorder
	logger      *slog.Logger
	sendTimeout time.Duration
	now         func() time.Time
}

type DispatcherOption func(*Dispatcher)

func WithSendTimeout(d time.Duration) DispatcherOption {
	return func(disp *Dispatcher) { disp.sendTimeout = d }
}

func WithClock(now func() time.Time) DispatcherOption {
	return func(disp *Dispatcher) { disp.now = now }
}

func WithBreaker(threshold int, cooldown time.Duration) DispatcherOption {
	return func(disp *Dispatcher) {
		for t := range disp.channels {
			disp.breakers[t] = NewCircuitBreaker(threshold, cooldown)
		}
	}
}

func NewDispatcher(channels []Channel, recorder Recorder, logger *slog.Logger, opts ...DispatcherOption) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		channels:    make(map[models.ChannelType]Channel, len(channels)),
		breakers:    make(map[models.ChannelType]*CircuitBreaker),
		recorder:    recorder,
		logger:      logger,
		sendTimeout: 10 * time.Second,
		now:         time.Now,
	}
	for _, ch := range channels {
		d.channels[ch.Type()] = ch
	}
	for t := range d.channels {
		d.breakers[t] = NewCircuitBreaker(5, time.Minute)
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Notify sends msg to user. channelOverride, when non-empty, replaces the
// user's own channel preferences (per-step policy override). Failures are
// recorded and returned but never abort the remaining channels.
func (d *Dispatcher) Notify(ctx context.Context, user models.User, msg Message, channelOverride []models.ChannelType) []Result {
	wanted := channelOverride
	if len(wanted) == 0 {
		wanted = user.Channels
	}
	if len(wanted) == 0 {
		wanted = []models.ChannelType{models.ChannelEmail}
	}

	var results []Result
	for _, t := range wanted {
		results = append(results, d.sendOne(ctx, t, user, msg))
	}
	return results
}

func (d *Dispatcher) sendOne(ctx context.Context, t models.ChannelType, user models.User, msg Message) Result {
	ch, ok := d.channels[t]
	if !ok {
		err := fmt.Errorf("channel %s not configured", t)
		d.record(ctx, t, user, msg, err)
		return Result{UserID: user.ID, Channel: t, Err: err}
	}

	now := d.now()
	if br := d.breakers[t]; br != nil && !br.Allow(now) {
		err := fmt.Errorf("channel %s circuit open", t)
		d.record(ctx, t, user, msg, err)
		return Result{UserID: user.ID, Channel: t, Err: err}
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	err := ch.Send(sendCtx, user, msg)
	cancel()

	if br := d.breakers[t]; br != nil {
		br.Record(d.now(), err)
	}
	telemetry.IncNotifySend(ctx, string(t))
	if err != nil {
		telemetry.IncNotifyFailure(ctx, string(t), "send")
		d.logger.Warn("notification send failed",
			"channel", t, "user", user.ID, "incident", msg.IncidentID, "err", err)
	}
	d.record(ctx, t, user, msg, err)
	return Result{UserID: user.ID, Channel: t, Err: err}
}

func (d *Dispatcher) record(ctx context.Context, t models.ChannelType, user models.User, msg Message, sendErr error) {
	if d.recorder == nil {
		return
	}
	rec := models.NotificationRecord{
		IncidentID: msg.IncidentID,
		UserID:     user.ID,
		Channel:    t,
		Success:    sendErr == nil,
	}
	if sendErr != nil {
		rec.Error = sendErr.Error()
	}
	if err := d.recorder.RecordNotification(ctx, rec); err != nil {
		d.logger.Error("failed to record notification outcome", "err", err)
	}
}

// gatewayChannel delivers by POSTing JSON to a provider endpoint. Every
// built-in channel type is a gateway with a different provider URL; richer
// integrations implement Channel directly.
type gatewayChannel struct {
	typ      models.ChannelType
	endpoint string
	client   *http.Client
}

// NewGatewayChannel builds a channel of the given type backed by an HTTP
// provider endpoint.
func NewGatewayChannel(typ models.ChannelType, endpoint string) Channel {
	return &gatewayChannel{typ: typ, endpoint: endpoint, client: &http.Client{}}
}

func (g *gatewayChannel) Type() models.ChannelType { return g.typ }

func (g *gatewayChannel) Send(ctx context.Context, user models.User, msg Message) error {
	payload, err := json.Marshal(struct {
		Message
		UserID    int64  `json:"user_id"`
		UserEmail string `json:"user_email"`
	}{Message: msg, UserID: user.ID, UserEmail: user.Email})
	if err != nil {
		return fmt.Errorf("failed to encode notification payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("notification request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("notification provider returned %d", resp.StatusCode)
	}
	return nil
}

// ResolveChannels builds the channel capability set from configuration,
// once at startup. endpoints maps channel type name to provider URL.
func ResolveChannels(endpoints map[string]string) ([]Channel, error) {
	known := map[string]models.ChannelType{
		"email":    models.ChannelEmail,
		"sms":      models.ChannelSMS,
		"push":     models.ChannelPush,
		"slack":    models.ChannelSlack,
		"webhook":  models.ChannelWebhook,
		"whatsapp": models.ChannelWhatsApp,
	}
	var channels []Channel
	for name, endpoint := range endpoints {
		typ, ok := known[name]
		if !ok {
			return nil, fmt.Errorf("unknown notification channel %q", name)
		}
		channels = append(channels, NewGatewayChannel(typ, endpoint))
	}
	return channels, nil
}
