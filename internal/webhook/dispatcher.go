// Package webhook delivers coordination events to HTTP listeners.
//
// Events arrive already committed to the outbox together with the state
// change they describe. The dispatcher fans each one out into one delivery
// row per listener before any network I/O happens. In-process workers then
// POST the payload, retrying with capped exponential backoff until the
// attempt cap is reached; the final outcome stays queryable through the
// delivery history.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"caseflow/internal/errs"
	"caseflow/internal/models"
	"caseflow/internal/repository"
)

// Store persists listeners and deliveries.
type Store interface {
	CreateListener(ctx context.Context, l *models.Listener) error
	ListListeners(ctx context.Context) ([]*models.Listener, error)
	DeleteListener(ctx context.Context, id string) error
	ListPendingEvents(ctx context.Context, limit int) ([]*models.Event, error)
	FanOutEvent(ctx context.Context, eventID string, deliveries []*models.Delivery, now time.Time) error
	UpdateDelivery(ctx context.Context, d *models.Delivery) error
	ListDeliveries(ctx context.Context, status models.DeliveryStatus, limit int) ([]*models.Delivery, error)
	ListPendingDeliveries(ctx context.Context, limit int) ([]*models.Delivery, error)
}

type attemptObserver interface {
	ObserveWebhookAttempt(result string, d time.Duration)
}

// StaticListener is a listener declared in configuration.
type StaticListener struct {
	URL    string
	Events []string
}

type Dispatcher struct {
	store   Store
	logger  *slog.Logger
	metrics attemptObserver
	client  *http.Client
	now     func() time.Time

	workers         int
	maxAttempts     int
	initialBackoff  time.Duration
	maxBackoff      time.Duration
	attemptTimeout  time.Duration
	recoverInterval time.Duration
	static          []*models.Listener
	persistOnly     bool

	queue    chan *models.Delivery
	mu       sync.Mutex
	inflight map[string]struct{}

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

type Option func(*Dispatcher)

func WithWorkers(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.workers = n
		}
	}
}

func WithQueueSize(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.queue = make(chan *models.Delivery, n)
		}
	}
}

func WithMaxAttempts(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxAttempts = n
		}
	}
}

// WithBackoff sets the first retry delay and the cap on any single delay.
func WithBackoff(initial, max time.Duration) Option {
	return func(d *Dispatcher) {
		if initial > 0 {
			d.initialBackoff = initial
		}
		if max > 0 {
			d.maxBackoff = max
		}
	}
}

func WithAttemptTimeout(t time.Duration) Option {
	return func(d *Dispatcher) {
		if t > 0 {
			d.attemptTimeout = t
		}
	}
}

// WithRecoverInterval sets how often pending deliveries that are not queued
// are picked up again.
func WithRecoverInterval(t time.Duration) Option {
	return func(d *Dispatcher) {
		if t > 0 {
			d.recoverInterval = t
		}
	}
}

func WithStaticListeners(listeners []StaticListener) Option {
	return func(d *Dispatcher) {
		for i, l := range listeners {
			d.static = append(d.static, &models.Listener{
				ID:         fmt.Sprintf("static-%d", i+1),
				URL:        l.URL,
				EventTypes: l.Events,
			})
		}
	}
}

// WithPersistOnly makes Publish create deliveries without sending them.
// A started dispatcher in another process picks them up on recovery.
func WithPersistOnly() Option {
	return func(d *Dispatcher) {
		d.persistOnly = true
	}
}

func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) {
		if c != nil {
			d.client = c
		}
	}
}

func WithMetrics(m attemptObserver) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

func NewDispatcher(store Store, logger *slog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:           store,
		logger:          logger,
		client:          &http.Client{},
		now:             time.Now,
		workers:         4,
		maxAttempts:     5,
		initialBackoff:  time.Second,
		maxBackoff:      time.Minute,
		attemptTimeout:  10 * time.Second,
		recoverInterval: 30 * time.Second,
		queue:           make(chan *models.Delivery, 1024),
		inflight:        map[string]struct{}{},
	}
	for _, o := range opts {
		o(d)
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d
}

// Start re-queues deliveries left pending by a previous run and starts the
// delivery workers.
func (d *Dispatcher) Start(ctx context.Context) error {
	var err error
	d.startOnce.Do(func() {
		for i := 0; i < d.workers; i++ {
			d.wg.Add(1)
			go d.worker(i + 1)
		}
		d.wg.Add(1)
		go d.recoverLoop()

		err = d.recoverPending(ctx)
	})
	return err
}

// Stop cancels in-flight attempts and waits for the workers to exit.
// Interrupted deliveries stay pending and are resumed by the next Start.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		d.cancel()
		d.wg.Wait()
		d.logger.Info("webhook dispatcher stopped")
	})
}

// Publish fans committed outbox events out to every interested listener
// and queues the deliveries. It does no network I/O. An event that fails
// here stays in the outbox and is picked up by recovery.
func (d *Dispatcher) Publish(ctx context.Context, events ...*models.Event) error {
	listeners, err := d.listeners(ctx)
	if err != nil {
		return err
	}
	var errList []error
	for _, e := range events {
		if err := d.fanOut(ctx, e, listeners); err != nil {
			errList = append(errList, err)
		}
	}
	return errors.Join(errList...)
}

func (d *Dispatcher) fanOut(ctx context.Context, e *models.Event, listeners []*models.Listener) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode event %s: %w", e.ID, err)
	}
	now := d.now().UTC()
	var deliveries []*models.Delivery
	for _, l := range listeners {
		if !l.Wants(e.Type) {
			continue
		}
		deliveries = append(deliveries, &models.Delivery{
			ID:         uuid.NewString(),
			EventID:    e.ID,
			EventType:  e.Type,
			ListenerID: l.ID,
			URL:        l.URL,
			Payload:    payload,
			Status:     models.DeliveryPending,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
	}

	err = d.store.FanOutEvent(ctx, e.ID, deliveries, now)
	if errors.Is(err, repository.ErrConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to persist deliveries of event %s: %w", e.ID, err)
	}
	if len(deliveries) == 0 {
		d.logger.Debug("no listeners for event", "event_type", e.Type, "event_id", e.ID)
		return nil
	}
	if !d.persistOnly {
		for _, del := range deliveries {
			d.enqueue(del)
		}
	}
	d.logger.Debug("event published", "event_type", e.Type, "event_id", e.ID, "deliveries", len(deliveries))
	return nil
}

func (d *Dispatcher) listeners(ctx context.Context) ([]*models.Listener, error) {
	stored, err := d.store.ListListeners(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load listeners: %w", err)
	}
	return append(append([]*models.Listener(nil), d.static...), stored...), nil
}

// RegisterListener stores a new endpoint for the given event types. An
// empty list subscribes to every event.
func (d *Dispatcher) RegisterListener(ctx context.Context, rawURL string, eventTypes []string) (*models.Listener, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, errs.Validation("listener url must be an absolute http(s) url")
	}
	for _, t := range eventTypes {
		if t == "" {
			return nil, errs.Validation("event types must not be empty strings")
		}
	}
	if eventTypes == nil {
		eventTypes = []string{}
	}

	l := &models.Listener{ID: uuid.NewString(), URL: u.String(), EventTypes: eventTypes, CreatedAt: d.now().UTC()}
	if err := d.store.CreateListener(ctx, l); err != nil {
		return nil, errs.Internal(err, "create listener")
	}
	d.logger.Info("webhook listener registered", "listener_id", l.ID, "url", l.URL)
	return l, nil
}

// ListListeners returns configured and registered listeners.
func (d *Dispatcher) ListListeners(ctx context.Context) ([]*models.Listener, error) {
	listeners, err := d.listeners(ctx)
	if err != nil {
		return nil, errs.Internal(err, "list listeners")
	}
	return listeners, nil
}

func (d *Dispatcher) DeleteListener(ctx context.Context, id string) error {
	err := d.store.DeleteListener(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return errs.NotFound("listener %s not found", id)
	}
	if err != nil {
		return errs.Internal(err, "delete listener")
	}
	return nil
}

// History lists deliveries, newest first, optionally filtered by status.
func (d *Dispatcher) History(ctx context.Context, status models.DeliveryStatus, limit int) ([]*models.Delivery, error) {
	if status != "" && !status.Valid() {
		return nil, errs.Validation("unknown delivery status %q", status)
	}
	deliveries, err := d.store.ListDeliveries(ctx, status, limit)
	if err != nil {
		return nil, errs.Internal(err, "list deliveries")
	}
	return deliveries, nil
}

func (d *Dispatcher) enqueue(del *models.Delivery) bool {
	d.mu.Lock()
	if _, ok := d.inflight[del.ID]; ok {
		d.mu.Unlock()
		return false
	}
	d.inflight[del.ID] = struct{}{}
	d.mu.Unlock()

	select {
	case d.queue <- del:
		return true
	default:
		d.done(del.ID)
		d.logger.Warn("webhook queue full, delivery left pending", "delivery_id", del.ID, "event_id", del.EventID)
		return false
	}
}

func (d *Dispatcher) done(id string) {
	d.mu.Lock()
	delete(d.inflight, id)
	d.mu.Unlock()
}

// recoverPending fans out events whose publication was interrupted, then
// re-queues deliveries that are pending but not in flight.
func (d *Dispatcher) recoverPending(ctx context.Context) error {
	events, err := d.store.ListPendingEvents(ctx, cap(d.queue))
	if err != nil {
		return fmt.Errorf("failed to load pending events: %w", err)
	}
	if len(events) > 0 {
		if err := d.Publish(ctx, events...); err != nil {
			d.logger.Error("failed to publish events left in the outbox", "count", len(events), "error", err)
		} else {
			d.logger.Info("published events left in the outbox", "count", len(events))
		}
	}

	pending, err := d.store.ListPendingDeliveries(ctx, cap(d.queue))
	if err != nil {
		return fmt.Errorf("failed to load pending deliveries: %w", err)
	}
	requeued := 0
	for _, del := range pending {
		if d.enqueue(del) {
			requeued++
		}
	}
	if requeued > 0 {
		d.logger.Info("re-queued pending webhook deliveries", "count", requeued)
	}
	return nil
}

func (d *Dispatcher) recoverLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.recoverInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			if err := d.recoverPending(d.ctx); err != nil && d.ctx.Err() == nil {
				d.logger.Error("webhook recovery failed", "error", err)
			}
		}
	}
}

func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case del := <-d.queue:
			d.deliver(d.ctx, del)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, del *models.Delivery) {
	defer d.done(del.ID)
	log := d.logger.With("delivery_id", del.ID, "event_id", del.EventID, "event_type", del.EventType, "url", del.URL)

	remaining := d.maxAttempts - del.Attempts
	if remaining <= 0 {
		del.Status = models.DeliveryFailed
		del.UpdatedAt = d.now().UTC()
		d.save(del)
		return
	}

	backoff := retry.NewExponential(d.initialBackoff)
	backoff = retry.WithCappedDuration(d.maxBackoff, backoff)
	backoff = retry.WithJitterPercent(10, backoff)
	backoff = retry.WithMaxRetries(uint64(remaining-1), backoff)

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		start := time.Now()
		del.Attempts++
		sendErr := d.send(ctx, del)
		now := d.now().UTC()
		del.UpdatedAt = now

		if sendErr == nil {
			del.Status = models.DeliveryDelivered
			del.DeliveredAt = &now
			del.LastError = ""
			d.save(del)
			d.observe("delivered", time.Since(start))
			return nil
		}

		del.LastError = sendErr.Error()
		result := "retried"
		if del.Attempts >= d.maxAttempts {
			del.Status = models.DeliveryFailed
			result = "failed"
		}
		d.save(del)
		d.observe(result, time.Since(start))
		log.Warn("webhook attempt failed", "attempt", del.Attempts, "error", sendErr)
		return retry.RetryableError(sendErr)
	})

	switch {
	case err == nil:
		log.Debug("webhook delivered", "attempts", del.Attempts)
	case ctx.Err() != nil:
		log.Info("webhook delivery interrupted, left pending", "attempts", del.Attempts)
	default:
		log.Error("webhook delivery failed permanently", "attempts", del.Attempts, "error", err)
	}
}

func (d *Dispatcher) send(ctx context.Context, del *models.Delivery) error {
	ctx, cancel := context.WithTimeout(ctx, d.attemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, del.URL, bytes.NewReader(del.Payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Caseflow-Event", del.EventType)
	req.Header.Set("X-Caseflow-Delivery", del.ID)

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

func (d *Dispatcher) save(del *models.Delivery) {
	// The delivery row must be written even while shutting down.
	if err := d.store.UpdateDelivery(context.Background(), del); err != nil {
		d.logger.Error("failed to record delivery attempt", "delivery_id", del.ID, "error", err)
	}
}

func (d *Dispatcher) observe(result string, took time.Duration) {
	if d.metrics != nil {
		d.metrics.ObserveWebhookAttempt(result, took)
	}
}
