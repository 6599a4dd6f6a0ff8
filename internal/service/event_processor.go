package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"example.com/pulsecal/services/telemetry/config"
	"example.com/pulsecal/services/telemetry/internal/cache"
	"example.com/pulsecal/services/telemetry/internal/messaging"
	"example.com/pulsecal/services/telemetry/internal/metrics"
	"example.com/pulsecal/services/telemetry/internal/models"
	"example.com/pulsecal/services/telemetry/internal/repository"
	"example.com/pulsecal/services/telemetry/internal/rules"
	"example.com/pulsecal/services/telemetry/internal/search"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// EventProcessor consumes accepted-sample events from the queue, runs the
// rule engine and persists alerts exactly once per idempotency key even
// though the queue delivers at least once. Dedup happens in three layers:
// an in-process LRU, a Redis claim shared across instances, and the alert
// table itself.
type EventProcessor struct {
	repo    repository.Repository
	engine  *rules.Engine
	bus     messaging.ServiceBusClient
	redis   cache.RedisClient
	es      search.Client
	metrics *metrics.Metrics
	cfg     *config.Config
	log     *logrus.Logger
	seen    *lru.Cache[string, time.Time]
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewEventProcessor creates the queue consumer
func NewEventProcessor(repo repository.Repository, engine *rules.Engine, bus messaging.ServiceBusClient,
	redis cache.RedisClient, es search.Client, m *metrics.Metrics, cfg *config.Config, log *logrus.Logger) (*EventProcessor, error) {
	seen, err := lru.New[string, time.Time](cfg.Processor.DedupCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create dedup cache: %w", err)
	}
	return &EventProcessor{
		repo:    repo,
		engine:  engine,
		bus:     bus,
		redis:   redis,
		es:      es,
		metrics: m,
		cfg:     cfg,
		log:     log,
		seen:    seen,
		now:     time.Now,
		sleep:   sleepCtx,
	}, nil
}

// Run blocks until the context is cancelled, consuming the sample event
// queue with the configured number of workers.
func (p *EventProcessor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Processor.Workers; i++ {
		worker := i
		g.Go(func() error {
			p.log.WithField("worker", worker).Info("Event processor worker started")
			return p.bus.ReceiveMessages(ctx, p.cfg.ServiceBus.QueueName, p.Handle)
		})
	}
	return g.Wait()
}

// Handle processes one queue message. Returning ErrMalformedMessage
// dead-letters it; any other error abandons it for redelivery.
func (p *EventProcessor) Handle(ctx context.Context, body []byte) error {
	p.metrics.QueueDepth.Inc()
	defer p.metrics.QueueDepth.Dec()

	var ev models.SampleAcceptedEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		p.log.WithError(err).Warn("Dropping malformed sample event")
		p.recordFailure(ctx, body, "", "malformed", 1, err)
		return messaging.ErrMalformedMessage
	}
	if ev.SampleUUID == "" || ev.DeviceUID == "" {
		p.recordFailure(ctx, body, ev.DeviceUID, "malformed", 1, fmt.Errorf("missing sample or device identity"))
		return messaging.ErrMalformedMessage
	}

	candidates, discarded := p.engine.Evaluate(ev)
	for i := 0; i < discarded; i++ {
		p.metrics.AlertsDiscarded.Inc()
	}

	for _, c := range candidates {
		p.processCandidate(ctx, ev, c)
	}
	return nil
}

// processCandidate persists one candidate unless its idempotency key has
// already produced an alert inside the dedup window. Persistence failures
// are retried with exponential backoff and finally routed to the failure
// sink so one bad candidate never stalls the stream.
func (p *EventProcessor) processCandidate(ctx context.Context, ev models.SampleAcceptedEvent, c rules.Candidate) {
	if _, ok := p.seen.Get(c.IdempotencyKey); ok {
		p.metrics.AlertsDeduplicated.Inc()
		return
	}

	claimKey := "alert:" + c.IdempotencyKey
	claimed := false
	if p.redis != nil {
		ok, err := p.redis.SetNX(ctx, claimKey, ev.SampleUUID, p.cfg.Processor.DedupWindow)
		if err != nil {
			// Redis being down must not block alerting; the database
			// check below still catches duplicates.
			p.log.WithError(err).Warn("Alert dedup claim unavailable, falling back to store check")
		} else if !ok {
			p.metrics.AlertsDeduplicated.Inc()
			p.seen.Add(c.IdempotencyKey, p.now())
			return
		} else {
			claimed = true
		}
	}

	since := p.now().Add(-p.cfg.Processor.DedupWindow)
	if existing, err := p.repo.FindRecentAlertByIdempotencyKey(ctx, c.IdempotencyKey, since); err == nil && existing != nil {
		p.metrics.AlertsDeduplicated.Inc()
		p.seen.Add(c.IdempotencyKey, p.now())
		return
	}

	evidence, _ := json.Marshal(c.Evidence)
	alert := &models.Alert{
		UUID:           uuid.New().String(),
		DeviceID:       ev.DeviceID,
		DeviceUID:      ev.DeviceUID,
		AlertType:      c.AlertType,
		Severity:       c.Severity,
		Confidence:     c.Confidence,
		Description:    c.Description,
		Explanation:    c.Explanation,
		IdempotencyKey: c.IdempotencyKey,
		Evidence:       string(evidence),
		Status:         models.AlertStatusOpen,
		SampleUUID:     ev.SampleUUID,
	}

	if err := p.createWithRetry(ctx, alert); err != nil {
		// Release the claim so the broker's redelivery can retry the write
		// once the store recovers. Holding it would silently drop the alert
		// for the rest of the dedup window.
		if claimed {
			if derr := p.redis.Delete(ctx, claimKey); derr != nil {
				p.log.WithError(derr).WithField("alert_uuid", alert.UUID).
					Warn("Failed to release alert dedup claim")
			}
		}
		body, _ := json.Marshal(ev)
		p.recordFailure(ctx, body, ev.DeviceUID, "alert_create", p.cfg.Processor.RetryAttempts, err)
		return
	}

	p.seen.Add(c.IdempotencyKey, p.now())
	p.metrics.AlertsCreated.WithLabelValues(alert.AlertType, string(alert.Severity)).Inc()
	p.log.WithFields(logrus.Fields{
		"device_uid": alert.DeviceUID,
		"alert_type": alert.AlertType,
		"severity":   alert.Severity,
		"confidence": alert.Confidence,
	}).Info("Alert created")

	p.publishAlert(ctx, alert)
}

func (p *EventProcessor) createWithRetry(ctx context.Context, alert *models.Alert) error {
	var lastErr error
	backoff := p.cfg.Processor.RetryBaseBackoff
	for attempt := 1; attempt <= p.cfg.Processor.RetryAttempts; attempt++ {
		writeCtx, cancel := context.WithTimeout(ctx, p.cfg.Processor.StoreWriteTimeout)
		lastErr = p.repo.CreateAlert(writeCtx, alert)
		cancel()
		if lastErr == nil {
			return nil
		}
		p.log.WithError(lastErr).WithFields(logrus.Fields{
			"alert_uuid": alert.UUID,
			"attempt":    attempt,
		}).Warn("Alert create failed")

		if attempt == p.cfg.Processor.RetryAttempts {
			break
		}
		if err := p.sleep(ctx, backoff); err != nil {
			return lastErr
		}
		backoff *= 2
	}
	return lastErr
}

// recordFailure writes the event to the failure sink. If even that write
// fails there is nothing left to do but log.
func (p *EventProcessor) recordFailure(ctx context.Context, body []byte, deviceUID, kind string, attempts int, cause error) {
	p.metrics.EventsFailed.Inc()
	failure := &models.ProcessingFailure{
		EventBody:   string(body),
		DeviceUID:   deviceUID,
		FailureKind: kind,
		Attempts:    attempts,
		LastError:   cause.Error(),
	}
	if err := p.repo.SaveProcessingFailure(ctx, failure); err != nil {
		p.log.WithError(err).WithField("cause", cause.Error()).Error("Failed to record processing failure")
	}
}

// publishAlert forwards the alert to the notification queue and the search
// index, both best effort.
func (p *EventProcessor) publishAlert(ctx context.Context, alert *models.Alert) {
	if err := p.bus.SendMessage(ctx, p.cfg.ServiceBus.NotificationQueue, alert); err != nil {
		p.log.WithError(err).WithField("alert_uuid", alert.UUID).Warn("Failed to publish alert notification")
	}
	if p.es != nil {
		doc, err := json.Marshal(alert)
		if err == nil {
			err = p.es.IndexDocument(ctx, alert.UUID, doc)
		}
		if err != nil {
			p.log.WithError(err).WithField("alert_uuid", alert.UUID).Warn("Failed to index alert")
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
