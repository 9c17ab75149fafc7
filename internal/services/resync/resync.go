package resync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/michaelmichaeli/mailtrack/internal/broker/messages"
	"github.com/michaelmichaeli/mailtrack/internal/cache/rediscache"
	"github.com/michaelmichaeli/mailtrack/internal/integrations/carrier"
	"github.com/michaelmichaeli/mailtrack/internal/models"
	"github.com/pkg/errors"
)

type Repository interface {
	ClaimDuePackages(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*models.Package, error)
}

type Producer interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error)
}

// Worker периодически забирает "due" посылки и опрашивает перевозчиков.
// Результат уходит в kafka; применяет его API-сторона.
type Worker struct {
	repo     Repository
	carrier  carrier.Client
	producer Producer
	rl       RateLimiter

	topic string

	planner *Planner

	pollInterval       time.Duration
	batchSize          int
	concurrency        int
	lease              time.Duration
	rateLimitPerMinute int64
	carrierLimits      map[string]int64
	interRequestDelay  time.Duration

	triggerCh chan struct{}

	startedAtUnixNano   int64
	lastCycleUnixNano   atomic.Int64
	lastTriggerUnixNano atomic.Int64
	totalClaimed        atomic.Int64
	totalProcessed      atomic.Int64
	totalErrors         atomic.Int64
	inFlight            atomic.Int64
	lastErrorMu         sync.Mutex
	lastError           string
}

func New(repo Repository, cl carrier.Client, producer Producer, rl RateLimiter, topic string) *Worker {
	return &Worker{
		repo: repo, carrier: cl, producer: producer, rl: rl, topic: topic,
		planner:            NewPlanner(DefaultPlannerConfig(), nil),
		pollInterval:       2 * time.Second,
		batchSize:          100,
		concurrency:        10,
		lease:              120 * time.Second,
		rateLimitPerMinute: 120,
		carrierLimits:      map[string]int64{},
		interRequestDelay:  100 * time.Millisecond,
		triggerCh:          make(chan struct{}, 1),
		startedAtUnixNano:  time.Now().UTC().UnixNano(),
	}
}

func (w *Worker) WithSettings(pollInterval time.Duration, batchSize, concurrency int, lease time.Duration, rlPerMin int64) *Worker {
	if pollInterval > 0 {
		w.pollInterval = pollInterval
	}
	if batchSize > 0 {
		w.batchSize = batchSize
	}
	if concurrency > 0 {
		w.concurrency = concurrency
	}
	if lease > 0 {
		w.lease = lease
	}
	if rlPerMin > 0 {
		w.rateLimitPerMinute = rlPerMin
	}
	return w
}

// WithInterRequestDelay задаёт фиксированную паузу перед каждым живым
// запросом к перевозчику. Нулём не отключается: без паузы батч
// превращается в залп по upstream.
func (w *Worker) WithInterRequestDelay(d time.Duration) *Worker {
	if d > 0 {
		w.interRequestDelay = d
	}
	return w
}

func (w *Worker) WithPlanner(cfg PlannerConfig) *Worker {
	w.planner = NewPlanner(cfg, nil)
	return w
}

// WithCarrierRateLimits задаёт поминутные лимиты для отдельных
// перевозчиков поверх общего.
func (w *Worker) WithCarrierRateLimits(limits map[string]int64) *Worker {
	for code, n := range limits {
		if n > 0 {
			w.carrierLimits[code] = n
		}
	}
	return w
}

// Trigger forces an immediate poll cycle (best-effort, non-blocking).
func (w *Worker) Trigger() {
	w.lastTriggerUnixNano.Store(time.Now().UTC().UnixNano())
	select {
	case w.triggerCh <- struct{}{}:
	default:
	}
}

type Stats struct {
	StartedAt      time.Time  `json:"startedAt"`
	LastCycleAt    *time.Time `json:"lastCycleAt,omitempty"`
	LastTriggerAt  *time.Time `json:"lastTriggerAt,omitempty"`
	TotalClaimed   int64      `json:"totalClaimed"`
	TotalProcessed int64      `json:"totalProcessed"`
	TotalErrors    int64      `json:"totalErrors"`
	InFlight       int64      `json:"inFlight"`
	LastError      string     `json:"lastError,omitempty"`
}

func (w *Worker) Stats() Stats {
	st := Stats{
		StartedAt:      time.Unix(0, w.startedAtUnixNano).UTC(),
		TotalClaimed:   w.totalClaimed.Load(),
		TotalProcessed: w.totalProcessed.Load(),
		TotalErrors:    w.totalErrors.Load(),
		InFlight:       w.inFlight.Load(),
	}
	if n := w.lastCycleUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastCycleAt = &t
	}
	if n := w.lastTriggerUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastTriggerAt = &t
	}
	w.lastErrorMu.Lock()
	st.LastError = w.lastError
	w.lastErrorMu.Unlock()
	return st
}

func (w *Worker) Run(ctx context.Context) error {
	t := time.NewTicker(w.pollInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			w.runOnce(ctx)
		case <-w.triggerCh:
			w.runOnce(ctx)
		}
	}
}

func (w *Worker) runOnce(ctx context.Context) {
	now := time.Now().UTC()
	w.lastCycleUnixNano.Store(now.UnixNano())

	items, err := w.repo.ClaimDuePackages(ctx, now, w.batchSize, w.lease)
	if err != nil {
		slog.Error("claim due packages", "error", err.Error())
		w.lastErrorMu.Lock()
		w.lastError = err.Error()
		w.lastErrorMu.Unlock()
		return
	}
	w.totalClaimed.Add(int64(len(items)))

	sem := make(chan struct{}, w.concurrency)
	var wg sync.WaitGroup
	for _, pkg := range items {
		sem <- struct{}{}
		wg.Add(1)
		pkgCopy := pkg
		w.inFlight.Add(1)
		go func() {
			defer func() {
				w.inFlight.Add(-1)
				<-sem
				wg.Done()
			}()
			if err := w.processOne(ctx, pkgCopy); err != nil {
				w.totalErrors.Add(1)
				w.lastErrorMu.Lock()
				w.lastError = err.Error()
				w.lastErrorMu.Unlock()
				slog.Error("process package", "package_id", pkgCopy.ID, "error", err.Error())
			}
			w.totalProcessed.Add(1)
		}()
	}
	wg.Wait()
}

func (w *Worker) processOne(ctx context.Context, pkg *models.Package) error {
	now := time.Now().UTC()

	if w.rl != nil && w.rateLimitPerMinute > 0 {
		limit := w.rateLimitPerMinute
		if n, ok := w.carrierLimits[pkg.Carrier]; ok {
			limit = n
		}

		minuteKey := rediscache.MinuteKey("carrier:"+pkg.Carrier, now)
		allowed, n, err := w.rl.Allow(ctx, minuteKey, limit, 70*time.Second)
		if err != nil {
			return err
		}
		if !allowed {
			// Минутный лимит выбран: запрос не делаем вообще. Посылка
			// останется due и вернётся после истечения lease.
			slog.Warn("rate limit exceeded, skipping fetch", "carrier", pkg.Carrier, "count", n)
			return nil
		}
	}

	// Фиксированная пауза между живыми запросами, разгружает upstream.
	if w.interRequestDelay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.interRequestDelay):
		}
	}

	res, err := w.carrier.Fetch(ctx, pkg.TrackingNumber, pkg.Carrier)

	msg := messages.PackageUpdated{
		PackageID:      pkg.ID,
		TrackingNumber: pkg.TrackingNumber,
		CheckedAt:      now,
	}

	switch {
	case err != nil:
		e := err.Error()
		msg.Error = &e
		nextFail := pkg.CheckFailCount + 1
		msg.NextCheckAt = now.Add(w.planner.BackoffDelay(nextFail))
	case res == nil:
		// Данных нет (rate limit, пустой ответ): статус не меняем,
		// придём позже.
		msg.Status = pkg.Status
		msg.NextCheckAt = now.Add(w.planner.NextCheckDelay(models.StatusUnknown))
	default:
		msg.Status = res.Status
		msg.Carrier = res.Carrier
		msg.EstimatedDelivery = res.EstimatedDelivery
		msg.LastLocation = res.LastLocation
		msg.NextCheckAt = now.Add(w.planner.NextCheckDelay(res.Status))
		for _, e := range res.Events {
			msg.Events = append(msg.Events, messages.PackageEvent{
				Status:      e.Status,
				EventTime:   e.EventTime,
				Location:    e.Location,
				Description: e.Description,
			})
		}
	}

	b, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "marshal kafka msg")
	}

	key := []byte(fmt.Sprintf("%d", pkg.ID))
	// Kafka может быть не готова сразу после старта docker compose.
	// Для демо/устойчивости делаем небольшой retry.
	var pubErr error
	for i := 0; i < 10; i++ {
		if err := w.producer.Publish(ctx, w.topic, key, b); err == nil {
			pubErr = nil
			break
		} else {
			pubErr = err
			time.Sleep(time.Duration(150*(i+1)) * time.Millisecond)
		}
	}
	return pubErr
}
