package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/michaelmichaeli/mailtrack/config"
	"github.com/michaelmichaeli/mailtrack/internal/broker/kafka"
	"github.com/michaelmichaeli/mailtrack/internal/cache"
	"github.com/michaelmichaeli/mailtrack/internal/cache/rediscache"
	"github.com/michaelmichaeli/mailtrack/internal/integrations/carrier"
	"github.com/michaelmichaeli/mailtrack/internal/integrations/carrier/aggregator"
	"github.com/michaelmichaeli/mailtrack/internal/integrations/carrier/fake"
	"github.com/michaelmichaeli/mailtrack/internal/integrations/carrier/pollingapi"
	"github.com/michaelmichaeli/mailtrack/internal/services/resync"
	"github.com/michaelmichaeli/mailtrack/internal/storage/pgshipments"
)

func main() {
	cfg, err := config.LoadConfig(os.Getenv("configPath"))
	if err != nil {
		panic(fmt.Sprintf("ошибка парсинга конфига, %v", err))
	}

	topic := cfg.Kafka.PackageUpdatedTopicName
	if topic == "" {
		topic = "mailtrack.package.updated"
	}

	pollInterval := time.Duration(cfg.Mailtrack.WorkerPollIntervalSeconds) * time.Second
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	batchSize := cfg.Mailtrack.WorkerBatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	concurrency := cfg.Mailtrack.WorkerConcurrency
	if concurrency <= 0 {
		concurrency = 10
	}
	lease := time.Duration(cfg.Mailtrack.WorkerLeaseSeconds) * time.Second
	if lease <= 0 {
		lease = 120 * time.Second
	}
	rlPerMin := int64(cfg.Mailtrack.WorkerRateLimitPerMinute)
	if rlPerMin <= 0 {
		rlPerMin = 120
	}

	sslMode := cfg.Database.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	connString := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.Database.Username, cfg.Database.Password, cfg.Database.Host, cfg.Database.Port, cfg.Database.DBName, sslMode)
	st, err := pgshipments.New(connString)
	if err != nil {
		panic(err)
	}
	defer st.Close()

	brokers := []string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)}
	producer := kafka.NewProducer(brokers)

	redisAddr := fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
	rl := rediscache.NewRateLimiter(redisAddr)

	carrierClient, closeCarrier := buildCarrierClient(cfg, redisAddr)
	defer closeCarrier()

	w := resync.New(st, carrierClient, producer, rl, topic).
		WithSettings(pollInterval, batchSize, concurrency, lease, rlPerMin).
		WithInterRequestDelay(time.Duration(cfg.Mailtrack.WorkerInterRequestDelayMillis) * time.Millisecond).
		WithPlanner(plannerConfigFrom(cfg)).
		WithCarrierRateLimits(carrierLimitsFrom(cfg))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go func() {
		if err := runWorkerHTTPServer(ctx, workerHTTPOpts{
			httpAddr:    cfg.Mailtrack.WorkerHTTPAddr,
			swaggerPath: os.Getenv("swaggerPath"),
			worker:      w,
			cfg:         cfg,
		}); err != nil && err != context.Canceled {
			panic(err)
		}
	}()

	if err := w.Run(ctx); err != nil && err != context.Canceled {
		panic(err)
	}
}

// buildCarrierClient выбирает источник статусов по конфигу. По умолчанию
// fake: детерминированные ответы без внешних зависимостей.
func buildCarrierClient(cfg *config.Config, redisAddr string) (carrier.Client, func()) {
	switch cfg.Mailtrack.CarrierSourceMode {
	case "polling":
		if cfg.Mailtrack.CarrierPollingBaseURL == "" {
			break
		}
		// Без redis окно опросов живёт в памяти процесса.
		var gate carrier.FetchGate = cache.NewMemoryFetchGate()
		if cfg.Redis.Host != "" {
			gate = rediscache.NewFetchGate(redisAddr)
		}
		c := pollingapi.New(cfg.Mailtrack.CarrierPollingBaseURL, gate)
		if sec := cfg.Mailtrack.CarrierPollingFetchWindowSeconds; sec > 0 {
			c = c.WithWindow(time.Duration(sec) * time.Second)
		}
		return c, func() {}
	case "aggregator":
		if cfg.Mailtrack.CarrierAggregatorBaseURL == "" {
			break
		}
		timeout := time.Duration(cfg.Mailtrack.CarrierAggregatorTimeoutSeconds) * time.Second
		if timeout <= 0 {
			timeout = 40 * time.Second
		}
		s := aggregator.NewSession(cfg.Mailtrack.CarrierAggregatorBaseURL, timeout)
		return s, s.Close
	}
	return fake.New(), func() {}
}

func plannerConfigFrom(cfg *config.Config) resync.PlannerConfig {
	sec := func(n int) time.Duration { return time.Duration(n) * time.Second }
	return resync.PlannerConfig{
		ActiveMinDelay:      sec(cfg.Mailtrack.WorkerNextCheckActiveMinSeconds),
		ActiveMaxDelay:      sec(cfg.Mailtrack.WorkerNextCheckActiveMaxSeconds),
		OutForDeliveryDelay: sec(cfg.Mailtrack.WorkerNextCheckOutForDeliverySeconds),
		UnknownDelay:        sec(cfg.Mailtrack.WorkerNextCheckUnknownSeconds),
		Backoff1:            sec(cfg.Mailtrack.WorkerBackoff1Seconds),
		Backoff2:            sec(cfg.Mailtrack.WorkerBackoff2Seconds),
		Backoff3:            sec(cfg.Mailtrack.WorkerBackoff3Seconds),
		Backoff4:            sec(cfg.Mailtrack.WorkerBackoff4Seconds),
	}
}

func carrierLimitsFrom(cfg *config.Config) map[string]int64 {
	out := make(map[string]int64, len(cfg.Mailtrack.WorkerCarrierRateLimitsPerMinute))
	for code, n := range cfg.Mailtrack.WorkerCarrierRateLimitsPerMinute {
		out[code] = int64(n)
	}
	return out
}
