package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	shipmentsapi "github.com/michaelmichaeli/mailtrack/internal/api/shipments_api"
	"github.com/michaelmichaeli/mailtrack/internal/broker/kafka"
	"github.com/michaelmichaeli/mailtrack/internal/broker/messages"
	"github.com/michaelmichaeli/mailtrack/internal/services/shipments"
	"github.com/pkg/errors"
	httpSwagger "github.com/swaggo/http-swagger"
)

type mailtrackAPIOpts struct {
	httpAddr    string
	swaggerPath string

	topic         string
	consumerGroup string

	onListen func(httpAddr string)
}

type kafkaConsumer interface {
	Consume(ctx context.Context, handler func(key, value []byte) error) error
}

func runMailtrackAPI(ctx context.Context, opts mailtrackAPIOpts, svc *shipments.Service, consumer kafkaConsumer) error {
	if opts.swaggerPath == "" {
		return fmt.Errorf("swaggerPath env var is required")
	}
	if _, err := os.Stat(opts.swaggerPath); os.IsNotExist(err) {
		return fmt.Errorf("swagger file not found: %s", opts.swaggerPath)
	}

	api := shipmentsapi.New(svc)

	httpLis, err := net.Listen("tcp", opts.httpAddr)
	if err != nil {
		return err
	}
	if opts.onListen != nil {
		opts.onListen(httpLis.Addr().String())
	}

	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Get("/swagger.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		http.ServeFile(w, r, opts.swaggerPath)
	})
	r.Get("/docs/*", httpSwagger.Handler(httpSwagger.URL("/swagger.json")))

	api.Routes(r)

	go func() {
		slog.Info("kafka consumer started", "topic", opts.topic, "group", opts.consumerGroup)
		_ = consumer.Consume(ctx, func(_key, value []byte) error {
			var m messages.PackageUpdated
			if err := json.Unmarshal(value, &m); err != nil {
				// Непарсящееся сообщение коммитим и пропускаем.
				return errors.Wrap(kafka.ErrSkipMessage, err.Error())
			}
			return svc.ApplyKafkaUpdate(ctx, m)
		})
	}()

	srv := &http.Server{Handler: r}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = httpLis.Close()
	}()

	slog.Info("HTTP server listening", "addr", httpLis.Addr().String())
	if err := srv.Serve(httpLis); err != nil && err != http.ErrServerClosed {
		return err
	}
	return ctx.Err()
}
