package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hookrelay/hookrelay/internal/config"
	"github.com/hookrelay/hookrelay/internal/db"
	"github.com/hookrelay/hookrelay/internal/health"
	"github.com/hookrelay/hookrelay/internal/logging"
	"github.com/hookrelay/hookrelay/internal/metrics"
	"github.com/hookrelay/hookrelay/internal/notify"
	"github.com/hookrelay/hookrelay/internal/protocol"
	"github.com/hookrelay/hookrelay/internal/queue"
	"github.com/hookrelay/hookrelay/internal/retry"
	"github.com/hookrelay/hookrelay/internal/store"
	"github.com/hookrelay/hookrelay/internal/tracing"
)

func main() {
	cfg := config.FromEnv()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	logger := logging.New("hookrelay-worker")

	shutdown, err := tracing.InitTracing(ctx, "hookrelay-worker")
	if err != nil {
		logger.Plain().WithError(err).Fatal("failed to initialize tracing")
	}
	defer shutdown()

	pool, err := db.Connect(ctx, cfg.DSN())
	if err != nil {
		logger.Plain().WithError(err).Fatal("db connect failed")
	}
	defer pool.Close()
	pg := store.NewPostgres(pool)

	prod, err := nsq.NewProducer(cfg.NSQ.NsqdTCPAddr, nsq.NewConfig())
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq producer creation failed")
	}
	defer prod.Stop()
	pub := notify.NewNSQPublisher(prod, cfg.NSQ.EventsTopic, cfg.NSQ.DLQTopic)

	registry := protocol.NewRegistry()
	protocol.RegisterHTTPPush(registry)

	processor := queue.NewProcessor(
		pg.Set(),
		registry,
		retry.NewScheduler(cfg.Worker.RetryCap),
		pub,
		logger,
		queue.Options{
			PublishDLQ: cfg.Worker.PublishDLQ,
		},
	)

	// Prom metrics
	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HTTPHandler(pool, map[string]health.Check{
		"queue": pub.Ping,
	}))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	httpSrv := &http.Server{Addr: cfg.Worker.HTTPPort, Handler: mux}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("worker HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("worker HTTP server failed")
		}
	}()

	// NSQ consumer: wake-up messages get the matching event processed
	// immediately instead of waiting for the next poll tick.
	conf := nsq.NewConfig()
	conf.MaxInFlight = 1000
	consumer, err := nsq.NewConsumer(cfg.NSQ.EventsTopic, cfg.NSQ.WorkerChannel, conf)
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq consumer creation failed")
	}

	consumer.AddHandler(nsq.HandlerFunc(func(m *nsq.Message) error {
		m.DisableAutoResponse() // we manually requeue or finish

		var wake notify.Wakeup
		if err := json.Unmarshal(m.Body, &wake); err != nil {
			logger.Plain().WithError(err).Error("bad wake-up payload")
			m.Finish() // terminal: don't retry bad payloads
			return nil
		}

		mctx := tracing.ExtractHeaders(ctx, wake.TraceHeaders)
		if err := processor.ProcessOne(mctx, wake.EventID); err != nil {
			logger.WithContext(mctx).WithEvent(wake.EventID).WithError(err).Error("wake-up processing failed")
			m.Requeue(-1)
			return nil
		}
		m.Finish()
		return nil
	}))

	if err := consumer.ConnectToNSQLookupd(strings.TrimPrefix(cfg.NSQ.LookupHTTPAddr, "http://")); err != nil {
		logger.Plain().WithError(err).Warn("nsqlookupd connect failed, falling back to nsqd")
		if err := consumer.ConnectToNSQD(cfg.NSQ.NsqdTCPAddr); err != nil {
			logger.Plain().WithError(err).Fatal("nsq connect failed")
		}
	}

	// Poll loop: catches events whose wake-up was lost and retries coming
	// due, so NSQ stays an optimization rather than a dependency.
	go func() {
		ticker := time.NewTicker(cfg.Worker.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats, err := processor.ProcessBatch(ctx, cfg.Worker.BatchSize)
				if err != nil {
					logger.Plain().WithError(err).Error("processing pass failed")
					continue
				}
				if stats.Processed > 0 {
					logger.Plain().
						WithField("processed", stats.Processed).
						WithField("succeeded", stats.Succeeded).
						WithField("failed", stats.Failed).
						WithField("retry_scheduled", stats.RetryScheduled).
						Info("processing pass")
				}
			}
		}
	}()

	startBacklogMonitor(ctx, cfg, logger)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop
	cancel()
	consumer.Stop()
	<-consumer.StopChan
	_ = httpSrv.Shutdown(context.Background())
	logger.Plain().Info("worker stopped")
}

// startBacklogMonitor periodically reads nsqd stats and exports the wake-up
// topic depth.
func startBacklogMonitor(ctx context.Context, cfg config.Config, logger *logging.Logger) {
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()

		httpClient := &http.Client{Timeout: 5 * time.Second}
		nsqdHTTPAddr := strings.Replace(cfg.NSQ.NsqdTCPAddr, ":4150", ":4151", 1)

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			resp, err := httpClient.Get(fmt.Sprintf("http://%s/stats?format=json", nsqdHTTPAddr))
			if err != nil {
				logger.Plain().WithError(err).Error("failed to get NSQ stats")
				continue
			}

			var stats struct {
				Topics []struct {
					Name     string `json:"topic_name"`
					Channels []struct {
						Name  string `json:"channel_name"`
						Depth int64  `json:"depth"`
					} `json:"channels"`
				} `json:"topics"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
				resp.Body.Close()
				logger.Plain().WithError(err).Error("failed to decode NSQ stats")
				continue
			}
			resp.Body.Close()

			for _, topic := range stats.Topics {
				if topic.Name != cfg.NSQ.EventsTopic {
					continue
				}
				for _, channel := range topic.Channels {
					if channel.Name == cfg.NSQ.WorkerChannel {
						metrics.UpdateQueueBacklog(float64(channel.Depth))
					}
				}
			}
		}
	}()
}
