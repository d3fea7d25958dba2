package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/robfig/cron/v3"

	"github.com/edvlasov/dispatchd/internal/dispatch"
	"github.com/edvlasov/dispatchd/internal/ledger"
	"github.com/edvlasov/dispatchd/internal/ratelimit"
	"github.com/edvlasov/dispatchd/internal/sender"
	"github.com/edvlasov/dispatchd/internal/store"
	"github.com/edvlasov/dispatchd/internal/track"
	"github.com/edvlasov/dispatchd/pkg/config"
	"github.com/edvlasov/dispatchd/pkg/db"
	"github.com/edvlasov/dispatchd/pkg/logx"
	"github.com/edvlasov/dispatchd/pkg/rmq"
	"github.com/edvlasov/dispatchd/services/dispatchd/server"
)

// directSink applies webhook receipts straight to the tracker. Used when no
// broker is configured.
type directSink struct{ tr *track.Tracker }

func (s *directSink) Submit(ctx context.Context, r track.Receipt) error {
	return s.tr.HandleReceipt(ctx, r)
}

// queueSink buffers webhook receipts through the broker so a burst of gateway
// callbacks never blocks the HTTP surface.
type queueSink struct{ pub *rmq.Publisher }

func (s *queueSink) Submit(ctx context.Context, r track.Receipt) error {
	body, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return s.pub.PublishJSON(ctx, body)
}

// receiptRetryMax bounds how many times a failing receipt is republished
// before it is dropped.
const receiptRetryMax = 3

func headerRetries(h amqp.Table) int {
	switch v := h["x-retries"].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

// requeueReceipt republishes the delivery to the tail of the queue with an
// incremented x-retries header, so a broken receipt cannot head-of-line block
// the consumer the way a plain Nack-requeue would.
func requeueReceipt(ctx context.Context, pub *rmq.Publisher, d amqp.Delivery, retries int) error {
	headers := amqp.Table{}
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers["x-retries"] = int32(retries + 1)
	return pub.PublishJSONWithHeaders(ctx, d.Body, headers)
}

func consumeReceipts(ctx context.Context, cons *rmq.Consumer, pub *rmq.Publisher, tr *track.Tracker) {
	deliveries, err := cons.Consume()
	if err != nil {
		logx.L().Fatalw("rmq_consume_error", "error", err)
	}
	log := logx.Named("receipts")
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			var r track.Receipt
			if err := json.Unmarshal(d.Body, &r); err != nil {
				log.Warnw("receipt_decode_error", "error", err)
				_ = d.Nack(false, false)
				continue
			}
			err := tr.HandleReceipt(ctx, r)
			switch {
			case err == nil, errors.Is(err, track.ErrUnknownReceipt):
				_ = d.Ack(false)
			default:
				retries := headerRetries(d.Headers)
				if retries >= receiptRetryMax {
					log.Errorw("receipt_dropped",
						"gateway_message_id", r.GatewayMessageID, "retries", retries, "error", err)
					_ = d.Ack(false)
					continue
				}
				if perr := requeueReceipt(ctx, pub, d, retries); perr != nil {
					log.Errorw("receipt_requeue_error",
						"gateway_message_id", r.GatewayMessageID, "error", perr)
					_ = d.Nack(false, true)
					continue
				}
				log.Warnw("receipt_requeued",
					"gateway_message_id", r.GatewayMessageID, "retries", retries+1, "error", err)
				_ = d.Ack(false)
			}
		}
	}
}

func main() {
	logx.Init()
	defer logx.Sync()

	config.MustLoad()
	cfg := config.C

	var st store.Store
	if cfg.DBDSN == "" {
		logx.L().Infow("store_selected", "kind", "memory")
		st = store.NewMemory()
	} else {
		sqlDB, err := db.Open(cfg.DBDSN)
		if err != nil {
			logx.L().Fatalw("db_open_error", "error", err)
		}
		defer func() {
			if err := sqlDB.Close(); err != nil {
				logx.L().Warnw("db_close_error", "error", err)
			}
		}()
		logx.L().Infow("store_selected", "kind", "postgres")
		st = store.NewPostgres(sqlDB)
	}

	var eventSink track.EventSink
	var receiptPub *rmq.Publisher
	var receiptCons *rmq.Consumer
	if cfg.RMQURL != "" {
		eventsPub, err := rmq.NewPublisher(cfg.RMQURL, cfg.EventsQueue)
		if err != nil {
			logx.L().Fatalw("rmq_events_init_error", "error", err)
		}
		defer func() {
			if err := eventsPub.Close(); err != nil {
				logx.L().Warnw("rmq_events_close_error", "error", err)
			}
		}()
		eventSink = eventsPub

		receiptPub, err = rmq.NewPublisher(cfg.RMQURL, cfg.ReceiptQueue)
		if err != nil {
			logx.L().Fatalw("rmq_receipts_init_error", "error", err)
		}
		defer func() {
			if err := receiptPub.Close(); err != nil {
				logx.L().Warnw("rmq_receipts_close_error", "error", err)
			}
		}()

		receiptCons, err = rmq.NewConsumer(cfg.RMQURL, cfg.ReceiptQueue)
		if err != nil {
			logx.L().Fatalw("rmq_consumer_init_error", "error", err)
		}
		defer func() {
			if err := receiptCons.Close(); err != nil {
				logx.L().Warnw("rmq_consumer_close_error", "error", err)
			}
		}()
	}

	events := track.NewPublisher(eventSink, logx.Named("events"))
	tracker := track.New(st, events, logx.Named("track"))
	credits := ledger.New(cfg.CreditBalance)
	limits := ratelimit.NewRegistry(cfg.RatePerMinute, cfg.BucketBurst)
	gateway := sender.NewSimulated(time.Now().UnixNano(), 0.02)

	engine := dispatch.New(st, tracker, credits, limits, gateway, logx.Named("dispatch"), dispatch.Config{
		Workers:          cfg.Workers,
		RetryMax:         cfg.RetryMax,
		SendTimeout:      cfg.SendTimeout,
		SegmentSize:      cfg.SegmentSize,
		CreditPerSegment: cfg.CreditPerSegment,
	})

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	if err := engine.Recover(rootCtx); err != nil {
		logx.L().Fatalw("recover_error", "error", err)
	}

	if receiptCons != nil {
		go consumeReceipts(rootCtx, receiptCons, receiptPub, tracker)
	}

	cr := cron.New()
	if cfg.ReceiptTimeout > 0 {
		if _, err := cr.AddFunc("@every "+cfg.SweepEvery.String(), func() {
			tracker.SweepStaleSent(rootCtx, time.Now().Add(-cfg.ReceiptTimeout))
		}); err != nil {
			logx.L().Fatalw("cron_sweep_error", "error", err)
		}
	}
	if _, err := cr.AddFunc("@every 10s", func() {
		engine.LaunchDue(rootCtx)
	}); err != nil {
		logx.L().Fatalw("cron_launch_error", "error", err)
	}
	cr.Start()

	var receipts server.ReceiptSink
	if receiptPub != nil {
		receipts = &queueSink{pub: receiptPub}
	} else {
		receipts = &directSink{tr: tracker}
	}

	h := server.NewHandlers(engine, tracker, st, receipts)
	srv := server.NewHTTPServer(":"+cfg.Port, h)

	go func() {
		logx.L().Infow("api_listen_start", "addr", ":"+cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logx.L().Fatalw("http_server_error", "error", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	sig := <-stop
	logx.L().Infow("signal_received", "signal", sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logx.L().Errorw("server_shutdown_error", "error", err)
	}

	<-cr.Stop().Done()
	rootCancel()
	engine.Shutdown()

	logx.L().Infow("dispatchd stopped gracefully")
}
