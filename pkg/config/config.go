package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config carries everything dispatchd needs. DB_DSN and RMQ_URL are optional:
// an empty DSN selects the in-memory store, an empty broker URL disables the
// receipt queue and event fan-out (receipts are then applied straight from the
// webhook).
type Config struct {
	Port   string
	DBDSN  string
	RMQURL string

	ReceiptQueue string
	EventsQueue  string

	Workers       int
	RatePerMinute int
	BucketBurst   int
	RetryMax      int
	SendTimeout   time.Duration

	// ReceiptTimeout promotes entries stuck in "sent" to "failed".
	// Zero disables the sweep.
	ReceiptTimeout time.Duration
	SweepEvery     time.Duration

	SegmentSize      int
	CreditBalance    decimal.Decimal
	CreditPerSegment decimal.Decimal
}

var C Config

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Fatalf("env %s: invalid integer %q", k, v)
	}
	return n
}

func getdur(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Fatalf("env %s: invalid duration %q", k, v)
	}
	return d
}

func getdec(k, def string) decimal.Decimal {
	v := getenv(k, def)
	d, err := decimal.NewFromString(v)
	if err != nil {
		log.Fatalf("env %s: invalid decimal %q", k, v)
	}
	return d
}

func MustLoad() {
	// Local dev convenience; missing .env is fine.
	_ = godotenv.Load()

	C = Config{
		Port:   getenv("PORT", "8080"),
		DBDSN:  os.Getenv("DB_DSN"),
		RMQURL: os.Getenv("RMQ_URL"),

		ReceiptQueue: getenv("RECEIPT_QUEUE", "delivery_receipts"),
		EventsQueue:  getenv("EVENTS_QUEUE", "campaign_events"),

		Workers:       getint("WORKERS", 4),
		RatePerMinute: getint("RATE_PER_MINUTE", 600),
		BucketBurst:   getint("BUCKET_BURST", 10),
		RetryMax:      getint("RETRY_MAX", 3),
		SendTimeout:   getdur("SEND_TIMEOUT", 10*time.Second),

		ReceiptTimeout: getdur("RECEIPT_TIMEOUT", 15*time.Minute),
		SweepEvery:     getdur("SWEEP_EVERY", 30*time.Second),

		SegmentSize:      getint("SEGMENT_SIZE", 160),
		CreditBalance:    getdec("CREDIT_BALANCE", "10000"),
		CreditPerSegment: getdec("CREDIT_PER_SEGMENT", "1"),
	}

	if C.Workers < 1 {
		log.Fatal("WORKERS must be >= 1")
	}
	if C.RatePerMinute < 1 {
		log.Fatal("RATE_PER_MINUTE must be >= 1")
	}
}
