package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	DBSource    string
	StoreDriver string
	Port        string
	Env         string

	RoutingNumber   int
	JWTSecret       string
	InterbankAPIKey string
	PartnerAPIKey   string

	NATSURL       string
	BrokerStream  string
	BrokerWorkers int
	Destinations  Destinations

	RedisURL   string
	ReplayWait time.Duration

	SagaTimeout   time.Duration
	SweepInterval time.Duration

	OutboundMaxRetries int
	OutboundRetryDelay time.Duration
}

// Destinations are the broker subjects the bank listens and publishes on.
type Destinations struct {
	AccountCreate     string
	OTCInit           string
	OTCAckIn          string
	OTCAckOut         string
	OTCPremium        string
	InterbankOutbound string
}

func (c *Config) IsProduction() bool { return c.Env == "production" }

func Load() (*Config, error) {
	cfg := &Config{
		DBSource:        os.Getenv("DB_SOURCE"),
		StoreDriver:     getEnv("STORE_DRIVER", "postgres"),
		Port:            getEnv("SERVER_PORT", "8080"),
		Env:             getEnv("ENVIRONMENT", "development"),
		JWTSecret:       os.Getenv("JWT_SECRET"),
		InterbankAPIKey: os.Getenv("INTERBANK_API_KEY"),
		PartnerAPIKey:   os.Getenv("PARTNER_API_KEY"),
		NATSURL:         os.Getenv("NATS_URL"),
		BrokerStream:    getEnv("BROKER_STREAM", "BANKING"),
		RedisURL:        os.Getenv("REDIS_URL"),
		Destinations: Destinations{
			AccountCreate:     getEnv("DEST_ACCOUNT_CREATE", "bank.account.create"),
			OTCInit:           getEnv("DEST_OTC_INIT", "bank.otc.init"),
			OTCAckIn:          getEnv("DEST_OTC_ACK_IN", "bank.otc.ack"),
			OTCAckOut:         getEnv("DEST_OTC_ACK_OUT", "trading.otc.ack"),
			OTCPremium:        getEnv("DEST_OTC_PREMIUM", "bank.otc.premium"),
			InterbankOutbound: getEnv("DEST_INTERBANK_OUTBOUND", "bank.interbank.outbound"),
		},
	}

	var err error
	if cfg.RoutingNumber, err = getInt("ROUTING_NUMBER", 111); err != nil {
		return nil, err
	}
	if cfg.BrokerWorkers, err = getInt("BROKER_WORKERS", 10); err != nil {
		return nil, err
	}
	if cfg.OutboundMaxRetries, err = getInt("OUTBOUND_MAX_RETRIES", 5); err != nil {
		return nil, err
	}
	if cfg.ReplayWait, err = getDuration("REPLAY_WAIT", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.SagaTimeout, err = getDuration("SAGA_TIMEOUT", 2*time.Minute); err != nil {
		return nil, err
	}
	if cfg.SweepInterval, err = getDuration("SWEEP_INTERVAL", 15*time.Second); err != nil {
		return nil, err
	}
	if cfg.OutboundRetryDelay, err = getDuration("OUTBOUND_RETRY_DELAY", 20*time.Second); err != nil {
		return nil, err
	}

	switch cfg.StoreDriver {
	case "postgres":
		if cfg.DBSource == "" {
			return nil, fmt.Errorf("DB_SOURCE environment variable is required")
		}
	case "memory":
	default:
		return nil, fmt.Errorf("STORE_DRIVER must be postgres or memory, got %q", cfg.StoreDriver)
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET environment variable is required")
	}
	if cfg.RoutingNumber < 1 || cfg.RoutingNumber > 999 {
		return nil, fmt.Errorf("ROUTING_NUMBER must be between 1 and 999, got %d", cfg.RoutingNumber)
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return n, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration: %w", key, err)
	}
	return d, nil
}
