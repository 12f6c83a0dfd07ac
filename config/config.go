// Package config loads the environment-derived configuration a broker
// process needs into a single explicit value, rather than reading os.Getenv
// scattered across the codebase. Grounded on cmd/common/common.go's
// per-concern loader-function style.
package config

import (
	"fmt"
	"os"
	"time"
)

// PaymentMethod selects which payment path the orchestrator drives by
// default (spec.md §9 Open Questions: the source leaves this implicit via an
// env var; we keep the env var as the CLI-layer default but the
// orchestrator itself takes the path as an explicit argument).
type PaymentMethod string

const (
	PaymentMethodChannel    PaymentMethod = "channel"
	PaymentMethodAppSession PaymentMethod = "app_session"
)

// Config is the process-wide, environment-derived configuration described in
// spec.md §6 Environment. It is constructed once and threaded through via
// runtime.Runtime; nothing reads os.Getenv outside of Load.
type Config struct {
	ClientPrivateKey string
	ENSName          string
	Endpoint         string
	DemoFeedURL      string
	PaymentMethod    PaymentMethod
	StatusFile       string
	RPCURL           string
	WorkerPrivateKey string
	WorkerAddress    string

	// PollInterval governs the autonomous loop's feed poll cadence. Not an
	// env var in spec.md; defaulted here and overridable programmatically.
	PollInterval time.Duration
}

// Load reads the environment variables spec.md §6 lists. Missing optional
// variables are left as zero values, except that an empty
// AGENTPAY_PAYMENT_METHOD becomes app_session ("yellow" is an alias for it)
// and PollInterval is 60s.
func Load() (*Config, error) {
	cfg := &Config{
		ClientPrivateKey: os.Getenv("CLIENT_PRIVATE_KEY"),
		ENSName:          os.Getenv("AGENTPAY_ENS_NAME"),
		Endpoint:         os.Getenv("AGENTPAY_ENDPOINT"),
		DemoFeedURL:      os.Getenv("AGENTPAY_DEMO_FEED_URL"),
		PaymentMethod:    PaymentMethod(os.Getenv("AGENTPAY_PAYMENT_METHOD")),
		StatusFile:       os.Getenv("AGENTPAY_STATUS_FILE"),
		RPCURL:           os.Getenv("RPC_URL"),
		WorkerPrivateKey: os.Getenv("WORKER_PRIVATE_KEY"),
		WorkerAddress:    os.Getenv("WORKER_ADDRESS"),
		PollInterval:     60 * time.Second,
	}

	switch cfg.PaymentMethod {
	case "", PaymentMethodChannel, PaymentMethodAppSession, "yellow":
		if cfg.PaymentMethod == "yellow" {
			cfg.PaymentMethod = PaymentMethodAppSession
		}
	default:
		return nil, fmt.Errorf("config: invalid AGENTPAY_PAYMENT_METHOD %q", cfg.PaymentMethod)
	}
	if cfg.PaymentMethod == "" {
		cfg.PaymentMethod = PaymentMethodAppSession
	}

	return cfg, nil
}
