// Package runtime bundles the values every broker component needs —
// identity, configuration, structured logger, metrics — into one struct
// built once in cmd/agentpay and passed explicitly to constructors, per the
// module-level rule against hidden global state.
package runtime

import (
	"log/slog"

	"github.com/agentpay/broker/config"
	"github.com/agentpay/broker/identity"
	"github.com/agentpay/broker/metrics"
)

// Runtime is the set of process-wide dependencies threaded through the
// broker explicitly. Nothing in this module reaches for a package-level
// singleton instead of a field on Runtime.
type Runtime struct {
	Identity *identity.Identity
	Config   *config.Config
	Log      *slog.Logger
	Metrics  *metrics.Metrics
}

// New assembles a Runtime from its parts. namespace scopes the Prometheus
// metric names (e.g. "agentpay_worker", "agentpay_client").
func New(id *identity.Identity, cfg *config.Config, log *slog.Logger, namespace string) *Runtime {
	return &Runtime{
		Identity: id,
		Config:   cfg,
		Log:      log,
		Metrics:  metrics.New(namespace),
	}
}
