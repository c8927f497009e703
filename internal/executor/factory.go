package executor

import (
	"fmt"
	"log/slog"
)

// Sandbox provider names accepted by the factory.
const (
	ProviderLocal   = "local"
	ProviderRemote  = "remote"
	ProviderCluster = "cluster"
)

// Options selects and configures a backend. Exactly one backend config
// is consulted, keyed by Provider.
type Options struct {
	Provider string
	Local    LocalConfig
	Remote   RemoteConfig
	Cluster  ClusterConfig

	// MaxConcurrentRuns is the global submission cap enforced by the
	// gate wrapped around whichever backend is selected.
	MaxConcurrentRuns int64
}

// New builds the configured backend wrapped in a concurrency gate.
func New(opts Options) (*Gate, error) {
	var (
		inner Executor
		err   error
	)
	switch opts.Provider {
	case ProviderLocal, "":
		inner = NewLocal(opts.Local)
	case ProviderRemote:
		inner = NewRemote(opts.Remote)
	case ProviderCluster:
		inner, err = NewCluster(opts.Cluster)
		if err != nil {
			return nil, fmt.Errorf("cluster executor: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown sandbox provider %q", opts.Provider)
	}

	max := opts.MaxConcurrentRuns
	if max <= 0 {
		max = 4
	}
	slog.Info("executor configured", "provider", inner.Name(), "max_concurrent_runs", max)
	return NewGate(inner, max), nil
}
