package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/steveyegge/killswitch/internal/audit"
	"github.com/steveyegge/killswitch/internal/eventbus"
	"github.com/steveyegge/killswitch/internal/killswitch"
	"github.com/steveyegge/killswitch/internal/statestore"
	"github.com/steveyegge/killswitch/internal/telemetry"
)

// env is the wired controller for one command invocation.
type env struct {
	ctrl   *killswitch.Controller
	store  *statestore.Store
	bus    eventbus.Bus
	ledger *audit.Ledger
	tel    *telemetry.Provider
	log    *slog.Logger
}

// envOptions selects what a command needs beyond the state store.
type envOptions struct {
	// bus connects to NATS when a URL is configured. A failed connection is
	// logged and the command continues without a bus.
	bus bool

	// initialize creates the state document when it is missing.
	initialize bool

	// ackTimeout overrides the configured acknowledgment window.
	ackTimeout time.Duration
}

func (a *app) open(ctx context.Context, opts envOptions) (*env, error) {
	cfg := a.cfg
	e := &env{log: a.log}

	tel, err := telemetry.Init(ctx, telemetry.Options{
		ServiceName:    "killswitch",
		ServiceVersion: Version,
		MetricsURL:     cfg.Telemetry.MetricsURL,
		LogsURL:        cfg.Telemetry.LogsURL,
	})
	if err != nil {
		a.log.Warn("telemetry disabled", "error", err)
	}
	e.tel = tel

	store, err := killswitch.OpenStore(statestore.Options{
		Path:       cfg.StatePath(),
		MaxBackups: cfg.MaxBackups,
		LockPolicy: cfg.LockPolicy(),
		Owner:      fmt.Sprintf("killswitch/%d", os.Getpid()),
		Logger:     a.log,
	})
	if err != nil {
		e.close()
		return nil, err
	}
	e.store = store

	if p := cfg.AuditPath(); p != "" {
		if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
			e.close()
			return nil, fmt.Errorf("creating state directory: %w", err)
		}
		ledger, err := audit.Open(p)
		if err != nil {
			e.close()
			return nil, err
		}
		e.ledger = ledger
	}

	if opts.bus && cfg.NATS.URL != "" {
		nb, err := eventbus.ConnectNATS(eventbus.NATSConfig{
			URL:   cfg.NATS.URL,
			Token: cfg.NATS.Token,
			Name:  cfg.NATS.Name,
		})
		if err != nil {
			a.log.Warn("event bus unavailable, continuing without it", "url", cfg.NATS.URL, "error", err)
		} else {
			e.bus = nb
		}
	}

	ko := killswitch.Options{
		Store:               store,
		Bus:                 e.bus,
		BackupTriggerPath:   cfg.BackupPath(),
		AckTimeout:          cfg.AckTimeout.Duration,
		RecoveryTestTimeout: cfg.RecoveryTestTimeout.Duration,
		GracePeriod:         cfg.GracePeriod.Duration,
		PublishPolicy:       cfg.PublishPolicy(killswitch.DefaultPublishPolicy()),
		Logger:              a.log,
	}
	if opts.ackTimeout > 0 {
		ko.AckTimeout = opts.ackTimeout
	}
	// A nil *audit.Ledger must not become a non-nil Auditor.
	if e.ledger != nil {
		ko.Audit = e.ledger
	}

	if opts.initialize {
		e.ctrl, err = killswitch.Open(ctx, ko)
	} else {
		e.ctrl, err = killswitch.New(ko)
	}
	if err != nil {
		e.close()
		return nil, err
	}
	return e, nil
}

func (e *env) close() {
	if e.bus != nil {
		_ = e.bus.Close()
	}
	if e.ledger != nil {
		_ = e.ledger.Close()
	}
	if e.tel != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.tel.Shutdown(ctx); err != nil {
			e.log.Warn("telemetry shutdown", "error", err)
		}
	}
}

// record writes an audit entry for operations the controller does not audit itself.
func (e *env) record(ctx context.Context, entry audit.Entry) {
	if e.ledger == nil {
		return
	}
	if err := e.ledger.Record(ctx, entry); err != nil && !errors.Is(err, context.Canceled) {
		e.log.Warn("audit record failed", "kind", entry.Kind, "error", err)
	}
}
