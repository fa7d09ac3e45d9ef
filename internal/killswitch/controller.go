package killswitch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/steveyegge/killswitch/internal/agent"
	"github.com/steveyegge/killswitch/internal/audit"
	"github.com/steveyegge/killswitch/internal/backuptrigger"
	"github.com/steveyegge/killswitch/internal/eventbus"
	"github.com/steveyegge/killswitch/internal/statestore"
	"github.com/steveyegge/killswitch/internal/util"
)

const (
	// DefaultAckTimeout bounds how long TriggerAndWait collects acknowledgments.
	DefaultAckTimeout = 5 * time.Second

	// DefaultRecoveryTestTimeout bounds a full TestRecovery run.
	DefaultRecoveryTestTimeout = 5 * time.Second

	// DefaultKillConfirmTimeout is how long verification waits for a
	// force-killed agent to disappear.
	DefaultKillConfirmTimeout = time.Second
)

// DefaultPublishPolicy retries a failed trigger publish twice before falling
// back to the backup trigger file.
func DefaultPublishPolicy() util.RetryPolicy {
	return util.RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    time.Second,
		Multiplier:  2,
		IsRetryable: func(err error) bool {
			return !errors.Is(err, eventbus.ErrClosed)
		},
	}
}

// Auditor receives a record of every transition.
type Auditor interface {
	Record(ctx context.Context, e audit.Entry) error
}

// Options configures a Controller.
type Options struct {
	// Store holds the state document. Build it with OpenStore.
	Store *statestore.Store

	// Bus carries triggers to agents. Nil means every trigger goes to the
	// backup trigger file.
	Bus eventbus.Bus

	// Runtime checks and stops agents. Nil uses a ProcessRuntime resolving
	// PIDs from the fleet registry.
	Runtime agent.ObserverStopper

	// BackupTriggerPath defaults to backup_trigger.json next to the state document.
	BackupTriggerPath string

	AckTimeout          time.Duration
	RecoveryTestTimeout time.Duration
	KillConfirmTimeout  time.Duration

	// GracePeriod is passed to the default ProcessRuntime.
	GracePeriod time.Duration

	// PublishPolicy defaults to DefaultPublishPolicy().
	PublishPolicy util.RetryPolicy

	// WatchInterval is how often the document is polled for acknowledgments
	// written by other processes.
	WatchInterval time.Duration

	// Audit, if set, receives a ledger entry for every transition.
	Audit Auditor

	Logger *slog.Logger

	// Now defaults to time.Now.
	Now func() time.Time
}

// Controller is the kill switch state machine. The persisted document is the
// source of truth; a Controller holds no state of its own beyond
// configuration, so several short-lived Controllers (one per CLI invocation)
// and one long-running server cooperate through the store's lock.
type Controller struct {
	store         *statestore.Store
	bus           eventbus.Bus
	runtime       agent.ObserverStopper
	backupPath    string
	ackTimeout    time.Duration
	testTimeout   time.Duration
	killConfirm   time.Duration
	publishPolicy util.RetryPolicy
	watchInterval time.Duration
	auditor       Auditor
	log           *slog.Logger
	now           func() time.Time

	// mu serializes state transitions: Trigger, TriggerAndWait,
	// VerifyCompliance and Recover. Status and RegisterAcknowledgment do not
	// take it.
	mu sync.Mutex

	ackMu      sync.Mutex
	ackWaiters map[chan struct{}]struct{}
}

// New creates a Controller. The state document is not touched; call
// Initialize (or use Open) before the first operation.
func New(opts Options) (*Controller, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("killswitch: store is required")
	}
	c := &Controller{
		store:         opts.Store,
		bus:           opts.Bus,
		runtime:       opts.Runtime,
		backupPath:    opts.BackupTriggerPath,
		ackTimeout:    opts.AckTimeout,
		testTimeout:   opts.RecoveryTestTimeout,
		killConfirm:   opts.KillConfirmTimeout,
		publishPolicy: opts.PublishPolicy,
		watchInterval: opts.WatchInterval,
		auditor:       opts.Audit,
		log:           opts.Logger,
		now:           opts.Now,
		ackWaiters:    make(map[chan struct{}]struct{}),
	}
	if c.backupPath == "" {
		c.backupPath = backuptrigger.DefaultPath(opts.Store.Dir())
	}
	if c.ackTimeout <= 0 {
		c.ackTimeout = DefaultAckTimeout
	}
	if c.testTimeout <= 0 {
		c.testTimeout = DefaultRecoveryTestTimeout
	}
	if c.killConfirm <= 0 {
		c.killConfirm = DefaultKillConfirmTimeout
	}
	if c.publishPolicy.MaxAttempts <= 0 {
		c.publishPolicy = DefaultPublishPolicy()
	}
	if c.watchInterval <= 0 {
		c.watchInterval = statestore.DefaultWatchInterval
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	c.log = c.log.With("component", "killswitch")
	if c.now == nil {
		c.now = time.Now
	}
	if c.runtime == nil {
		c.runtime = agent.NewProcessRuntime(c.lookupPID, opts.GracePeriod)
	}
	return c, nil
}

// Open creates a Controller and initializes the state document if it does
// not exist yet.
func Open(ctx context.Context, opts Options) (*Controller, error) {
	c, err := New(opts)
	if err != nil {
		return nil, err
	}
	if err := c.Initialize(ctx); err != nil && !errors.Is(err, statestore.ErrAlreadyExists) {
		return nil, err
	}
	return c, nil
}

// Initialize creates an OPERATIONAL state document. It returns an error
// matching statestore.ErrAlreadyExists when one is present.
func (c *Controller) Initialize(ctx context.Context) error {
	content, err := encodeDocument(newDocument(c.now()))
	if err != nil {
		return err
	}
	doc, err := c.store.Initialize(ctx, content)
	if err != nil {
		return err
	}
	c.log.Info("initialized kill switch state", "path", c.store.Path(), "checksum", doc.Checksum)
	return nil
}

// BackupTriggerPath returns the fallback marker path.
func (c *Controller) BackupTriggerPath() string { return c.backupPath }

// load reads and decodes the committed document.
func (c *Controller) load() (*document, *statestore.Document, error) {
	raw, err := c.store.Read()
	if err != nil {
		if errors.Is(err, statestore.ErrNotFound) {
			return nil, nil, ErrNotInitialized
		}
		return nil, nil, err
	}
	d, err := decodeDocument(raw.Content)
	if err != nil {
		return nil, nil, err
	}
	return d, raw, nil
}

// mutate applies fn to the document under the store lock and returns the
// committed version. An error from fn aborts the write.
func (c *Controller) mutate(ctx context.Context, fn func(d *document) error) (*document, error) {
	var out *document
	_, err := c.store.Update(ctx, func(current []byte) ([]byte, error) {
		if current == nil {
			return nil, ErrNotInitialized
		}
		d, err := decodeDocument(current)
		if err != nil {
			return nil, err
		}
		if err := fn(d); err != nil {
			return nil, err
		}
		d.UpdatedAt = c.now().UTC()
		out = d
		return encodeDocument(d)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// lookupPID resolves an agent's PID from the fleet registry.
func (c *Controller) lookupPID(id string) (int, bool) {
	d, _, err := c.load()
	if err != nil {
		return 0, false
	}
	rec, ok := d.Agents[id]
	return rec.PID, ok && rec.PID > 0
}

func (c *Controller) audit(ctx context.Context, e audit.Entry) {
	if c.auditor == nil {
		return
	}
	if e.RecordedAt.IsZero() {
		e.RecordedAt = c.now()
	}
	if err := c.auditor.Record(ctx, e); err != nil {
		c.log.Warn("audit record failed", "kind", e.Kind, "error", err)
	}
}

// subscribeAcks registers a channel notified after every in-process
// acknowledgment.
func (c *Controller) subscribeAcks() chan struct{} {
	ch := make(chan struct{}, 1)
	c.ackMu.Lock()
	c.ackWaiters[ch] = struct{}{}
	c.ackMu.Unlock()
	return ch
}

func (c *Controller) unsubscribeAcks(ch chan struct{}) {
	c.ackMu.Lock()
	delete(c.ackWaiters, ch)
	c.ackMu.Unlock()
}

func (c *Controller) notifyAck() {
	c.ackMu.Lock()
	defer c.ackMu.Unlock()
	for ch := range c.ackWaiters {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
