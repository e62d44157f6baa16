package sync

import (
	"context"
	gosync "sync"
	"time"

	"github.com/rohanthewiz/logger"
	"github.com/rohanthewiz/serr"

	"navigator/local"
	"navigator/models"
)

// maxBackoff caps the push retry delay; a device parked overnight in a
// dead zone shouldn't wait an hour once coverage returns.
const maxBackoff = 5 * time.Minute

// Status is a point-in-time view of the sync client for the status page.
type Status struct {
	Enabled      bool      `json:"enabled"`
	DeviceID     string    `json:"device_id"`
	Running      bool      `json:"running"`
	LastSyncAt   time.Time `json:"last_sync_at,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
	Pending      int       `json:"pending"`
	Anomalies    int64     `json:"anomalies"`
	Conflicts    int64     `json:"conflicts_seen"`
	BackoffUntil time.Time `json:"backoff_until,omitempty"`
	ListVersion  int64     `json:"list_version"`
	Checksum     string    `json:"checksum,omitempty"`
}

// Client drives the device sync cycle: drain pending operations, push them
// upstream, fold in the hub's verdicts, then reconcile state. One cycle is
// SyncOnce; Start runs cycles on an interval with exponential backoff after
// transport failures.
type Client struct {
	cfg        Config
	store      *local.Store
	tracker    *ChangeTracker
	transport  *Transport
	reconciler *Reconciler
	deviceID   string

	mu           gosync.Mutex
	running      bool
	paused       bool
	lastSyncAt   time.Time
	lastError    string
	conflicts    int64
	backoff      time.Duration
	backoffUntil time.Time
	cancel       context.CancelFunc
}

// NewClient assembles the sync client from its parts.
func NewClient(cfg Config, store *local.Store, tracker *ChangeTracker, transport *Transport, reconciler *Reconciler, deviceID string) *Client {
	return &Client{
		cfg:        cfg,
		store:      store,
		tracker:    tracker,
		transport:  transport,
		reconciler: reconciler,
		deviceID:   deviceID,
	}
}

// EnqueueLocal records a local mutation: assigns the next sequence, builds
// the operation, tracks the change for echo suppression, and queues it for
// push. This is the write path every local edit goes through.
func (c *Client) EnqueueLocal(entity models.EntityKind, action models.ActionKind, payload map[string]any) (models.Operation, error) {
	seq, err := c.store.NextSequence()
	if err != nil {
		return models.Operation{}, err
	}
	op := models.NewOperation(c.deviceID, seq, entity, action, payload)

	if err := c.store.Append(op); err != nil {
		return models.Operation{}, err
	}

	if key, ok := operationKey(entity, payload); ok {
		if terr := c.tracker.TrackChange(string(entity), key, payload); terr != nil {
			logger.LogErr(terr, "failed to track local change", "operation_id", op.ID)
		}
	}
	return op, nil
}

// Start launches the background loop. Stop cancels it.
func (c *Client) Start(ctx context.Context) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.running = true
	c.mu.Unlock()

	c.tracker.StartJanitor(ctx, c.cfg.TrackerTTL/4)

	go func() {
		ticker := time.NewTicker(c.cfg.Interval)
		defer ticker.Stop()
		logger.Info("sync client started", "interval", c.cfg.Interval.String(), "device_id", c.deviceID)
		for {
			select {
			case <-ctx.Done():
				c.mu.Lock()
				c.running = false
				c.mu.Unlock()
				logger.Info("sync client stopped")
				return
			case <-ticker.C:
				if err := c.SyncOnce(ctx); err != nil {
					logger.LogErr(err, "sync cycle failed")
				}
			}
		}
	}()
}

// Stop cancels the background loop.
func (c *Client) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
}

// SetEnabled pauses or resumes sync cycles at runtime. Pausing does not
// stop the loop; cycles become no-ops until re-enabled, and queued
// operations stay durably pending.
func (c *Client) SetEnabled(enabled bool) {
	c.mu.Lock()
	c.paused = !enabled
	c.mu.Unlock()
	logger.Info("sync toggled", "enabled", enabled)
}

// SyncOnce runs a single push+reconcile cycle. Honors the pause toggle and
// the backoff window set by a previous transport failure.
func (c *Client) SyncOnce(ctx context.Context) error {
	c.mu.Lock()
	if c.paused || time.Now().Before(c.backoffUntil) {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := c.pushPending(ctx); err != nil {
		c.recordFailure(err)
		return err
	}

	if _, err := c.reconciler.Reconcile(ctx); err != nil {
		c.recordFailure(err)
		return err
	}

	c.mu.Lock()
	c.lastSyncAt = time.Now()
	c.lastError = ""
	c.backoff = 0
	c.backoffUntil = time.Time{}
	c.mu.Unlock()
	return nil
}

// pushPending drains and submits queued operations, then processes the
// hub's per-operation verdicts.
func (c *Client) pushPending(ctx context.Context) error {
	ops, err := c.store.DrainBatch(c.cfg.BatchSize)
	if err != nil {
		return serr.Wrap(err, "failed to drain pending operations")
	}
	if len(ops) == 0 {
		return nil
	}

	wireOps := make([]models.WireOperation, 0, len(ops))
	for _, op := range ops {
		w, err := op.ToWire("")
		if err != nil {
			return serr.Wrap(err, "failed to encode operation", "operation_id", op.ID)
		}
		wireOps = append(wireOps, w)
	}

	result, err := c.transport.PushOperations(ctx, wireOps)
	if err != nil {
		// Transport failure: the batch stays queued and is retried as-is
		// after backoff. Nothing is acked, nothing is lost.
		return serr.Wrap(err, "push failed, batch retained")
	}
	if !result.OK {
		return serr.New("hub asked for retry")
	}

	c.applyVerdicts(ops, result)
	return nil
}

// applyVerdicts acks settled operations and removes terminally rejected
// ones. Conflicts are terminal: the hub already resolved them, so the op
// must never be resubmitted.
func (c *Client) applyVerdicts(ops []models.Operation, result models.ApplyOpsResult) {
	byID := map[string]models.Operation{}
	for _, op := range ops {
		byID[op.ID] = op
	}

	var ackThrough int64
	for _, res := range result.Results {
		op, known := byID[res.OperationID]
		if !known {
			continue
		}
		switch res.Status {
		case models.OpStatusApplied, models.OpStatusDuplicate, models.OpStatusConflict:
			if op.Sequence == ackThrough+1 || ackThrough == 0 {
				ackThrough = op.Sequence
			}
			if key, ok := operationKey(op.Entity, op.Payload); ok {
				c.tracker.MarkSynced(string(op.Entity), key)
			}
		case models.OpStatusOrphaned, models.OpStatusQuarantined, models.OpStatusRejected:
			// Terminal: resubmitting can never succeed. Remove and log.
			if err := c.store.RemoveOperation(op.Sequence); err != nil {
				logger.LogErr(err, "failed to remove settled operation", "operation_id", op.ID)
			}
			logger.Info("operation settled without apply",
				"operation_id", res.OperationID, "status", res.Status, "error", res.Error)
		case models.OpStatusGap:
			// Hub saw a hole in our stream; everything from here stays
			// queued for the retry.
		}
	}

	if ackThrough > 0 {
		if err := c.store.MarkAcknowledged(ackThrough); err != nil {
			logger.LogErr(err, "failed to ack operations", "through", ackThrough)
		}
	}

	if len(result.Conflicts) > 0 {
		c.mu.Lock()
		c.conflicts += int64(len(result.Conflicts))
		c.mu.Unlock()
		for _, conf := range result.Conflicts {
			logger.Info("conflict resolved upstream",
				"operation_id", conf.OperationID, "entity", conf.Entity,
				"kind", conf.Kind, "winner", conf.WinnerDeviceID, "orphaned", conf.Orphaned)
		}
	}
}

func (c *Client) recordFailure(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastError = err.Error()
	if c.backoff == 0 {
		c.backoff = c.cfg.Interval
	} else {
		c.backoff *= 2
	}
	if c.backoff > maxBackoff {
		c.backoff = maxBackoff
	}
	c.backoffUntil = time.Now().Add(c.backoff)
	logger.Info("sync backing off", "delay", c.backoff.String())
}

// Status snapshots the client state for the status endpoint and dashboard.
func (c *Client) Status() Status {
	c.mu.Lock()
	st := Status{
		Enabled:      c.cfg.Enabled && !c.paused,
		DeviceID:     c.deviceID,
		Running:      c.running,
		LastSyncAt:   c.lastSyncAt,
		LastError:    c.lastError,
		Conflicts:    c.conflicts,
		BackoffUntil: c.backoffUntil,
	}
	c.mu.Unlock()

	if pending, err := c.store.PendingCount(); err == nil {
		st.Pending = pending
	}
	if anomalies, err := c.store.AnomalyCount(); err == nil {
		st.Anomalies = anomalies
	}
	if lv, err := c.store.ListVersion(); err == nil {
		st.ListVersion = lv
	}
	st.Checksum = c.reconciler.LastChecksum()
	return st
}

// operationKey mirrors the hub's logical-key rule for tracker entries.
func operationKey(entity models.EntityKind, payload map[string]any) (string, bool) {
	if entity == models.EntityAddress || entity == models.EntityCompletion {
		lv, lvOK := models.PayloadInt64(payload, "listVersion")
		idx, idxOK := models.PayloadInt64(payload, "index")
		if lvOK && idxOK {
			return models.ScopeKey(lv, idx), true
		}
		return "", false
	}
	guid, ok := models.PayloadString(payload, "guid")
	return guid, ok && guid != ""
}
