// Package coordinator drives transactions through the two-phase commit
// protocol: it fans out Initialize/Prepare/Commit/Abort calls to a fixed,
// ordered list of participants, logs every state transition before acting
// on it, and recovers in-flight transactions after a crash.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/mnohosten/twopc/pkg/kvstore"
	"github.com/mnohosten/twopc/pkg/metrics"
	"github.com/mnohosten/twopc/pkg/rpcclient"
	"github.com/mnohosten/twopc/pkg/security"
	"github.com/mnohosten/twopc/pkg/txn"
	"github.com/mnohosten/twopc/pkg/wal"
)

// DefaultDeadline is the per-RPC deadline used when Config.Deadline is zero.
const DefaultDeadline = 10 * time.Second

// Config configures a Coordinator.
type Config struct {
	Participants []txn.ParticipantConfig
	WALPath      string
	StorePath    string
	Deadline     time.Duration
	// Secret, if non-empty, signs every outbound RPC and is required on
	// every inbound one.
	Secret string
}

// Coordinator is the process-scoped driver for every transaction it has
// ever seen. Its lifetime is the process's lifetime; it holds no ambient
// global state — callers reach it only through this value.
type Coordinator struct {
	mu           sync.Mutex
	participants []txn.ParticipantConfig
	clients      []*rpcclient.Client
	wal          *wal.WAL
	store        *kvstore.Store
	deadline     time.Duration
	records      map[txn.ID]*txn.CoordinatorRecord

	events *EventHub
	signer *security.Signer
}

// Open constructs a Coordinator, opening its WAL and KV store, replaying any
// WAL left from a previous run, and then driving recovery over every
// non-terminal record found in the store.
func Open(cfg Config) (*Coordinator, error) {
	if len(cfg.Participants) == 0 {
		return nil, fmt.Errorf("coordinator requires at least one participant")
	}
	deadline := cfg.Deadline
	if deadline <= 0 {
		deadline = DefaultDeadline
	}

	w, err := wal.Open(cfg.WALPath)
	if err != nil {
		return nil, fmt.Errorf("open coordinator WAL: %w", err)
	}
	store, err := kvstore.Open(cfg.StorePath)
	if err != nil {
		w.Close()
		return nil, fmt.Errorf("open coordinator store: %w", err)
	}

	signer := security.New(cfg.Secret)
	clients := make([]*rpcclient.Client, len(cfg.Participants))
	for i, p := range cfg.Participants {
		clients[i] = rpcclient.New(p.URL, signer)
	}

	c := &Coordinator{
		participants: cfg.Participants,
		clients:      clients,
		wal:          w,
		store:        store,
		deadline:     deadline,
		records:      make(map[txn.ID]*txn.CoordinatorRecord),
		events:       NewEventHub(),
		signer:       signer,
	}

	if err := c.replayWAL(); err != nil {
		return nil, fmt.Errorf("replay coordinator WAL: %w", err)
	}
	if err := c.loadStore(); err != nil {
		return nil, fmt.Errorf("load coordinator store: %w", err)
	}
	c.recover()

	return c, nil
}

// replayWAL applies every WAL record to the KV store without re-logging,
// then truncates the WAL.
func (c *Coordinator) replayWAL() error {
	records, err := c.wal.Replay()
	if err != nil {
		return err
	}
	for _, r := range records {
		if err := c.store.Put(kvstore.Row{TxID: r.TxID, State: r.State, CommittedTo: r.CommittedTo}); err != nil {
			return err
		}
	}
	if len(records) == 0 {
		return nil
	}
	return c.wal.Remove()
}

// loadStore populates the in-memory table from the KV store on startup.
func (c *Coordinator) loadStore() error {
	for _, state := range []txn.CoordinatorState{
		txn.CoordinatorInitialized, txn.CoordinatorStarted, txn.CoordinatorCommitting,
		txn.CoordinatorCommitted, txn.CoordinatorAborting, txn.CoordinatorAborted,
	} {
		rows, err := c.store.ListByState(string(state))
		if err != nil {
			return err
		}
		for _, row := range rows {
			rec := &txn.CoordinatorRecord{TxID: txn.ID(row.TxID), State: state, CommittedTo: toSet(row.CommittedTo)}
			c.records[rec.TxID] = rec
			metrics.RecoveredTransactionsTotal.WithLabelValues(string(state)).Inc()
		}
	}
	return nil
}

// recover resolves every non-terminal transaction found at startup:
// COMMITTING transactions re-run Commit (which skips already-acknowledged
// participants), ABORTING re-sends Abort to everyone, and
// INITIALIZED/STARTED are aborted outright.
func (c *Coordinator) recover() {
	c.mu.Lock()
	var toCommit, toAbort []txn.ID
	for id, rec := range c.records {
		switch rec.State {
		case txn.CoordinatorCommitting:
			toCommit = append(toCommit, id)
		case txn.CoordinatorAborting, txn.CoordinatorInitialized, txn.CoordinatorStarted:
			toAbort = append(toAbort, id)
		}
	}
	c.mu.Unlock()

	for _, id := range toCommit {
		log.WithField("tx_id", id).Info("recovering in-flight commit")
		c.Commit(context.Background(), id)
	}
	for _, id := range toAbort {
		log.WithField("tx_id", id).Info("recovering in-flight transaction by aborting")
		c.abortRecovered(id)
	}
}

// abortRecovered aborts a transaction found INITIALIZED/STARTED/ABORTING at
// startup — it may already be ABORTING from a prior attempt.
func (c *Coordinator) abortRecovered(id txn.ID) {
	c.mu.Lock()
	rec, ok := c.records[id]
	if !ok {
		c.mu.Unlock()
		return
	}
	if rec.State != txn.CoordinatorAborting {
		if err := c.transition(rec, txn.CoordinatorAborting, nil); err != nil {
			c.mu.Unlock()
			log.WithError(err).WithField("tx_id", id).Error("failed to log ABORTING during recovery")
			return
		}
	}
	c.mu.Unlock()
	c.Abort(context.Background(), id)
}

// transition logs then applies a state change. Must be called with mu held.
func (c *Coordinator) transition(rec *txn.CoordinatorRecord, state txn.CoordinatorState, committedTo []int) error {
	r := wal.Record{TxID: string(rec.TxID), State: string(state)}
	if committedTo != nil {
		r.CommittedTo = committedTo
	}
	if err := c.wal.Append(r); err != nil {
		return fmt.Errorf("append WAL record for %s: %w", rec.TxID, err)
	}
	rec.State = state
	row := kvstore.Row{TxID: string(rec.TxID), State: string(state)}
	if committedTo != nil {
		row.CommittedTo = committedTo
	} else {
		row.CommittedTo = rec.CommittedIndices()
	}
	if err := c.store.Put(row); err != nil {
		return fmt.Errorf("persist state for %s: %w", rec.TxID, err)
	}
	return nil
}

func toSet(indices []int) map[int]bool {
	set := make(map[int]bool, len(indices))
	for _, i := range indices {
		set[i] = true
	}
	return set
}

// Run drives tx through INITIALIZE → STARTED → (COMMITTING|ABORTING) →
// terminal.
func (c *Coordinator) Run(ctx context.Context, id txn.ID) error {
	c.mu.Lock()
	if _, exists := c.records[id]; exists {
		c.mu.Unlock()
		return fmt.Errorf("transaction %s already exists", id)
	}
	rec := &txn.CoordinatorRecord{TxID: id, State: txn.CoordinatorInitialized, CommittedTo: make(map[int]bool)}
	if err := c.logNew(rec); err != nil {
		c.mu.Unlock()
		return err
	}
	c.records[id] = rec
	c.mu.Unlock()
	c.events.Publish(Event{TxID: id, State: string(txn.CoordinatorInitialized)})

	for i, client := range c.clients {
		if err := c.callInitialize(ctx, client, id); err != nil {
			log.WithError(err).WithFields(log.Fields{"tx_id": id, "participant": i}).
				Warn("Initialize failed; aborting transaction")
			c.Abort(ctx, id)
			return err
		}
	}

	c.mu.Lock()
	if err := c.transition(rec, txn.CoordinatorStarted, nil); err != nil {
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()
	c.events.Publish(Event{TxID: id, State: string(txn.CoordinatorStarted)})

	for i, client := range c.clients {
		vote, err := c.callPrepare(ctx, client, id)
		if err != nil {
			log.WithError(err).WithFields(log.Fields{"tx_id": id, "participant": i}).
				Warn("Prepare failed; aborting transaction")
			c.Abort(ctx, id)
			return err
		}
		if !vote {
			log.WithFields(log.Fields{"tx_id": id, "participant": i}).Info("participant voted NO; aborting transaction")
			c.Abort(ctx, id)
			return txn.ErrVoteNo
		}
	}

	return c.Commit(ctx, id)
}

func (c *Coordinator) logNew(rec *txn.CoordinatorRecord) error {
	if err := c.wal.Append(wal.Record{TxID: string(rec.TxID), State: string(rec.State)}); err != nil {
		return fmt.Errorf("append WAL record for %s: %w", rec.TxID, err)
	}
	if err := c.store.Put(kvstore.Row{TxID: string(rec.TxID), State: string(rec.State)}); err != nil {
		return fmt.Errorf("persist state for %s: %w", rec.TxID, err)
	}
	return nil
}

func (c *Coordinator) callInitialize(ctx context.Context, client *rpcclient.Client, id txn.ID) error {
	start := time.Now()
	err := client.Call(ctx, c.deadline, "POST", "/tx/"+string(id)+"/initialize", nil)
	metrics.RPCDuration.WithLabelValues("initialize").Observe(time.Since(start).Seconds())
	metrics.ParticipantRPCTotal.WithLabelValues("initialize", rpcOutcome(err)).Inc()
	return err
}

func (c *Coordinator) callPrepare(ctx context.Context, client *rpcclient.Client, id txn.ID) (bool, error) {
	start := time.Now()
	var resp struct {
		Vote bool `json:"vote"`
	}
	err := client.Call(ctx, c.deadline, "POST", "/tx/"+string(id)+"/prepare", &resp)
	metrics.RPCDuration.WithLabelValues("prepare").Observe(time.Since(start).Seconds())
	metrics.ParticipantRPCTotal.WithLabelValues("prepare", rpcOutcome(err)).Inc()
	if err != nil {
		return false, err
	}
	return resp.Vote, nil
}

func rpcOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case rpcclient.IsDeadlineExceeded(err):
		return "deadline_exceeded"
	case rpcclient.IsTransportError(err):
		return "transport_error"
	default:
		return "error"
	}
}

// Commit logs COMMITTING, then calls Commit on every participant not
// already in committed_to, logging the updated set after each success, and
// finally logs COMMITTED once every index is acknowledged. Safe to call
// repeatedly (recovery does exactly that).
func (c *Coordinator) Commit(ctx context.Context, id txn.ID) error {
	c.mu.Lock()
	rec, ok := c.records[id]
	if !ok {
		c.mu.Unlock()
		return txn.ErrUnknownTransaction
	}
	if rec.State == txn.CoordinatorCommitted {
		c.mu.Unlock()
		return nil
	}
	if rec.State == txn.CoordinatorAborted {
		c.mu.Unlock()
		return txn.ErrAlreadyDecided
	}
	if rec.State != txn.CoordinatorCommitting {
		if err := c.transition(rec, txn.CoordinatorCommitting, rec.CommittedIndices()); err != nil {
			c.mu.Unlock()
			return err
		}
	}
	c.mu.Unlock()
	c.events.Publish(Event{TxID: id, State: string(txn.CoordinatorCommitting)})

	for i, client := range c.clients {
		c.mu.Lock()
		already := rec.CommittedTo[i]
		c.mu.Unlock()
		if already {
			continue
		}

		start := time.Now()
		err := client.Call(ctx, c.deadline, "POST", "/tx/"+string(id)+"/commit", nil)
		metrics.RPCDuration.WithLabelValues("commit").Observe(time.Since(start).Seconds())
		metrics.ParticipantRPCTotal.WithLabelValues("commit", rpcOutcome(err)).Inc()
		if err != nil {
			log.WithError(err).WithFields(log.Fields{"tx_id": id, "participant": i}).
				Warn("Commit RPC failed; will retry on recovery")
			continue
		}

		c.mu.Lock()
		rec.CommittedTo[i] = true
		committedErr := c.transition(rec, txn.CoordinatorCommitting, rec.CommittedIndices())
		c.mu.Unlock()
		if committedErr != nil {
			return committedErr
		}
	}

	c.mu.Lock()
	done := len(rec.CommittedTo) == len(c.clients)
	if done {
		err := c.transition(rec, txn.CoordinatorCommitted, rec.CommittedIndices())
		c.mu.Unlock()
		if err != nil {
			return err
		}
		metrics.TransactionsTotal.WithLabelValues("committed").Inc()
		c.events.Publish(Event{TxID: id, State: string(txn.CoordinatorCommitted)})
		return nil
	}
	c.mu.Unlock()
	return nil
}

// Abort logs ABORTING, best-effort notifies every participant, then logs
// ABORTED.
func (c *Coordinator) Abort(ctx context.Context, id txn.ID) error {
	c.mu.Lock()
	rec, ok := c.records[id]
	if !ok {
		c.mu.Unlock()
		return txn.ErrUnknownTransaction
	}
	if rec.State == txn.CoordinatorAborted {
		c.mu.Unlock()
		return nil
	}
	if rec.State == txn.CoordinatorCommitted {
		c.mu.Unlock()
		return txn.ErrAlreadyDecided
	}
	if rec.State != txn.CoordinatorAborting {
		if err := c.transition(rec, txn.CoordinatorAborting, nil); err != nil {
			c.mu.Unlock()
			return err
		}
	}
	c.mu.Unlock()
	c.events.Publish(Event{TxID: id, State: string(txn.CoordinatorAborting)})

	for i, client := range c.clients {
		err := client.Call(ctx, c.deadline, "POST", "/tx/"+string(id)+"/abort", nil)
		metrics.ParticipantRPCTotal.WithLabelValues("abort", rpcOutcome(err)).Inc()
		if err != nil {
			log.WithError(err).WithFields(log.Fields{"tx_id": id, "participant": i}).
				Debug("Abort RPC failed; advisory only")
		}
	}

	c.mu.Lock()
	err := c.transition(rec, txn.CoordinatorAborted, nil)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	metrics.TransactionsTotal.WithLabelValues("aborted").Inc()
	c.events.Publish(Event{TxID: id, State: string(txn.CoordinatorAborted)})
	return nil
}

// FetchCommit answers a participant's post-recovery query: is tx COMMITTED?
func (c *Coordinator) FetchCommit(id txn.ID) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[id]
	if !ok {
		return false, txn.ErrUnknownTransaction
	}
	return rec.State == txn.CoordinatorCommitted, nil
}

// State returns the current state of a transaction, used by admin/debug
// surfaces (HTTP status endpoint, GraphQL query).
func (c *Coordinator) State(id txn.ID) (txn.CoordinatorState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[id]
	if !ok {
		return "", false
	}
	return rec.State, true
}

// Snapshot returns a defensive copy of every transaction record, used by
// the admin GraphQL surface.
func (c *Coordinator) Snapshot() []txn.CoordinatorRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]txn.CoordinatorRecord, 0, len(c.records))
	for _, rec := range c.records {
		out = append(out, txn.CoordinatorRecord{TxID: rec.TxID, State: rec.State, CommittedTo: toSet(rec.CommittedIndices())})
	}
	return out
}

// Events returns the coordinator's event hub for websocket subscribers.
func (c *Coordinator) Events() *EventHub { return c.events }

// Signer returns the coordinator's request signer, or nil if request
// signing is disabled.
func (c *Coordinator) Signer() *security.Signer { return c.signer }

// Participants exposes the coordinator's fixed participant list, used by
// the admin GraphQL surface.
func (c *Coordinator) Participants() []txn.ParticipantConfig { return c.participants }

// Close releases the WAL and KV store handles.
func (c *Coordinator) Close() error {
	if err := c.wal.Close(); err != nil {
		return err
	}
	return c.store.Close()
}
