// Package participant implements the responding side of the two-phase
// commit protocol: it accepts Initialize/Prepare/Commit/Abort/FetchCommit
// calls, logs its own state transitions durably, aborts transactions that
// sit in INITIALIZED too long, and on restart asks the coordinator for the
// outcome of anything it left PREPARED.
package participant

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

// DefaultInitTimeout is how long a transaction may sit INITIALIZED before
// the participant unilaterally aborts it.
const DefaultInitTimeout = 30 * time.Second

// DefaultDeadline is the per-RPC deadline used for the FetchCommit call
// made against the coordinator during recovery.
const DefaultDeadline = 10 * time.Second

// Config configures a Participant.
type Config struct {
	Name         string
	CoordinatorURL string
	WALPath      string
	StorePath    string
	InitTimeout  time.Duration
	Deadline     time.Duration
	Secret       string
}

// Participant is the process-scoped driver for every transaction this node
// has been asked to join.
type Participant struct {
	mu          sync.Mutex
	name        string
	wal         *wal.WAL
	store       *kvstore.Store
	coordClient *rpcclient.Client
	initTimeout time.Duration
	deadline    time.Duration
	records     map[txn.ID]*txn.ParticipantRecord
	timers      map[txn.ID]*time.Timer

	// restricted disables voting YES on Prepare; toggled by the
	// RestrictDBAccess/AllowDBAccess test-only RPCs.
	restricted bool

	signer *security.Signer
}

// Open constructs a Participant, replays its WAL, and drives recovery of any
// transaction left in flight by a previous crash.
func Open(cfg Config) (*Participant, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("participant requires a name")
	}
	initTimeout := cfg.InitTimeout
	if initTimeout <= 0 {
		initTimeout = DefaultInitTimeout
	}
	deadline := cfg.Deadline
	if deadline <= 0 {
		deadline = DefaultDeadline
	}

	w, err := wal.Open(cfg.WALPath)
	if err != nil {
		return nil, fmt.Errorf("open participant WAL: %w", err)
	}
	store, err := kvstore.Open(cfg.StorePath)
	if err != nil {
		w.Close()
		return nil, fmt.Errorf("open participant store: %w", err)
	}

	signer := security.New(cfg.Secret)
	p := &Participant{
		name:        cfg.Name,
		wal:         w,
		store:       store,
		coordClient: rpcclient.New(cfg.CoordinatorURL, signer),
		initTimeout: initTimeout,
		deadline:    deadline,
		records:     make(map[txn.ID]*txn.ParticipantRecord),
		timers:      make(map[txn.ID]*time.Timer),
		signer:      signer,
	}

	if err := p.replayWAL(); err != nil {
		return nil, fmt.Errorf("replay participant WAL: %w", err)
	}
	if err := p.loadStore(); err != nil {
		return nil, fmt.Errorf("load participant store: %w", err)
	}
	p.recover()

	return p, nil
}

func (p *Participant) replayWAL() error {
	records, err := p.wal.Replay()
	if err != nil {
		return err
	}
	for _, r := range records {
		if err := p.store.Put(kvstore.Row{TxID: r.TxID, State: r.State}); err != nil {
			return err
		}
	}
	if len(records) == 0 {
		return nil
	}
	return p.wal.Remove()
}

func (p *Participant) loadStore() error {
	for _, state := range []txn.ParticipantState{
		txn.ParticipantInitialized, txn.ParticipantPrepared, txn.ParticipantCommitted, txn.ParticipantAborted,
	} {
		rows, err := p.store.ListByState(string(state))
		if err != nil {
			return err
		}
		for _, row := range rows {
			p.records[txn.ID(row.TxID)] = &txn.ParticipantRecord{TxID: txn.ID(row.TxID), State: state}
			metrics.RecoveredTransactionsTotal.WithLabelValues(string(state)).Inc()
		}
	}
	return nil
}

// recover resolves whatever was left in flight by a previous crash: PREPARED
// transactions ask the coordinator for their outcome; INITIALIZED
// transactions are treated as if their init timer already fired.
func (p *Participant) recover() {
	p.mu.Lock()
	var toFetch, toAbort []txn.ID
	for id, rec := range p.records {
		switch rec.State {
		case txn.ParticipantPrepared:
			toFetch = append(toFetch, id)
		case txn.ParticipantInitialized:
			toAbort = append(toAbort, id)
		}
	}
	p.mu.Unlock()

	for _, id := range toAbort {
		log.WithField("tx_id", id).Info("recovering INITIALIZED transaction as if init timer fired")
		p.mu.Lock()
		if rec, ok := p.records[id]; ok {
			p.transitionLocked(rec, txn.ParticipantAborted)
		}
		p.mu.Unlock()
	}

	for _, id := range toFetch {
		log.WithField("tx_id", id).Info("recovering PREPARED transaction via FetchCommit")
		p.recoverPrepared(id)
	}
}

func (p *Participant) recoverPrepared(id txn.ID) {
	var resp struct {
		Commit bool `json:"commit"`
	}
	err := p.coordClient.Call(context.Background(), p.deadline, "GET", "/tx/"+string(id)+"/fetch-commit", &resp)
	if err != nil {
		log.WithError(err).WithField("tx_id", id).Error("FetchCommit failed during recovery; transaction remains PREPARED")
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.records[id]
	if !ok {
		return
	}
	if resp.Commit {
		p.transitionLocked(rec, txn.ParticipantCommitted)
	} else {
		p.transitionLocked(rec, txn.ParticipantAborted)
	}
}

// transitionLocked logs then applies a state change. Must be called with mu held.
func (p *Participant) transitionLocked(rec *txn.ParticipantRecord, state txn.ParticipantState) error {
	if err := p.wal.Append(wal.Record{TxID: string(rec.TxID), State: string(state)}); err != nil {
		return fmt.Errorf("append WAL record for %s: %w", rec.TxID, err)
	}
	rec.State = state
	if err := p.store.Put(kvstore.Row{TxID: string(rec.TxID), State: string(state)}); err != nil {
		return fmt.Errorf("persist state for %s: %w", rec.TxID, err)
	}
	return nil
}

// Initialize creates a record for id if one does not already exist and
// arms the init-timeout watchdog. Idempotent: re-initializing an existing
// record does nothing.
func (p *Participant) Initialize(id txn.ID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.records[id]; exists {
		return nil
	}
	rec := &txn.ParticipantRecord{TxID: id, State: txn.ParticipantInitialized}
	if err := p.wal.Append(wal.Record{TxID: string(id), State: string(rec.State)}); err != nil {
		return err
	}
	if err := p.store.Put(kvstore.Row{TxID: string(id), State: string(rec.State)}); err != nil {
		return err
	}
	p.records[id] = rec

	p.timers[id] = time.AfterFunc(p.initTimeout, func() { p.onInitTimeout(id) })
	return nil
}

func (p *Participant) onInitTimeout(id txn.ID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.records[id]
	if !ok || rec.State != txn.ParticipantInitialized {
		return
	}
	log.WithFields(log.Fields{"participant": p.name, "tx_id": id}).Info("init timer fired; aborting transaction")
	if err := p.transitionLocked(rec, txn.ParticipantAborted); err != nil {
		log.WithError(err).WithField("tx_id", id).Error("failed to log ABORTED on init timeout")
	}
}

func (p *Participant) stopTimer(id txn.ID) {
	if t, ok := p.timers[id]; ok {
		t.Stop()
		delete(p.timers, id)
	}
}

// Prepare votes YES (transitioning to PREPARED, durably, before returning)
// if the transaction is INITIALIZED and the participant is healthy, and
// votes YES again for an already PREPARED transaction; otherwise votes NO
// without mutating state. An unknown TxId returns txn.ErrUnknownTransaction.
func (p *Participant) Prepare(id txn.ID) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, ok := p.records[id]
	if !ok {
		return false, txn.ErrUnknownTransaction
	}

	if rec.State == txn.ParticipantPrepared {
		return true, nil
	}
	if rec.State != txn.ParticipantInitialized || p.restricted {
		return false, nil
	}

	if err := p.transitionLocked(rec, txn.ParticipantPrepared); err != nil {
		return false, err
	}
	p.stopTimer(id)
	return true, nil
}

// Commit unconditionally transitions a known id to COMMITTED. Idempotent.
// An unknown TxId returns txn.ErrUnknownTransaction.
func (p *Participant) Commit(id txn.ID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, ok := p.records[id]
	if !ok {
		return txn.ErrUnknownTransaction
	}
	if rec.State == txn.ParticipantCommitted {
		return nil
	}
	p.stopTimer(id)
	return p.transitionLocked(rec, txn.ParticipantCommitted)
}

// Abort unconditionally transitions id to ABORTED. Idempotent. An Abort
// for an unknown TxId creates a record rather than rejecting the call — a
// ghost ABORTED row is harmless, and it keeps Abort delivery simple after
// a coordinator crash where the participant never saw Initialize.
func (p *Participant) Abort(id txn.ID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, ok := p.records[id]
	if !ok {
		rec = &txn.ParticipantRecord{TxID: id, State: txn.ParticipantInitialized}
		p.records[id] = rec
	}
	if rec.State == txn.ParticipantAborted {
		return nil
	}
	p.stopTimer(id)
	return p.transitionLocked(rec, txn.ParticipantAborted)
}

// FetchCommit reports whether id is COMMITTED on this participant. Pure read.
func (p *Participant) FetchCommit(id txn.ID) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.records[id]
	if !ok {
		return false, txn.ErrUnknownTransaction
	}
	return rec.State == txn.ParticipantCommitted, nil
}

// State returns a transaction's current state, for /tx/{id}/state and tests.
func (p *Participant) State(id txn.ID) (txn.ParticipantState, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.records[id]
	if !ok {
		return "", false
	}
	return rec.State, true
}

// RestrictDBAccess forces every future Prepare to vote NO, for failure
// injection in tests.
func (p *Participant) RestrictDBAccess() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.restricted = true
}

// AllowDBAccess reverses RestrictDBAccess.
func (p *Participant) AllowDBAccess() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.restricted = false
}

// Name returns the participant's configured name.
func (p *Participant) Name() string { return p.name }

// Signer returns the participant's request signer, or nil if disabled.
func (p *Participant) Signer() *security.Signer { return p.signer }

// Close releases the WAL and KV store handles and cancels pending timers.
func (p *Participant) Close() error {
	p.mu.Lock()
	for id := range p.timers {
		p.stopTimer(id)
	}
	p.mu.Unlock()

	if err := p.wal.Close(); err != nil {
		return err
	}
	return p.store.Close()
}
