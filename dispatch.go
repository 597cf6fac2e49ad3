package ldapnav

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/netresearch/ldapnav/dn"
)

// IntentKind names the operation an Intent requests.
type IntentKind int

const (
	IntentConnect IntentKind = iota
	IntentExpand
	IntentRefresh
	IntentSearch
	IntentLoadEntry
	IntentCommit
	IntentCreateEntry
	IntentDeleteEntry
	IntentBulkApply
	IntentRefreshSchema
	IntentCloseSession
)

func (k IntentKind) String() string {
	switch k {
	case IntentConnect:
		return "connect"
	case IntentExpand:
		return "expand"
	case IntentRefresh:
		return "refresh"
	case IntentSearch:
		return "search"
	case IntentLoadEntry:
		return "load_entry"
	case IntentCommit:
		return "commit"
	case IntentCreateEntry:
		return "create_entry"
	case IntentDeleteEntry:
		return "delete_entry"
	case IntentBulkApply:
		return "bulk_apply"
	case IntentRefreshSchema:
		return "refresh_schema"
	case IntentCloseSession:
		return "close_session"
	default:
		return "unknown"
	}
}

// BulkIntent carries the parameters of a bulk apply request.
type BulkIntent struct {
	BaseDN    dn.DN
	Filter    string
	Op        BulkOp
	Attribute string
	Value     string
}

// Intent is one unit of work submitted to the Dispatcher. Kind selects
// which of the payload fields are read; SessionID names the target session
// for every kind except connect.
type Intent struct {
	Kind      IntentKind
	SessionID uint64

	// Connect payload.
	Config     *Config
	Credential Credential
	Options    []Option

	// Targets for expand, refresh, load entry, create entry and delete
	// entry.
	DN         dn.DN
	Attributes []Attribute

	Search *SearchRequest
	Entry  *Entry
	Bulk   *BulkIntent
}

// Completion is the immutable result of one intent, delivered on the
// dispatcher's completion channel. Exactly one payload field is populated
// according to Kind; Err is set when the operation failed.
type Completion struct {
	Correlation uint64
	SessionID   uint64
	Kind        IntentKind
	Err         error
	Duration    time.Duration

	Session  *Session
	Children []dn.DN
	Entries  []*Entry
	Entry    *Entry
	Bulk     *BulkResult
	Schema   *Schema
}

// PendingOperation describes one in-flight background operation.
type PendingOperation struct {
	Correlation uint64
	SessionID   uint64
	Kind        IntentKind
	StartedAt   time.Time
}

type sessionHandle struct {
	id      uint64
	session *Session
	tree    *Tree
	ctx     context.Context
	cancel  context.CancelFunc
}

// Dispatcher routes intents to sessions and collects their completions on
// one channel. Submitting an intent never blocks on the network: local
// effects apply synchronously and protocol work runs on a background
// goroutine tagged with a correlation id and session id. One Dispatcher
// serves the whole process.
type Dispatcher struct {
	logger      *slog.Logger
	completions chan Completion
	wg          sync.WaitGroup
	correlation atomic.Uint64

	mu          sync.Mutex
	closed      bool
	nextSession uint64
	sessions    map[uint64]*sessionHandle
	pending     map[uint64]map[uint64]PendingOperation
}

var (
	// ErrDispatcherClosed is returned by Submit after Close.
	ErrDispatcherClosed = errors.New("ldapnav: dispatcher closed")

	// ErrUnknownSession is returned when an intent names a session id the
	// dispatcher does not track.
	ErrUnknownSession = errors.New("ldapnav: unknown session")

	// ErrInvalidIntent is returned when an intent is missing its payload.
	ErrInvalidIntent = errors.New("ldapnav: invalid intent")
)

// NewDispatcher builds a Dispatcher. A nil logger falls back to the
// default slog logger.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		logger:      logger,
		completions: make(chan Completion, 128),
		sessions:    make(map[uint64]*sessionHandle),
		pending:     make(map[uint64]map[uint64]PendingOperation),
	}
}

// Completions returns the channel completions are delivered on. The
// channel is closed by Close after all in-flight operations have drained;
// consumers should range over it.
func (d *Dispatcher) Completions() <-chan Completion {
	return d.completions
}

// Session returns the live session registered under id.
func (d *Dispatcher) Session(id uint64) (*Session, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	handle, ok := d.sessions[id]
	if !ok {
		return nil, false
	}
	return handle.session, true
}

// Tree returns the tree cache for the session registered under id.
func (d *Dispatcher) Tree(id uint64) (*Tree, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	handle, ok := d.sessions[id]
	if !ok {
		return nil, false
	}
	return handle.tree, true
}

// Pending returns a snapshot of the session's in-flight operations.
func (d *Dispatcher) Pending(sessionID uint64) []PendingOperation {
	d.mu.Lock()
	defer d.mu.Unlock()
	ops := make([]PendingOperation, 0, len(d.pending[sessionID]))
	for _, op := range d.pending[sessionID] {
		ops = append(ops, op)
	}
	return ops
}

// Submit queues one intent. It returns the correlation id the eventual
// Completion will carry. Validation failures and unknown sessions are
// reported synchronously as errors and produce no completion.
func (d *Dispatcher) Submit(intent Intent) (uint64, error) {
	if intent.Kind == IntentCloseSession {
		return 0, d.CloseSession(intent.SessionID)
	}
	if intent.Kind == IntentConnect {
		return d.submitConnect(intent)
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return 0, ErrDispatcherClosed
	}
	handle, ok := d.sessions[intent.SessionID]
	if !ok {
		d.mu.Unlock()
		return 0, ErrUnknownSession
	}

	correlation := handle.session.NextCorrelation()
	run, err := d.taskFor(intent, handle)
	if err != nil {
		d.mu.Unlock()
		return 0, err
	}
	d.trackLocked(handle.id, PendingOperation{
		Correlation: correlation,
		SessionID:   handle.id,
		Kind:        intent.Kind,
		StartedAt:   time.Now(),
	})
	ctx := handle.ctx
	d.mu.Unlock()

	d.logger.Debug("intent_submitted",
		slog.String("kind", intent.Kind.String()),
		slog.Uint64("correlation", correlation),
		slog.Uint64("session_id", handle.id))

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		start := time.Now()
		comp := run(ctx)
		comp.Correlation = correlation
		comp.SessionID = handle.id
		comp.Kind = intent.Kind
		comp.Duration = time.Since(start)
		d.deliver(comp)
	}()
	return correlation, nil
}

// taskFor builds the background task for a session-bound intent. Called
// with d.mu held; the returned func runs without it.
func (d *Dispatcher) taskFor(intent Intent, handle *sessionHandle) (func(context.Context) Completion, error) {
	session := handle.session
	tree := handle.tree

	switch intent.Kind {
	case IntentExpand:
		target := intent.DN
		return func(ctx context.Context) Completion {
			children, err := tree.Expand(ctx, target)
			return Completion{Children: children, Err: err}
		}, nil

	case IntentRefresh:
		target := intent.DN
		return func(ctx context.Context) Completion {
			children, err := tree.Refresh(ctx, target)
			return Completion{Children: children, Err: err}
		}, nil

	case IntentSearch:
		if intent.Search == nil {
			return nil, ErrInvalidIntent
		}
		req := *intent.Search
		return func(ctx context.Context) Completion {
			entries, err := session.SearchAll(ctx, req)
			return Completion{Entries: entries, Err: err}
		}, nil

	case IntentLoadEntry:
		target := intent.DN
		return func(ctx context.Context) Completion {
			entry, err := session.LoadEntry(ctx, target)
			return Completion{Entry: entry, Err: err}
		}, nil

	case IntentCommit:
		if intent.Entry == nil {
			return nil, ErrInvalidIntent
		}
		entry := intent.Entry
		return func(ctx context.Context) Completion {
			err := session.Commit(ctx, entry)
			return Completion{Entry: entry, Err: err}
		}, nil

	case IntentCreateEntry:
		target := intent.DN
		attrs := intent.Attributes
		return func(ctx context.Context) Completion {
			err := session.AddEntry(ctx, target, attrs)
			if err == nil {
				tree.InvalidateSubtree(target)
			}
			return Completion{Err: err}
		}, nil

	case IntentDeleteEntry:
		target := intent.DN
		return func(ctx context.Context) Completion {
			err := session.DeleteEntry(ctx, target)
			if err == nil {
				tree.InvalidateSubtree(target)
			}
			return Completion{Err: err}
		}, nil

	case IntentBulkApply:
		if intent.Bulk == nil {
			return nil, ErrInvalidIntent
		}
		bulk := *intent.Bulk
		return func(ctx context.Context) Completion {
			result, err := session.BulkApply(ctx, bulk.BaseDN, bulk.Filter, bulk.Op, bulk.Attribute, bulk.Value)
			if err == nil {
				tree.InvalidateSubtree(bulk.BaseDN)
			}
			return Completion{Bulk: result, Err: err}
		}, nil

	case IntentRefreshSchema:
		return func(ctx context.Context) Completion {
			schema, err := session.RefreshSchema(ctx)
			return Completion{Schema: schema, Err: err}
		}, nil

	default:
		return nil, ErrInvalidIntent
	}
}

func (d *Dispatcher) submitConnect(intent Intent) (uint64, error) {
	if intent.Config == nil {
		return 0, ErrInvalidIntent
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return 0, ErrDispatcherClosed
	}
	d.nextSession++
	sessionID := d.nextSession
	correlation := d.correlation.Add(1)
	d.trackLocked(sessionID, PendingOperation{
		Correlation: correlation,
		SessionID:   sessionID,
		Kind:        IntentConnect,
		StartedAt:   time.Now(),
	})
	d.mu.Unlock()

	config := intent.Config
	cred := intent.Credential
	opts := intent.Options

	d.logger.Debug("intent_submitted",
		slog.String("kind", "connect"),
		slog.Uint64("correlation", correlation),
		slog.Uint64("session_id", sessionID))

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		start := time.Now()
		ctx, cancel := context.WithCancel(context.Background())
		session, err := Connect(ctx, config, cred, opts...)

		comp := Completion{
			Correlation: correlation,
			SessionID:   sessionID,
			Kind:        IntentConnect,
			Err:         err,
			Duration:    time.Since(start),
		}
		if err != nil {
			cancel()
			d.deliver(comp)
			return
		}

		d.mu.Lock()
		if d.closed {
			d.mu.Unlock()
			cancel()
			session.Close()
			return
		}
		d.sessions[sessionID] = &sessionHandle{
			id:      sessionID,
			session: session,
			tree:    NewTree(session),
			ctx:     ctx,
			cancel:  cancel,
		}
		d.mu.Unlock()

		comp.Session = session
		d.logger.Info("session_registered",
			slog.Uint64("session_id", sessionID),
			slog.String("server", session.Address()))
		d.deliver(comp)
	}()
	return correlation, nil
}

func (d *Dispatcher) trackLocked(sessionID uint64, op PendingOperation) {
	ops, ok := d.pending[sessionID]
	if !ok {
		ops = make(map[uint64]PendingOperation)
		d.pending[sessionID] = ops
	}
	ops[op.Correlation] = op
}

// deliver routes one completion to the consumer. A completion whose
// session was closed since the intent was issued is discarded; applying it
// would mutate torn-down state.
func (d *Dispatcher) deliver(comp Completion) {
	d.mu.Lock()
	if ops, ok := d.pending[comp.SessionID]; ok {
		delete(ops, comp.Correlation)
		if len(ops) == 0 {
			delete(d.pending, comp.SessionID)
		}
	}
	if d.closed {
		d.mu.Unlock()
		return
	}
	if comp.Kind != IntentConnect {
		if _, ok := d.sessions[comp.SessionID]; !ok {
			d.mu.Unlock()
			d.logger.Warn("completion_discarded",
				slog.String("kind", comp.Kind.String()),
				slog.Uint64("correlation", comp.Correlation),
				slog.Uint64("session_id", comp.SessionID))
			return
		}
	}
	d.mu.Unlock()

	d.completions <- comp
}

// CloseSession cancels the session's pending operations, tears down its
// tree and closes the connection. Cancellation is cooperative: background
// goroutines observe the cancelled context, their results are suppressed,
// and effects already applied on the server are not rolled back.
func (d *Dispatcher) CloseSession(id uint64) error {
	d.mu.Lock()
	handle, ok := d.sessions[id]
	if !ok {
		d.mu.Unlock()
		return ErrUnknownSession
	}
	delete(d.sessions, id)
	inflight := len(d.pending[id])
	d.mu.Unlock()

	handle.cancel()
	err := handle.session.Close()
	d.logger.Info("session_unregistered",
		slog.Uint64("session_id", id),
		slog.Int("cancelled_operations", inflight))
	return err
}

// Close tears down every session, waits for in-flight goroutines to
// finish and closes the completions channel. Consumers draining the
// channel observe it closing once the last completion is out.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	ids := make([]uint64, 0, len(d.sessions))
	for id := range d.sessions {
		ids = append(ids, id)
	}
	d.mu.Unlock()

	var firstErr error
	for _, id := range ids {
		if err := d.CloseSession(id); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	d.wg.Wait()
	close(d.completions)
	d.logger.Info("dispatcher_closed")
	return firstErr
}
