package friendship

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/aosora-chat/server/feed"
	"github.com/aosora-chat/server/model"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrSelfRequest       = errors.New("cannot send a friend request to yourself")
	ErrDuplicateRequest  = errors.New("an active request already exists for this pair")
	ErrRequestNotFound   = errors.New("friend request not found")
	ErrNotReceiver       = errors.New("only the receiver can respond to a request")
	ErrRequestNotPending = errors.New("friend request is not pending")
	ErrEngineClosed      = errors.New("sync engine has been torn down")
)

// Decision is the receiver's answer to a pending request.
type Decision string

const (
	DecisionAccept Decision = "accept"
	DecisionReject Decision = "reject"
)

// ThreadEnsurer creates the backing conversation thread for an accepted
// pair. Implemented by thread.Materializer; declared here so the engine
// does not depend on the thread package.
type ThreadEnsurer interface {
	EnsureThread(ctx context.Context, userA, userB int64) (*model.Thread, error)
}

// viewEntry is one reduced relationship, remembered together with the
// row that produced it so delete events for stale rows can be ignored.
type viewEntry struct {
	rowID int64
	state State
}

// heldEvent is a feed event that arrived while a snapshot load was in
// flight. It is replayed onto the fresh view before the view swap
// becomes visible to readers.
type heldEvent struct {
	op  feed.Op
	row *model.FriendRequest
}

// Engine maintains the relationship view for one logged-in user. It is
// fed by a full initial load plus the user's change-feed channel, and
// answers relationship reads without touching the store.
//
// One engine exists per logical session; the Manager owns construction
// and teardown. All methods are safe for concurrent use.
type Engine struct {
	userID  int64
	db      *gorm.DB
	gw      *feed.Gateway
	threads ThreadEnsurer
	logger  *zap.Logger

	mu      sync.RWMutex
	view    map[int64]viewEntry // counterpart id → reduced state
	gen     uint64              // bumped on subscribe/teardown; stale completions compare against it
	loading int                 // snapshot loads in flight; feed events are held while > 0
	held    []heldEvent
	unsub   func()
	closed  bool
}

// NewEngine creates an Engine for the given local user. Call Initialize
// and Subscribe before serving reads.
func NewEngine(userID int64, db *gorm.DB, gw *feed.Gateway, threads ThreadEnsurer, logger *zap.Logger) *Engine {
	return &Engine{
		userID:  userID,
		db:      db,
		gw:      gw,
		threads: threads,
		logger:  logger,
		view:    make(map[int64]viewEntry),
	}
}

// UserID returns the local user this engine serves.
func (e *Engine) UserID() int64 { return e.userID }

// Initialize performs the full snapshot load: every friend_requests row
// involving the local user, reduced into the view in update order. It is
// also the resync path after a feed reconnect, since events missed while
// disconnected are not replayed.
//
// Feed events delivered while the query runs are held back and replayed
// onto the fresh view before the swap, so a row committed after the
// query started cannot be reduced into the discarded map and lost.
func (e *Engine) Initialize(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	e.loading++
	e.mu.Unlock()

	var rows []model.FriendRequest
	err := e.db.WithContext(ctx).
		Where("sender_id = ? OR receiver_id = ?", e.userID, e.userID).
		Order("updated_at asc").
		Find(&rows).Error

	e.mu.Lock()
	defer e.mu.Unlock()
	e.loading--
	if e.closed {
		e.held = nil
		return ErrEngineClosed
	}
	if err != nil {
		// Events held during the failed load still apply to the view
		// we keep serving.
		e.replayHeldLocked()
		return fmt.Errorf("friendship: initial load for user %d: %w", e.userID, err)
	}

	fresh := make(map[int64]viewEntry, len(rows))
	for i := range rows {
		reduceRow(fresh, e.userID, &rows[i])
	}
	e.view = fresh
	e.replayHeldLocked()
	return nil
}

// replayHeldLocked applies events held back during a snapshot load.
// With another load still in flight the backlog stays for that load to
// replay.
func (e *Engine) replayHeldLocked() {
	if e.loading > 0 {
		return
	}
	for _, h := range e.held {
		e.applyLocked(h.op, h.row)
	}
	e.held = nil
}

// Subscribe opens the engine's feed subscription. A previous subscription
// is closed first, so at most one feed consumer exists per engine.
func (e *Engine) Subscribe(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	if e.unsub != nil {
		e.unsub()
		e.unsub = nil
	}
	e.gen++
	gen := e.gen
	e.mu.Unlock()

	events, unsub, err := e.gw.Subscribe(ctx, e.userID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.closed || e.gen != gen {
		// Torn down (or re-subscribed) while we were connecting.
		e.mu.Unlock()
		unsub()
		return ErrEngineClosed
	}
	e.unsub = unsub
	e.mu.Unlock()

	go func() {
		for ev := range events {
			e.applyIfCurrent(gen, ev)
		}
	}()
	return nil
}

// applyIfCurrent reduces one feed event into the view unless the engine
// was torn down or re-subscribed after this consumer started.
func (e *Engine) applyIfCurrent(gen uint64, ev *feed.Event) {
	if ev.Table != feed.TableFriendRequests || ev.FriendRequest == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.gen != gen {
		return
	}
	if e.loading > 0 {
		e.held = append(e.held, heldEvent{op: ev.Op, row: ev.FriendRequest})
		return
	}
	e.applyLocked(ev.Op, ev.FriendRequest)
}

// applyLocked is the reducer. The view is keyed by counterpart; the
// written state is always derived from the row's own status field
// (last-write-wins per row), never from event arrival bookkeeping.
func (e *Engine) applyLocked(op feed.Op, row *model.FriendRequest) {
	if !row.Involves(e.userID) {
		return
	}
	counterpart := row.Counterpart(e.userID)

	if op == feed.OpDelete {
		// Only the row that produced the current entry may clear it.
		if cur, ok := e.view[counterpart]; ok && cur.rowID == row.ID {
			delete(e.view, counterpart)
		}
		return
	}

	state := Derive(e.userID, row)
	if cur, ok := e.view[counterpart]; ok && cur.rowID != row.ID {
		// A terminal row never clobbers a different, still-active row:
		// events for different rows may interleave arbitrarily.
		if state == StateNone && cur.state != StateNone {
			return
		}
	}
	e.view[counterpart] = viewEntry{rowID: row.ID, state: state}
}

// reduceRow applies the same reducer rules during the initial load.
func reduceRow(view map[int64]viewEntry, localID int64, row *model.FriendRequest) {
	counterpart := row.Counterpart(localID)
	state := Derive(localID, row)
	if cur, ok := view[counterpart]; ok && cur.rowID != row.ID {
		if state == StateNone && cur.state != StateNone {
			return
		}
	}
	view[counterpart] = viewEntry{rowID: row.ID, state: state}
}

// GetRelationship returns the derived state toward a counterpart, or
// StateNone when the pair has no active record.
func (e *Engine) GetRelationship(counterpartID int64) State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if entry, ok := e.view[counterpartID]; ok {
		return entry.state
	}
	return StateNone
}

// FriendIDs returns all counterparts currently in the friends state.
func (e *Engine) FriendIDs() []int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]int64, 0, len(e.view))
	for id, entry := range e.view {
		if entry.state == StateFriends {
			out = append(out, id)
		}
	}
	return out
}

// Snapshot returns a copy of the full relationship view.
func (e *Engine) Snapshot() map[int64]State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[int64]State, len(e.view))
	for id, entry := range e.view {
		out[id] = entry.state
	}
	return out
}

// SendRequest inserts a new pending request toward receiverID.
//
// The duplicate pre-check counts only pending/accepted rows, so a prior
// rejection does not block a fresh request from either side. Check and
// insert are not atomic against the store; the rare double-insert from
// a simultaneous counterpart request is tolerated because acceptance is
// idempotent at the application level.
func (e *Engine) SendRequest(ctx context.Context, receiverID int64) (*model.FriendRequest, error) {
	if receiverID == e.userID {
		return nil, ErrSelfRequest
	}
	gen := e.currentGen()

	var active int64
	err := e.db.WithContext(ctx).Model(&model.FriendRequest{}).
		Where("((sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)) AND status IN ?",
			e.userID, receiverID, receiverID, e.userID,
			[]model.FriendRequestStatus{model.FriendPending, model.FriendAccepted}).
		Count(&active).Error
	if err != nil {
		return nil, fmt.Errorf("friendship: duplicate check: %w", err)
	}
	if active > 0 {
		return nil, ErrDuplicateRequest
	}

	row := &model.FriendRequest{
		SenderID:   e.userID,
		ReceiverID: receiverID,
		Status:     model.FriendPending,
	}
	if err := e.db.WithContext(ctx).Create(row).Error; err != nil {
		return nil, fmt.Errorf("friendship: insert request: %w", err)
	}

	e.gw.PublishFriendRequest(ctx, feed.OpInsert, row)
	e.applyOptimistic(gen, row)
	return row, nil
}

// Respond sets a pending request to accepted or rejected. Only the
// receiver may respond. Accepting also materializes the backing thread.
func (e *Engine) Respond(ctx context.Context, requestID int64, decision Decision) (*model.FriendRequest, error) {
	if decision != DecisionAccept && decision != DecisionReject {
		return nil, fmt.Errorf("friendship: unknown decision %q", decision)
	}
	gen := e.currentGen()

	var row model.FriendRequest
	err := e.db.WithContext(ctx).First(&row, requestID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRequestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("friendship: load request %d: %w", requestID, err)
	}
	if row.ReceiverID != e.userID {
		return nil, ErrNotReceiver
	}
	if row.Status != model.FriendPending {
		return nil, ErrRequestNotPending
	}

	if decision == DecisionAccept {
		row.Status = model.FriendAccepted
	} else {
		row.Status = model.FriendRejected
	}
	if err := e.db.WithContext(ctx).Save(&row).Error; err != nil {
		return nil, fmt.Errorf("friendship: update request %d: %w", requestID, err)
	}

	if decision == DecisionAccept && e.threads != nil {
		if _, err := e.threads.EnsureThread(ctx, row.SenderID, row.ReceiverID); err != nil {
			// The acceptance is already durable; the thread will be
			// materialized lazily on first open or first message.
			e.logger.Warn("thread materialization after accept failed",
				zap.Int64("request_id", row.ID),
				zap.Error(err))
		}
	}

	e.gw.PublishFriendRequest(ctx, feed.OpUpdate, &row)
	e.applyOptimistic(gen, &row)
	return &row, nil
}

// Teardown closes the feed subscription and invalidates the engine.
// In-flight operation completions observe the generation bump and leave
// the view untouched, so a late callback cannot resurrect state for a
// logged-out identity.
func (e *Engine) Teardown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	e.gen++
	if e.unsub != nil {
		e.unsub()
		e.unsub = nil
	}
	e.view = make(map[int64]viewEntry)
	e.held = nil
}

func (e *Engine) currentGen() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.gen
}

// applyOptimistic reduces a locally-performed mutation into the view,
// unless the session changed underneath the in-flight operation. The
// authoritative feed event for the same row reconciles to an identical
// state when it arrives.
func (e *Engine) applyOptimistic(gen uint64, row *model.FriendRequest) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.gen != gen {
		return
	}
	if e.loading > 0 {
		e.held = append(e.held, heldEvent{op: feed.OpUpdate, row: row})
		return
	}
	e.applyLocked(feed.OpUpdate, row)
}
