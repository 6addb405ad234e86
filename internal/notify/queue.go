package notify

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"whale-alerts/internal/store"
	"whale-alerts/internal/upstream"
	"whale-alerts/pkg/types"
)

const (
	queueCapacity    = 1024
	perChatSpacing   = time.Second     // min gap between sends to one chat
	maxAttempts      = 3               // transient failures before giving up
	transientBackoff = 5 * time.Second // grows linearly with attempts
	drainTimeout     = 5 * time.Second // shutdown grace for queued alerts
	requeueYield     = 10 * time.Millisecond
)

// Sender is the chat-platform client the queue delivers through.
type Sender interface {
	SendMessage(ctx context.Context, chatID, text string) types.SendResult
}

type notification struct {
	chatID    string
	text      string
	seq       uint64    // per-chat FIFO position
	attempts  int       // transient failures so far
	notBefore time.Time // zero = send immediately
}

// Queue is the single-worker delivery queue. It enforces the platform-wide
// send rate (one token refilled at 30/s) plus per-chat spacing, retries
// transient failures with linear backoff, honors rate-limit retry hints
// without counting them as attempts, and deactivates recipients the
// platform permanently rejects. Per-chat sequence numbers keep alerts for
// one recipient in order even across requeues.
type Queue struct {
	sender Sender
	store  *store.Store
	logger *slog.Logger

	global   *upstream.TokenBucket
	lastSend map[string]time.Time       // worker-owned, keyed by chat id
	nextSeq  map[string]uint64          // worker-owned, next deliverable seq per chat
	skipped  map[string]map[uint64]bool // worker-owned, seqs dropped before their turn

	seqMu   sync.Mutex
	tailSeq map[string]uint64 // next seq to assign per chat

	ch     chan *notification
	quit   chan struct{}
	done   chan struct{}
	closed atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
}

// NewQueue creates the queue. Call Start to launch the worker.
func NewQueue(sender Sender, st *store.Store, logger *slog.Logger) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		sender:   sender,
		store:    st,
		logger:   logger.With("component", "notify"),
		global:   upstream.NewTokenBucket(1, 30),
		lastSend: make(map[string]time.Time),
		nextSeq:  make(map[string]uint64),
		skipped:  make(map[string]map[uint64]bool),
		tailSeq:  make(map[string]uint64),
		ch:       make(chan *notification, queueCapacity),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the delivery worker.
func (q *Queue) Start() {
	go q.run()
}

// Enqueue adds an alert without blocking the caller. A full queue drops the
// alert; delivery is best-effort and the engine must never stall on it.
func (q *Queue) Enqueue(chatID, text string) bool {
	if q.closed.Load() {
		return false
	}

	q.seqMu.Lock()
	defer q.seqMu.Unlock()
	select {
	case q.ch <- &notification{chatID: chatID, text: text, seq: q.tailSeq[chatID]}:
		q.tailSeq[chatID]++
		return true
	default:
		q.logger.Warn("notification queue full, dropping alert", "chat_id", chatID)
		return false
	}
}

// Stop drains queued alerts for up to drainTimeout, then abandons the rest.
// Safe to call more than once.
func (q *Queue) Stop() {
	if q.closed.Swap(true) {
		return
	}
	close(q.quit)
	<-q.done
	q.cancel()
}

// Pending reports the number of queued notifications.
func (q *Queue) Pending() int { return len(q.ch) }

func (q *Queue) run() {
	defer close(q.done)
	for {
		select {
		case <-q.ctx.Done():
			return
		case <-q.quit:
			q.drain()
			return
		case n := <-q.ch:
			q.process(q.ctx, n)
		}
	}
}

// drain keeps delivering until the queue is empty or the grace period runs
// out. The deadline context bounds retries of stubborn recipients.
func (q *Queue) drain() {
	ctx, cancel := context.WithTimeout(q.ctx, drainTimeout)
	defer cancel()

	for {
		if ctx.Err() != nil {
			if remaining := len(q.ch); remaining > 0 {
				q.logger.Warn("shutdown grace expired, dropping queued alerts", "remaining", remaining)
			}
			return
		}
		select {
		case n := <-q.ch:
			q.process(ctx, n)
		default:
			return
		}
	}
}

func (q *Queue) process(ctx context.Context, n *notification) {
	now := time.Now()

	// An earlier alert for this chat is still in flight; hold position.
	if n.seq != q.nextSeq[n.chatID] {
		q.requeue(n)
		time.Sleep(requeueYield)
		return
	}
	if now.Before(n.notBefore) {
		q.requeue(n)
		time.Sleep(requeueYield)
		return
	}
	if next := q.lastSend[n.chatID].Add(perChatSpacing); now.Before(next) {
		n.notBefore = next
		q.requeue(n)
		time.Sleep(requeueYield)
		return
	}

	if err := q.global.Wait(ctx); err != nil {
		q.requeue(n)
		return
	}

	res := q.sender.SendMessage(ctx, n.chatID, n.text)
	switch res.Outcome {
	case types.Delivered:
		q.lastSend[n.chatID] = time.Now()
		q.advance(n.chatID)

	case types.RateLimited:
		// Honor the platform's hint plus a second of slack. Not counted
		// as an attempt.
		n.notBefore = time.Now().Add(res.RetryAfter + time.Second)
		q.logger.Warn("chat platform rate limit",
			"chat_id", n.chatID,
			"retry_after", res.RetryAfter,
		)
		q.requeue(n)

	case types.TransientError:
		n.attempts++
		if n.attempts >= maxAttempts {
			q.logger.Warn("dropping alert after repeated delivery failures",
				"chat_id", n.chatID,
				"attempts", n.attempts,
			)
			q.advance(n.chatID)
			return
		}
		n.notBefore = time.Now().Add(transientBackoff * time.Duration(n.attempts))
		q.requeue(n)

	case types.PermanentReject:
		q.logger.Info("deactivating chat",
			"chat_id", n.chatID,
			"reason", res.Reason,
		)
		if err := q.store.DeactivateChat(n.chatID); err != nil {
			q.logger.Error("chat deactivation failed", "chat_id", n.chatID, "error", err)
		}
		q.advance(n.chatID)
	}
}

// advance unblocks the next queued alert for a chat, stepping over seqs that
// were dropped before their turn. Every terminal outcome must pass through
// here or later alerts for the chat would stall.
func (q *Queue) advance(chatID string) {
	q.nextSeq[chatID]++
	for q.skipped[chatID][q.nextSeq[chatID]] {
		delete(q.skipped[chatID], q.nextSeq[chatID])
		q.nextSeq[chatID]++
	}
	if len(q.skipped[chatID]) == 0 {
		delete(q.skipped, chatID)
	}
}

func (q *Queue) requeue(n *notification) {
	select {
	case q.ch <- n:
		return
	default:
	}
	q.logger.Warn("notification queue full, dropping on requeue", "chat_id", n.chatID)

	// Only a dropped head may move the gate; dropping an out-of-order item
	// must not strand the earlier alert still in the queue. Its seq is
	// remembered so the gate can step over it later.
	if n.seq == q.nextSeq[n.chatID] {
		q.advance(n.chatID)
		return
	}
	if q.skipped[n.chatID] == nil {
		q.skipped[n.chatID] = make(map[uint64]bool)
	}
	q.skipped[n.chatID][n.seq] = true
}
