package audit

import (
	"log/slog"
	"sync"
	"time"

	"github.com/quantgate/quantgate/internal/model"
)

// Options tunes the asynchronous writer.
type Options struct {
	BufferSize int
	AlertAfter int           // consecutive write failures before OnFailure fires
	Retention  time.Duration // archive retention, zero keeps everything

	// OnFailure is invoked once each time the consecutive failure
	// count reaches AlertAfter. May be nil.
	OnFailure func(err error, consecutive int)
}

// retryInterval paces re-attempts of entries whose write failed.
const retryInterval = 250 * time.Millisecond

// Writer decouples audit recording from the execution path. Submit
// never blocks; entries queue in a bounded buffer drained by a single
// background goroutine that owns the log and the index. Entries whose
// write fails are retained in order and retried until the log heals
// or the writer closes.
type Writer struct {
	log   *Log
	index *Store
	opts  Options
	slog  *slog.Logger
	sink  func(Entry) (string, string, error)

	ch   chan Entry
	wg   sync.WaitGroup
	once sync.Once

	// pending holds entries awaiting retry, owned by the drain
	// goroutine. Oldest first; replay order preserves the chain order.
	pending []Entry

	mu          sync.Mutex
	consecutive int
	dropped     int64
}

// NewWriter starts the background drain goroutine.
func NewWriter(log *Log, index *Store, opts Options, logger *slog.Logger) *Writer {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 1024
	}
	if opts.AlertAfter <= 0 {
		opts.AlertAfter = 3
	}
	if logger == nil {
		logger = slog.Default()
	}
	w := &Writer{
		log:   log,
		index: index,
		opts:  opts,
		slog:  logger.With("component", "audit"),
		ch:    make(chan Entry, opts.BufferSize),
	}
	w.sink = log.Record
	w.wg.Add(1)
	go w.drain()
	return w
}

// Submit queues entry for recording. When the buffer is full the
// entry is counted as dropped and a typed error is returned; callers
// on the hot path treat this as a failure they must surface, never as
// a reason to block.
func (w *Writer) Submit(entry Entry) error {
	select {
	case w.ch <- entry:
		return nil
	default:
		w.mu.Lock()
		w.dropped++
		w.mu.Unlock()
		return model.NewError(model.ErrAuditWriteFailed, "audit buffer full, entry for request %s dropped", entry.RequestID)
	}
}

// Dropped returns how many entries were rejected on a full buffer.
func (w *Writer) Dropped() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dropped
}

// Close drains queued entries and stops the writer. The underlying
// log is not closed.
func (w *Writer) Close() {
	w.once.Do(func() { close(w.ch) })
	w.wg.Wait()
}

func (w *Writer) drain() {
	defer w.wg.Done()
	ticker := time.NewTicker(retryInterval)
	defer ticker.Stop()
	for {
		select {
		case entry, ok := <-w.ch:
			if !ok {
				w.flushPending()
				return
			}
			w.handle(entry)
		case <-ticker.C:
			w.retryPending()
		}
	}
}

// handle records one entry. While older entries await retry the new
// one queues behind them so the chain order never inverts.
func (w *Writer) handle(entry Entry) {
	if len(w.pending) > 0 {
		w.park(entry)
		w.retryPending()
		return
	}
	if !w.record(entry) {
		w.park(entry)
	}
}

// park retains entries the log refused, bounded by the buffer size.
// On overflow the oldest entry is counted as dropped.
func (w *Writer) park(entry Entry) {
	w.pending = append(w.pending, entry)
	if len(w.pending) > w.opts.BufferSize {
		dropped := w.pending[0]
		w.pending = w.pending[1:]
		w.mu.Lock()
		w.dropped++
		w.mu.Unlock()
		w.slog.Error("audit retry queue full, oldest entry dropped", "request_id", dropped.RequestID)
	}
}

// retryPending replays retained entries in order, stopping at the
// first write that still fails.
func (w *Writer) retryPending() {
	for len(w.pending) > 0 {
		if !w.record(w.pending[0]) {
			return
		}
		w.pending = w.pending[1:]
	}
}

// flushPending makes a final replay attempt on close; whatever the
// log still refuses is counted as dropped.
func (w *Writer) flushPending() {
	w.retryPending()
	if n := len(w.pending); n > 0 {
		w.mu.Lock()
		w.dropped += int64(n)
		w.mu.Unlock()
		w.slog.Error("audit writer closed with unwritten entries", "count", n)
		w.pending = nil
	}
}

func (w *Writer) record(entry Entry) bool {
	lineHash, rotated, err := w.sink(entry)
	if err != nil {
		w.slog.Error("audit write failed", "error", err, "request_id", entry.RequestID)
		w.mu.Lock()
		w.consecutive++
		n := w.consecutive
		w.mu.Unlock()
		if n == w.opts.AlertAfter && w.opts.OnFailure != nil {
			w.opts.OnFailure(err, n)
		}
		return false
	}
	w.mu.Lock()
	w.consecutive = 0
	w.mu.Unlock()

	if w.index != nil {
		if err := w.index.Insert(entry, lineHash); err != nil {
			w.slog.Warn("audit index insert failed", "error", err)
		}
	}
	if rotated != "" {
		w.archive(rotated)
	}
	return true
}

// archive compresses a rotated-out file and prunes expired archives.
// Runs inline on the drain goroutine; rotation is rare and the buffer
// absorbs the pause.
func (w *Writer) archive(rotated string) {
	if _, err := Compress(rotated); err != nil {
		w.slog.Warn("audit archive compression failed", "error", err, "file", rotated)
	}
	removed, err := Prune(w.log.Path(), w.opts.Retention, time.Now().UTC())
	if err != nil {
		w.slog.Warn("audit archive pruning failed", "error", err)
	}
	for _, f := range removed {
		w.slog.Info("audit archive pruned", "file", f)
	}
}
