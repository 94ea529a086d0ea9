package sync

import (
	"log/slog"
	stdsync "sync"
	"time"

	"github.com/cloudpair/cloudpair/internal/fileid"
)

// DefaultMaxConcurrentOperations is the dispatch ceiling when the
// configuration does not override it.
const DefaultMaxConcurrentOperations = 3

// Dispatcher executes one spooled operation. It is called outside the
// spooler's lock and must not block: long work runs on its own goroutine
// and signals completion via OperationDone, which keeps the pipeline
// draining.
type Dispatcher func(op Operation)

// ReadyNotifier tells a peer this side has drained its queue.
type ReadyNotifier func(peerID uint64)

// Spooler is the single-peer, FIFO, deduplicated-by-hash queue of pending
// operations. Queue mutations happen under one mutex with short critical
// sections; dispatch always happens outside it.
type Spooler struct {
	mu        stdsync.Mutex
	queue     []Operation
	byHash    map[fileid.NameHash]int // hash → queue index
	inFlight  int
	overLimit bool

	executed     int
	startedAt    time.Time
	maxConcurrent int

	dispatch    Dispatcher
	raiseStatus func(StatusEvent)
	notifyReady ReadyNotifier
	logger      *slog.Logger
}

// NewSpooler creates a spooler. maxConcurrent below 1 falls back to the
// default ceiling.
func NewSpooler(
	maxConcurrent int,
	dispatch Dispatcher,
	raiseStatus func(StatusEvent),
	notifyReady ReadyNotifier,
	logger *slog.Logger,
) *Spooler {
	if maxConcurrent < 1 {
		maxConcurrent = DefaultMaxConcurrentOperations
	}

	if raiseStatus == nil {
		raiseStatus = func(StatusEvent) {}
	}

	if notifyReady == nil {
		notifyReady = func(uint64) {}
	}

	return &Spooler{
		byHash:        make(map[fileid.NameHash]int),
		maxConcurrent: maxConcurrent,
		dispatch:      dispatch,
		raiseStatus:   raiseStatus,
		notifyReady:   notifyReady,
		logger:        logger,
	}
}

// AddOperation enqueues an operation. A pending operation with the same
// hash is replaced in place, keeping the earliest arrival's position. When
// the remote drive is over limit, new SendFile operations are dropped
// silently. Adding to an empty queue triggers dispatch.
func (s *Spooler) AddOperation(op Operation) {
	s.mu.Lock()

	if s.overLimit && op.Type == OpSendFile {
		s.mu.Unlock()
		s.logger.Debug("dropping send, remote over limit", slog.String("hash", op.Hash.String()))

		return
	}

	wasEmpty := len(s.queue) == 0

	if idx, ok := s.byHash[op.Hash]; ok {
		s.queue[idx] = op
	} else {
		s.byHash[op.Hash] = len(s.queue)
		s.queue = append(s.queue, op)
	}

	pending := len(s.queue)
	eta := s.etaLocked()
	s.mu.Unlock()

	s.raiseStatus(StatusEvent{Status: StatusPending, Pending: pending, ETA: eta})

	if wasEmpty {
		s.ExecuteNext(op.PeerID)
	}
}

// ExecuteNext pops and dispatches operations until the in-flight ceiling is
// reached or the queue is empty. When the queue empties it raises the
// Monitoring status, and notifies peerID (when non-zero) that this side is
// ready.
func (s *Spooler) ExecuteNext(peerID uint64) {
	for {
		s.mu.Lock()

		if s.inFlight >= s.maxConcurrent || len(s.queue) == 0 {
			drained := len(s.queue) == 0 && s.inFlight == 0
			s.mu.Unlock()

			if drained {
				s.raiseStatus(StatusEvent{Status: StatusMonitoring})

				if peerID != 0 {
					s.notifyReady(peerID)
				}
			}

			return
		}

		op := s.queue[0]
		s.queue = s.queue[1:]
		delete(s.byHash, op.Hash)

		for h, idx := range s.byHash {
			s.byHash[h] = idx - 1
		}

		if s.startedAt.IsZero() {
			s.startedAt = time.Now()
		}

		s.inFlight++
		s.mu.Unlock()

		s.logger.Debug("dispatching operation",
			slog.String("type", op.Type.String()),
			slog.String("hash", op.Hash.String()),
		)

		s.dispatch(op)
	}
}

// OperationDone signals that a dispatched operation finished; the transfer
// driver and the delete paths call it from their completion callbacks.
func (s *Spooler) OperationDone(peerID uint64) {
	s.mu.Lock()
	s.inFlight--
	s.executed++
	s.mu.Unlock()

	s.ExecuteNext(peerID)
}

// Pending returns the queued operation count.
func (s *Spooler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.queue)
}

// Clear drops all pending operations.
func (s *Spooler) Clear() {
	s.mu.Lock()
	s.queue = nil
	s.byHash = make(map[fileid.NameHash]int)
	s.mu.Unlock()
}

// SetRemoteOverLimit flips the remote-drive-over-limit flag. Raising it
// additionally purges every queued SendFile and raises the matching status.
func (s *Spooler) SetRemoteOverLimit(over bool) {
	s.mu.Lock()

	s.overLimit = over

	if over {
		kept := s.queue[:0]
		s.byHash = make(map[fileid.NameHash]int)

		for _, op := range s.queue {
			if op.Type == OpSendFile {
				continue
			}

			s.byHash[op.Hash] = len(kept)
			kept = append(kept, op)
		}

		s.queue = kept
	}

	pending := len(s.queue)
	s.mu.Unlock()

	if over {
		s.raiseStatus(StatusEvent{Status: StatusRemoteDriveOverLimit, Pending: pending})
	}
}

// ETA estimates completion time from the observed execution rate; zero when
// nothing has executed yet.
func (s *Spooler) ETA() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.etaLocked()
}

// etaLocked computes the estimate with the mutex held.
func (s *Spooler) etaLocked() time.Time {
	if s.executed == 0 || s.startedAt.IsZero() {
		return time.Time{}
	}

	perOp := time.Since(s.startedAt) / time.Duration(s.executed)

	return time.Now().Add(perOp * time.Duration(len(s.queue)))
}
