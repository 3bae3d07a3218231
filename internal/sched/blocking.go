package sched

import (
	"bufio"
	"fmt"
	"io"
	"time"

	"github.com/bkral/go-scorepipe/internal/batch"
	"github.com/bkral/go-scorepipe/internal/constants"
	"github.com/bkral/go-scorepipe/internal/engine"
	"github.com/bkral/go-scorepipe/internal/interfaces"
)

// BlockingConfig configures one blocking call
type BlockingConfig struct {
	Engine  *engine.Handle
	Builder *batch.Builder

	// Writer and Reader are the driver's persistent buffered endpoints.
	// They must outlive the call: a reader's readahead may hold scores
	// that belong to a later call's residual drain.
	Writer *bufio.Writer
	Reader *bufio.Reader

	// Deadline stops batch submission; an in-flight read may overrun it by
	// up to one batch processing time
	Deadline time.Time

	// BatchSize bounds batch lines
	BatchSize int

	// Residual is the number of output lines the engine owes from earlier
	// truncated calls
	Residual int

	Observer interfaces.Observer
	Tracer   Tracer
}

// nearDeadlineWindow is the budget under which the blocking loop shrinks
// its batches to reduce the tail of the final read.
const nearDeadlineWindow = 20 * time.Millisecond

// Blocking is the buffered write-one-batch-ahead loop. The kernel handles
// flow control, which maximizes throughput; the cost is that a read can
// block for the engine's whole per-batch processing time.
type Blocking struct {
	eng     *engine.Handle
	builder *batch.Builder
	w       *bufio.Writer
	r       *bufio.Reader

	deadline  time.Time
	batchSize int
	observer  interfaces.Observer
	tracer    Tracer

	pending  []float64
	residual int
	counters Counters

	stopped bool
	done    bool
	err     error
}

// NewBlocking creates the loop for one call. The engine's descriptors must
// be in their default blocking mode.
func NewBlocking(cfg BlockingConfig) *Blocking {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = constants.DefaultBatchSize
	}
	if batchSize < constants.MinBatchSize {
		batchSize = constants.MinBatchSize
	}
	if batchSize > constants.MaxBatchSize {
		batchSize = constants.MaxBatchSize
	}

	w := cfg.Writer
	if w == nil {
		w = bufio.NewWriter(cfg.Engine.Stdin())
	}
	r := cfg.Reader
	if r == nil {
		r = bufio.NewReaderSize(cfg.Engine.Stdout(), constants.ReadChunkSize)
	}

	return &Blocking{
		eng:       cfg.Engine,
		builder:   cfg.Builder,
		w:         w,
		r:         r,
		deadline:  cfg.Deadline,
		batchSize: batchSize,
		observer:  cfg.Observer,
		tracer:    cfg.Tracer,
		residual:  cfg.Residual,
	}
}

// Next yields the next score in input order. After Stop nothing more is
// yielded.
func (s *Blocking) Next() (float64, bool, error) {
	for {
		if s.stopped {
			return 0, false, s.err
		}
		if len(s.pending) > 0 {
			v := s.pending[0]
			s.pending = s.pending[1:]
			return v, true, nil
		}
		if s.err != nil {
			return 0, false, s.err
		}
		if s.done {
			return 0, false, nil
		}
		s.tick()
	}
}

// Stop abandons the call. No further batches are written.
func (s *Blocking) Stop() {
	s.stopped = true
	s.done = true
}

// Counters returns the call's metrics so far
func (s *Blocking) Counters() Counters {
	return s.counters
}

// Unread returns the lines the engine still owes after this call
func (s *Blocking) Unread() int {
	return s.residual + int(s.counters.LinesWritten-s.counters.LinesRead)
}

// Carry is always nil on the blocking path: flushed batches end on line
// boundaries.
func (s *Blocking) Carry() []byte {
	return nil
}

// RecvTail is always nil on the blocking path: partial lines stay inside
// the persistent buffered reader.
func (s *Blocking) RecvTail() []byte {
	return nil
}

func (s *Blocking) trace(kind string, value int64) {
	if s.tracer != nil {
		s.tracer.Trace(kind, value)
	}
}

func (s *Blocking) fail(err error) {
	s.err = err
	s.eng.Poison()
}

func (s *Blocking) tick() {
	now := time.Now()

	// Past the deadline nothing new is written and no new blocking read is
	// started; whatever is unread becomes the next call's residual
	if !now.Before(s.deadline) {
		s.trace(EvDeadlineReached, 0)
		s.done = true
		return
	}

	// Drain leftovers from earlier truncated calls before any new work
	if s.residual > 0 {
		if _, ok := s.readLine(); !ok {
			return
		}
		s.residual--
		s.counters.ResidualLinesDrained++
		return
	}

	// Stay one batch ahead of the reads so the engine is never idle
	for !s.stopped && s.builder.Remaining() > 0 &&
		s.counters.LinesWritten-s.counters.LinesRead < 2*uint64(s.batchSize) &&
		time.Now().Before(s.deadline) {
		if !s.writeBatch() {
			return
		}
	}

	if s.counters.LinesRead == s.counters.LinesWritten {
		if s.builder.Remaining() == 0 || s.stopped {
			s.done = true
		}
		// Otherwise every built line was skipped by the formatter; loop
		// again to format the rest
		return
	}

	line, ok := s.readLine()
	if !ok {
		return
	}
	v, err := parseScore(line)
	if err != nil {
		s.fail(fmt.Errorf("%w: %v", ErrEngineGone, err))
		return
	}
	s.pending = append(s.pending, v)
	s.counters.LinesRead++
}

// writeBatch builds, writes and flushes one batch. Near the deadline it
// shrinks the batch so the final read has less to wait for.
func (s *Blocking) writeBatch() bool {
	size := s.batchSize
	if time.Until(s.deadline) < nearDeadlineWindow {
		size = constants.MinBatchSize
	}

	s.trace(EvFormatBegin, int64(s.builder.Cursor()))
	chunk, lines := s.builder.Next(size)
	s.trace(EvFormatEnd, int64(lines))
	if lines == 0 {
		return true
	}

	// Only measure time when an observer wants it
	var startTime time.Time
	if s.observer != nil {
		startTime = time.Now()
	}

	s.trace(EvWriteBegin, int64(len(chunk)))
	_, err := s.w.Write(chunk)
	if err == nil {
		err = s.w.Flush()
	}
	s.trace(EvWriteEnd, int64(len(chunk)))
	if s.observer != nil {
		s.observer.ObserveBatchWrite(lines, len(chunk), uint64(time.Since(startTime).Nanoseconds()), err == nil)
	}
	if err != nil {
		s.fail(fmt.Errorf("%w: write: %v", ErrEngineGone, err))
		return false
	}

	s.counters.LinesWritten += uint64(lines)
	s.counters.BatchesWritten++
	return true
}

// readLine performs one blocking line read. Returns ok=false when the loop
// has transitioned to a terminal state instead.
func (s *Blocking) readLine() ([]byte, bool) {
	var startTime time.Time
	if s.observer != nil {
		startTime = time.Now()
	}

	s.trace(EvReadBegin, 0)
	line, err := s.r.ReadBytes('\n')
	s.trace(EvReadEnd, int64(len(line)))

	if err == nil {
		if s.observer != nil {
			s.observer.ObserveScoreRead(1, uint64(time.Since(startTime).Nanoseconds()))
		}
		return line, true
	}
	if err == io.EOF {
		if s.Unread() > 0 {
			s.fail(fmt.Errorf("%w: stdout closed with %d lines unread", ErrEngineGone, s.Unread()))
		} else {
			s.done = true
		}
		return nil, false
	}
	s.fail(fmt.Errorf("%w: read: %v", ErrEngineGone, err))
	return nil, false
}
