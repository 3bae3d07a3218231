//go:build unix

package sched

import (
	"bytes"
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/bkral/go-scorepipe/internal/batch"
	"github.com/bkral/go-scorepipe/internal/constants"
	"github.com/bkral/go-scorepipe/internal/engine"
	"github.com/bkral/go-scorepipe/internal/interfaces"
)

// NonBlockingConfig configures one non-blocking call
type NonBlockingConfig struct {
	Engine  *engine.Handle
	Builder *batch.Builder

	// Deadline is the absolute instant past which no further scores are
	// yielded
	Deadline time.Time

	// PollSlice caps a single readiness wait
	PollSlice time.Duration

	// SlabSize bounds batch bytes: no further line is appended once a
	// batch reaches it, so a batch can exceed it by at most one line
	SlabSize int

	// BatchSize bounds batch lines
	BatchSize int

	// Residual is the number of output lines the engine owes from earlier
	// truncated calls. They are drained, not yielded.
	Residual int

	// Carry is the unsent tail of a line partially written by an earlier
	// call. It is completed before any new work so the engine's input
	// stays line-aligned; its score is drained like a residual.
	Carry []byte

	// RecvTail is the incomplete output line left in an earlier call's
	// receive buffer
	RecvTail []byte

	// DrainOnly yields only what is already readable (timeout == 0): no
	// formatting, no writes, zero-timeout polls.
	DrainOnly bool

	Observer interfaces.Observer
	Tracer   Tracer
}

// NonBlocking is the deadline-aware poll-driven scheduling loop. Both pipe
// descriptors are in non-blocking mode; the only suspension point is the
// readiness poll, capped at min(remaining budget, poll slice).
type NonBlocking struct {
	eng       *engine.Handle
	builder   *batch.Builder
	deadline  time.Time
	pollSlice time.Duration
	slabSize  int
	batchSize int
	drainOnly bool
	observer  interfaces.Observer
	tracer    Tracer

	carry   []byte
	sendBuf []byte
	recvBuf []byte
	readBuf []byte

	// true while the last written byte sits mid-line in the engine's input
	partialLine bool

	pending  []float64
	residual int
	counters Counters

	stopped bool
	done    bool
	err     error
}

// NewNonBlocking creates the loop for one call. The engine must have been
// spawned in non-blocking mode.
func NewNonBlocking(cfg NonBlockingConfig) *NonBlocking {
	pollSlice := cfg.PollSlice
	if pollSlice <= 0 {
		pollSlice = constants.DefaultPollSlice
	}
	slab := cfg.SlabSize
	if slab <= 0 {
		slab = constants.DefaultSlabSize
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = constants.DefaultBatchSize
	}

	return &NonBlocking{
		eng:       cfg.Engine,
		builder:   cfg.Builder,
		deadline:  cfg.Deadline,
		pollSlice: pollSlice,
		slabSize:  slab,
		batchSize: batchSize,
		drainOnly: cfg.DrainOnly,
		observer:  cfg.Observer,
		tracer:    cfg.Tracer,
		carry:     cfg.Carry,
		recvBuf:   cfg.RecvTail,
		readBuf:   make([]byte, constants.ReadChunkSize),
		residual:  cfg.Residual,
		// A pending carry means the engine's input already sits mid-line
		partialLine: len(cfg.Carry) > 0,
	}
}

// Next yields the next score in input order. Scores already parsed when
// the deadline fires are still yielded; after Stop nothing more is.
func (s *NonBlocking) Next() (float64, bool, error) {
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

// Stop abandons the call. Equivalent to the deadline having been reached.
func (s *NonBlocking) Stop() {
	s.stopped = true
	s.done = true
}

// Counters returns the call's metrics so far
func (s *NonBlocking) Counters() Counters {
	return s.counters
}

// Unread returns the lines the engine still owes after this call
func (s *NonBlocking) Unread() int {
	return s.residual + int(s.counters.LinesWritten-s.counters.LinesRead)
}

// Carry returns the unsent tail of a partially written line, newline
// included, or nil when the engine's input is line-aligned.
func (s *NonBlocking) Carry() []byte {
	if !s.partialLine {
		return nil
	}
	// The remainder of the in-flight line is the head of whichever send
	// buffer still holds it
	src := s.carry
	if len(src) == 0 {
		src = s.sendBuf
	}
	if i := bytes.IndexByte(src, '\n'); i >= 0 {
		return append([]byte(nil), src[:i+1]...)
	}
	return nil
}

// RecvTail returns the incomplete output line left in the receive buffer
func (s *NonBlocking) RecvTail() []byte {
	if len(s.recvBuf) == 0 {
		return nil
	}
	return append([]byte(nil), s.recvBuf...)
}

func (s *NonBlocking) trace(kind string, value int64) {
	if s.tracer != nil {
		s.tracer.Trace(kind, value)
	}
}

func (s *NonBlocking) fail(err error) {
	s.err = err
	s.eng.Poison()
}

// tick runs one iteration of the main loop
func (s *NonBlocking) tick() {
	if s.drainOnly {
		s.drainTick()
		return
	}

	now := time.Now()
	if !now.Before(s.deadline) {
		s.trace(EvDeadlineReached, 0)
		s.done = true
		return
	}

	// Format the next chunk just-in-time, only once the previous one has
	// fully drained into the pipe and every residual line has been read
	if len(s.carry) == 0 && len(s.sendBuf) == 0 && s.residual == 0 && s.builder.Remaining() > 0 && !s.stopped {
		s.trace(EvFormatBegin, int64(s.builder.Cursor()))
		chunk, lines := s.builder.NextBounded(s.batchSize, s.slabSize)
		s.trace(EvFormatEnd, int64(lines))
		if lines > 0 {
			s.sendBuf = chunk
		}
	}

	// Clean success: everything written and every written line answered
	if len(s.carry) == 0 && len(s.sendBuf) == 0 && s.builder.Remaining() == 0 &&
		s.residual == 0 && s.counters.LinesRead == s.counters.LinesWritten {
		s.done = true
		return
	}

	wantWrite := len(s.carry) > 0 || len(s.sendBuf) > 0

	fds := make([]unix.PollFd, 1, 2)
	fds[0] = unix.PollFd{Fd: int32(s.eng.StdoutFd()), Events: unix.POLLIN}
	if wantWrite {
		fds = append(fds, unix.PollFd{Fd: int32(s.eng.StdinFd()), Events: unix.POLLOUT})
	}

	remaining := time.Until(s.deadline)
	slice := s.pollSlice
	if remaining < slice {
		slice = remaining
	}
	ms := int(slice / time.Millisecond)
	if ms < 1 {
		ms = 1
	}

	var startTime time.Time
	if s.observer != nil {
		startTime = time.Now()
	}
	n, err := unix.Poll(fds, ms)
	s.counters.PollCalls++
	if s.observer != nil {
		s.observer.ObservePoll(uint64(time.Since(startTime).Nanoseconds()))
	}
	if err != nil {
		if err == unix.EINTR {
			return
		}
		s.fail(fmt.Errorf("%w: poll: %v", ErrEngineGone, err))
		return
	}
	s.trace(EvPollReturn, int64(n))
	if n == 0 {
		return
	}

	if fds[0].Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 {
		s.readAvailable()
		if s.err != nil || s.done {
			return
		}
	}

	if wantWrite && fds[1].Revents&(unix.POLLOUT|unix.POLLERR) != 0 {
		s.writeAvailable()
	}
}

// drainTick services a zero-timeout call: pull whatever is already sitting
// in the stdout pipe, write nothing.
func (s *NonBlocking) drainTick() {
	fds := []unix.PollFd{{Fd: int32(s.eng.StdoutFd()), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, 0)
	s.counters.PollCalls++
	if err != nil {
		if err == unix.EINTR {
			return
		}
		s.fail(fmt.Errorf("%w: poll: %v", ErrEngineGone, err))
		return
	}
	s.trace(EvPollReturn, int64(n))
	if n == 0 || fds[0].Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) == 0 {
		s.done = true
		return
	}
	s.readAvailable()
}

// readAvailable drains the stdout pipe until it would block
func (s *NonBlocking) readAvailable() {
	fd := s.eng.StdoutFd()
	for {
		s.trace(EvReadBegin, 0)
		n, err := unix.Read(fd, s.readBuf)
		s.trace(EvReadEnd, int64(n))

		if n > 0 {
			before := s.counters.LinesRead
			s.ingest(s.readBuf[:n])
			if s.observer != nil {
				s.observer.ObserveScoreRead(int(s.counters.LinesRead-before), 0)
			}
			if s.err != nil {
				return
			}
			if n < len(s.readBuf) {
				return
			}
			continue
		}
		if n == 0 && err == nil {
			// EOF while scores are still owed means the engine died
			if s.Unread() > 0 {
				s.fail(fmt.Errorf("%w: stdout closed with %d lines unread", ErrEngineGone, s.Unread()))
			} else {
				s.done = true
			}
			return
		}
		switch err {
		case unix.EAGAIN:
			return
		case unix.EINTR:
			continue
		default:
			s.fail(fmt.Errorf("%w: read: %v", ErrEngineGone, err))
			return
		}
	}
}

// ingest splits received bytes into complete lines. Residual lines are
// swallowed; the rest parse into pending scores.
func (s *NonBlocking) ingest(p []byte) {
	s.recvBuf = append(s.recvBuf, p...)
	for {
		i := bytes.IndexByte(s.recvBuf, '\n')
		if i < 0 {
			return
		}
		line := s.recvBuf[:i]
		s.recvBuf = s.recvBuf[i+1:]

		if s.residual > 0 {
			s.residual--
			s.counters.ResidualLinesDrained++
			continue
		}

		v, err := parseScore(line)
		if err != nil {
			s.fail(fmt.Errorf("%w: %v", ErrEngineGone, err))
			return
		}
		s.pending = append(s.pending, v)
		s.counters.LinesRead++
	}
}

// writeAvailable pushes as many bytes as the kernel accepts. The carry from
// a previous call goes first so the engine's input stays line-aligned.
func (s *NonBlocking) writeAvailable() {
	fd := s.eng.StdinFd()

	if len(s.carry) > 0 {
		s.trace(EvWriteBegin, int64(len(s.carry)))
		n, err := unix.Write(fd, s.carry)
		s.trace(EvWriteEnd, int64(n))
		if n > 0 {
			s.carry = s.carry[n:]
			if len(s.carry) == 0 {
				// The completed line belongs to an earlier call; its
				// score drains as residual
				s.partialLine = false
				s.residual++
			}
		}
		if err != nil && err != unix.EAGAIN && err != unix.EINTR {
			s.fail(fmt.Errorf("%w: write: %v", ErrEngineGone, err))
		}
		return
	}

	if len(s.sendBuf) == 0 {
		return
	}

	s.trace(EvWriteBegin, int64(len(s.sendBuf)))
	n, err := unix.Write(fd, s.sendBuf)
	s.trace(EvWriteEnd, int64(n))
	if n > 0 {
		written := s.sendBuf[:n]
		lines := countLines(written)
		s.counters.LinesWritten += uint64(lines)
		if j := bytes.LastIndexByte(written, '\n'); j >= 0 {
			s.partialLine = j != len(written)-1
		} else {
			s.partialLine = true
		}
		s.sendBuf = s.sendBuf[n:]
		if len(s.sendBuf) == 0 {
			s.counters.BatchesWritten++
		}
		if s.observer != nil {
			s.observer.ObserveBatchWrite(lines, n, 0, err == nil)
		}
	}
	if err != nil && err != unix.EAGAIN && err != unix.EINTR {
		s.fail(fmt.Errorf("%w: write: %v", ErrEngineGone, err))
	}
}
