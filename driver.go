// Package scorepipe provides a deadline-respecting batch driver for
// long-running scoring engines that speak a line-oriented protocol on
// stdin/stdout. A caller supplies a context and a sequence of items; the
// driver yields a score per item, in input order, returning as many scores
// as the engine could produce within the caller's deadline.
package scorepipe

import (
	"bufio"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/bkral/go-scorepipe/internal/batch"
	"github.com/bkral/go-scorepipe/internal/constants"
	"github.com/bkral/go-scorepipe/internal/engine"
	"github.com/bkral/go-scorepipe/internal/logging"
	"github.com/bkral/go-scorepipe/internal/sched"
)

// Params contains driver construction parameters
type Params struct {
	// Command is the scoring engine argv. Command[0] is the binary.
	Command []string

	// WriteOnly disables the read path (training handles). Mutually
	// exclusive with AuditMode.
	WriteOnly bool

	// AuditMode switches the engine's output to per-feature contribution
	// lines. An audit handle explains single lines; it cannot score.
	AuditMode bool

	// Blocking selects the buffered blocking scheduler instead of the
	// poll-driven non-blocking one. Highest throughput, looser tail.
	Blocking bool

	// BatchSize bounds lines per batch (default 500, clamped to
	// [MinBatchSize, MaxBatchSize] on the blocking path)
	BatchSize int

	// SlabSize bounds batch bytes on the non-blocking path (default one
	// pipe buffer)
	SlabSize int

	// PollSlice caps a single readiness wait on the non-blocking path
	// (default 1ms)
	PollSlice time.Duration
}

// DefaultParams returns default driver parameters for an engine command
func DefaultParams(command []string) Params {
	return Params{
		Command:   command,
		BatchSize: constants.DefaultBatchSize,
		SlabSize:  constants.DefaultSlabSize,
		PollSlice: constants.DefaultPollSlice,
	}
}

// Options contains optional collaborators
type Options struct {
	// Logger for debug/info messages (if nil, the internal/logging
	// package default logger is used)
	Logger Logger

	// Observer for live metrics collection (if nil, uses no-op observer)
	Observer Observer
}

// DriverState represents the current state of a driver
type DriverState string

const (
	// DriverStateRunning indicates the engine is alive and serving calls
	DriverStateRunning DriverState = "running"
	// DriverStatePoisoned indicates the engine died; every call fails fast
	DriverStatePoisoned DriverState = "poisoned"
	// DriverStateClosed indicates Close has been called
	DriverStateClosed DriverState = "closed"
)

// Driver wraps one scoring engine child process. A driver is single-caller:
// concurrent calls on one instance are not supported, and starting a new
// call finalizes the previous call's stream.
type Driver struct {
	params    Params
	formatter Formatter
	eng       *engine.Handle
	metrics   *Metrics
	observer  Observer
	logger    Logger

	// Lines the engine owes us from earlier truncated calls, the unsent
	// tail of a partially written line, and the incomplete output line
	// left in the receive buffer
	engineOwes int
	carry      []byte
	recvTail   []byte

	// Persistent buffered endpoints for the blocking path
	blockW *bufio.Writer
	blockR *bufio.Reader

	// Common-prefix cache for CommonCacheKeyer formatters
	commonKey   string
	commonVal   string
	commonValid bool

	// Blocking reader shared by audit-mode reads
	auditReader *bufio.Reader

	cur    *ScoreStream
	closed bool
}

// New spawns the scoring engine and returns a driver bound to it
func New(params Params, formatter Formatter, options *Options) (*Driver, error) {
	if len(params.Command) == 0 {
		return nil, NewError("NEW", ErrCodeBadInput, "empty engine command")
	}
	if params.WriteOnly && params.AuditMode {
		return nil, NewError("NEW", ErrCodeBadInput, "write-only and audit mode are mutually exclusive")
	}
	if formatter == nil {
		formatter = DummyFormatter{}
	}
	if options == nil {
		options = &Options{}
	}

	logger := options.Logger
	if logger == nil {
		logger = logging.Default()
	}

	// Audit and write-only handles use blocking pipes; only the scoring
	// poll scheduler wants non-blocking descriptors
	nonBlocking := !params.Blocking && !params.WriteOnly && !params.AuditMode

	eng, err := engine.Spawn(engine.Config{
		Command:     params.Command,
		NonBlocking: nonBlocking,
		WriteOnly:   params.WriteOnly,
		Logger:      logger,
	})
	if err != nil {
		return nil, WrapError("SPAWN", ErrCodeEngineGone, err)
	}

	d := &Driver{
		params:    params,
		formatter: formatter,
		eng:       eng,
		metrics:   NewMetrics(),
		// A nil observer keeps the timing syscalls off the hot paths
		observer: options.Observer,
		logger:   logger,
	}
	return d, nil
}

// State returns the current driver state
func (d *Driver) State() DriverState {
	if d.closed {
		return DriverStateClosed
	}
	if !d.eng.Alive() {
		return DriverStatePoisoned
	}
	return DriverStateRunning
}

// Alive reports engine process liveness
func (d *Driver) Alive() bool {
	return !d.closed && d.eng.Alive()
}

// EngineOwes returns the number of output lines the engine still owes from
// earlier deadline-truncated calls
func (d *Driver) EngineOwes() int {
	return d.engineOwes
}

// EnginePid returns the engine's process id
func (d *Driver) EnginePid() int {
	return d.eng.Pid()
}

// EngineStderr returns the tail of the engine's stderr output
func (d *Driver) EngineStderr() []byte {
	return d.eng.StderrTail()
}

// Metrics returns the driver-lifetime aggregate metrics
func (d *Driver) Metrics() *Metrics {
	return d.metrics
}

// Close finalizes any open stream, signals EOF to the engine, waits a
// bounded grace period and reaps it. Safe to call more than once.
func (d *Driver) Close() error {
	if d.closed {
		return nil
	}
	if d.cur != nil {
		d.cur.Close()
	}
	d.closed = true
	d.metrics.Stop()
	err := d.eng.Close()
	if err != nil {
		return WrapError("CLOSE", ErrCodeEngineGone, err)
	}
	return nil
}

// checkCall validates the shared call preconditions
func (d *Driver) checkCall(op string) error {
	if d.closed {
		return NewError(op, ErrCodeDriverClosed, "driver is closed")
	}
	if d.eng.Poisoned() || !d.eng.Alive() {
		d.eng.Poison()
		return d.engineGone(op, fmt.Errorf("engine not alive"))
	}
	return nil
}

// engineGone builds the terminal engine failure error, with the stderr
// tail when there is one
func (d *Driver) engineGone(op string, cause error) error {
	d.metrics.EngineErrors.Add(1)
	msg := cause.Error()
	if tail := d.eng.StderrTail(); len(tail) > 0 {
		msg = fmt.Sprintf("%s; engine stderr tail: %q", msg, tail)
	}
	return &Error{Op: op, Code: ErrCodeEngineGone, Msg: msg, Inner: cause}
}

// commonPrefix formats (or reuses) the call's common prefix
func (d *Driver) commonPrefix(reqCtx Context, debug bool) (string, error) {
	if keyer, ok := d.formatter.(CommonCacheKeyer); ok {
		key := keyer.CommonCacheKey(reqCtx)
		if d.commonValid && d.commonKey == key {
			return d.commonVal, nil
		}
		common, err := d.formatter.Common(reqCtx, debug)
		if err != nil {
			return "", err
		}
		d.commonKey = key
		d.commonVal = common
		d.commonValid = true
		return common, nil
	}
	return d.formatter.Common(reqCtx, debug)
}

// callOpts carries the per-call options
type callOpts struct {
	metrics  *CallMetrics
	timeline *Timeline
	debug    bool
}

// CallOption customizes a single call
type CallOption func(*callOpts)

// WithCallMetrics fills m with the call's counters when the call ends
func WithCallMetrics(m *CallMetrics) CallOption {
	return func(o *callOpts) { o.metrics = m }
}

// WithTimeline appends the call's detailed event trace to t
func WithTimeline(t *Timeline) CallOption {
	return func(o *callOpts) { o.timeline = t }
}

// WithDebug passes the debug flag through to the formatter
func WithDebug() CallOption {
	return func(o *callOpts) { o.debug = true }
}

// Predict scores items against the engine under a deadline. It returns a
// lazy stream yielding 0..len(items) scores in input order; the stream ends
// when every item is scored, the deadline elapses, or the engine fails.
//
// A timeout of zero yields only the scores that are already drainable.
// Scores owed from an earlier truncated call are always drained before the
// stream yields anything of its own, so a call can legitimately end with
// zero scores while reducing EngineOwes.
func (d *Driver) Predict(reqCtx Context, items []Item, timeout time.Duration, opts ...CallOption) (*ScoreStream, error) {
	const op = "PREDICT"

	if err := d.checkCall(op); err != nil {
		return nil, err
	}
	if d.params.AuditMode {
		return nil, NewError(op, ErrCodeAuditModeActive, "audit handle cannot score")
	}
	if d.params.WriteOnly {
		return nil, NewError(op, ErrCodeBadInput, "write-only handle cannot score")
	}
	if timeout < 0 {
		return nil, NewError(op, ErrCodeBadInput, "negative timeout")
	}

	var co callOpts
	for _, o := range opts {
		o(&co)
	}

	// A new call adopts the previous call's leftovers
	if d.cur != nil {
		d.cur.Close()
	}

	start := time.Now()
	deadline := start.Add(timeout)

	common, err := d.commonPrefix(reqCtx, co.debug)
	if err != nil {
		return nil, WrapError(op, ErrCodeFormatError, err)
	}

	builder := batch.New(d.formatter, d.observer, reqCtx, items, common, co.debug)

	var loop sched.Loop
	if d.params.Blocking {
		if d.blockW == nil {
			d.blockW = bufio.NewWriter(d.eng.Stdin())
			d.blockR = bufio.NewReaderSize(d.eng.Stdout(), constants.ReadChunkSize)
		}
		loop = sched.NewBlocking(sched.BlockingConfig{
			Engine:    d.eng,
			Builder:   builder,
			Writer:    d.blockW,
			Reader:    d.blockR,
			Deadline:  deadline,
			BatchSize: d.params.BatchSize,
			Residual:  d.engineOwes,
			Observer:  d.observer,
			Tracer:    timelineTracer(co.timeline),
		})
	} else {
		loop = sched.NewNonBlocking(sched.NonBlockingConfig{
			Engine:    d.eng,
			Builder:   builder,
			Deadline:  deadline,
			PollSlice: d.params.PollSlice,
			SlabSize:  d.params.SlabSize,
			BatchSize: d.params.BatchSize,
			Residual:  d.engineOwes,
			Carry:     d.carry,
			RecvTail:  d.recvTail,
			DrainOnly: timeout == 0,
			Observer:  d.observer,
			Tracer:    timelineTracer(co.timeline),
		})
	}

	// The loop owns the leftovers now; finalize recovers what remains
	d.engineOwes = 0
	d.carry = nil
	d.recvTail = nil

	d.metrics.PredictCalls.Add(1)
	if d.logger != nil {
		d.logger.Debugf("predict: %d items, timeout %s, residual %d", len(items), timeout, loop.Unread())
	}

	stream := &ScoreStream{
		d:       d,
		op:      op,
		loop:    loop,
		builder: builder,
		start:   start,
		total:   len(items),
		cm:      co.metrics,
	}
	d.cur = stream
	return stream, nil
}

// timelineTracer adapts a *Timeline to the scheduler's Tracer; nil stays
// nil so collection costs nothing when off
func timelineTracer(t *Timeline) sched.Tracer {
	if t == nil {
		return nil
	}
	return t
}

// Train submits items (optionally labeled) to the engine on the blocking
// write path. Labels, when given, must be one per item and are prepended to
// the formatted line. On a handle that is not write-only the engine echoes
// one output line per input line; those echoes are added to EngineOwes and
// drained by the next Predict.
func (d *Driver) Train(reqCtx Context, items []Item, labels []string, opts ...CallOption) error {
	const op = "TRAIN"

	if err := d.checkCall(op); err != nil {
		return err
	}
	if d.params.AuditMode {
		return NewError(op, ErrCodeAuditModeActive, "audit handle cannot train")
	}
	if labels != nil && len(labels) != len(items) {
		return NewError(op, ErrCodeBadInput, "labels must be one per item")
	}

	var co callOpts
	for _, o := range opts {
		o(&co)
	}
	if d.cur != nil {
		d.cur.Close()
	}

	start := time.Now()
	common, err := d.commonPrefix(reqCtx, co.debug)
	if err != nil {
		return WrapError(op, ErrCodeFormatError, err)
	}

	lines := 0
	for i, item := range items {
		suffix, err := d.formatter.Item(reqCtx, item, co.debug)
		if err != nil {
			if d.observer != nil {
				d.observer.ObserveFormatError()
			}
			d.metrics.FormatErrors.Add(1)
			continue
		}
		line := common + suffix + "\n"
		if labels != nil && labels[i] != "" {
			line = labels[i] + " " + line
		}
		if err := d.writeAll([]byte(line)); err != nil {
			d.eng.Poison()
			return d.engineGone(op, err)
		}
		lines++
	}

	d.metrics.TrainCalls.Add(1)
	d.metrics.LinesWritten.Add(uint64(lines))
	d.metrics.TotalCallLatencyNs.Add(uint64(time.Since(start).Nanoseconds()))

	if !d.params.WriteOnly {
		d.engineOwes += lines
	}
	return nil
}

// writeAll writes the whole buffer, waiting for writability when the
// descriptor is non-blocking
func (d *Driver) writeAll(p []byte) error {
	if !d.nonBlockingPipes() {
		_, err := d.eng.Stdin().Write(p)
		return err
	}
	fd := d.eng.StdinFd()
	for len(p) > 0 {
		n, err := unix.Write(fd, p)
		if n > 0 {
			p = p[n:]
			continue
		}
		if err == unix.EAGAIN {
			fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
			if _, perr := unix.Poll(fds, -1); perr != nil && perr != unix.EINTR {
				return perr
			}
			continue
		}
		if err == unix.EINTR {
			continue
		}
		return err
	}
	return nil
}

func (d *Driver) nonBlockingPipes() bool {
	return !d.params.Blocking && !d.params.WriteOnly && !d.params.AuditMode
}

// ExplainLine writes one pre-formatted line to an audit-mode engine, reads
// the audit line back and parses it into per-feature contributions
func (d *Driver) ExplainLine(line string) (*AuditRecord, error) {
	const op = "EXPLAIN"

	if err := d.checkCall(op); err != nil {
		return nil, err
	}
	if !d.params.AuditMode {
		return nil, NewError(op, ErrCodeAuditModeInactive, "handle was not opened in audit mode")
	}

	if err := d.writeAll([]byte(line + "\n")); err != nil {
		d.eng.Poison()
		return nil, d.engineGone(op, err)
	}

	if d.auditReader == nil {
		d.auditReader = bufio.NewReader(d.eng.Stdout())
	}
	out, err := d.auditReader.ReadString('\n')
	if err != nil {
		d.eng.Poison()
		return nil, d.engineGone(op, err)
	}

	d.metrics.ExplainCalls.Add(1)

	rec, err := ParseAuditLine(out)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ScoreStream is the lazy result of a Predict call. It yields scores in
// input order as the engine produces them. Closing the stream early is
// treated exactly like the deadline having been reached: no further lines
// are written and whatever the engine still owes becomes the next call's
// residual.
type ScoreStream struct {
	d       *Driver
	op      string
	loop    sched.Loop
	builder *batch.Builder
	start   time.Time
	total   int

	cm        *CallMetrics
	yielded   int
	err       error
	finalized bool
}

// Next yields the next score. It returns false when the call is over; Err
// distinguishes clean termination (deadline or completion) from failure.
func (s *ScoreStream) Next() (float64, bool) {
	if s.finalized {
		return 0, false
	}
	v, ok, err := s.loop.Next()
	if err != nil {
		if errors.Is(err, sched.ErrEngineGone) {
			s.err = s.d.engineGone(s.op, err)
		} else {
			s.err = WrapError(s.op, ErrCodeEngineGone, err)
		}
		s.finalize()
		return 0, false
	}
	if !ok {
		s.finalize()
		return 0, false
	}
	s.yielded++
	return v, true
}

// Err returns the terminal error, if the stream ended on one
func (s *ScoreStream) Err() error {
	return s.err
}

// Yielded returns the number of scores handed to the caller so far
func (s *ScoreStream) Yielded() int {
	return s.yielded
}

// Close abandons the stream. Idempotent; always returns Err.
func (s *ScoreStream) Close() error {
	if !s.finalized {
		s.loop.Stop()
		s.finalize()
	}
	return s.err
}

// Collect drains the stream into a slice
func (s *ScoreStream) Collect() ([]float64, error) {
	var out []float64
	for {
		v, ok := s.Next()
		if !ok {
			return out, s.Err()
		}
		out = append(out, v)
	}
}

// finalize settles the call's accounting exactly once
func (s *ScoreStream) finalize() {
	if s.finalized {
		return
	}
	s.finalized = true

	c := s.loop.Counters()
	elapsed := uint64(time.Since(s.start).Nanoseconds())

	cm := CallMetrics{
		BatchesWritten:       c.BatchesWritten,
		LinesWritten:         c.LinesWritten,
		LinesRead:            c.LinesRead,
		PollCalls:            c.PollCalls,
		ResidualLinesDrained: c.ResidualLinesDrained,
		FormatErrors:         uint64(s.builder.Skipped()),
		ElapsedNs:            elapsed,
	}
	if s.cm != nil {
		*s.cm = cm
	}

	truncated := s.loop.Unread() > 0 || s.builder.Remaining() > 0
	s.d.metrics.recordCall(cm, truncated)
	if s.d.observer != nil && c.ResidualLinesDrained > 0 {
		s.d.observer.ObserveResidualDrain(int(c.ResidualLinesDrained))
	}

	// The engine's unanswered lines roll forward to the next call, along
	// with the unsent tail of any partially written line
	if s.d.cur == s {
		s.d.engineOwes = s.loop.Unread()
		s.d.carry = s.loop.Carry()
		s.d.recvTail = s.loop.RecvTail()
		s.d.cur = nil
	}

	if s.d.logger != nil {
		s.d.logger.Debugf("call done: yielded %d/%d, owed %d, elapsed %s",
			s.yielded, s.total, s.loop.Unread(), time.Duration(elapsed))
	}
}
