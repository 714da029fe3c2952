package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ent0n29/divevoice/internal/audio"
	"github.com/ent0n29/divevoice/internal/capture"
	"github.com/ent0n29/divevoice/internal/observability"
	"github.com/ent0n29/divevoice/internal/playback"
	"github.com/ent0n29/divevoice/internal/protocol"
	"github.com/ent0n29/divevoice/internal/quota"
	"github.com/ent0n29/divevoice/internal/recorder"
	"github.com/ent0n29/divevoice/internal/reliability"
	"github.com/ent0n29/divevoice/internal/transcript"
	"github.com/ent0n29/divevoice/internal/transport"
)

const (
	DefaultBudget          = 180 * time.Second
	DefaultTick            = time.Second
	defaultFinalizeTimeout = 5 * time.Second
)

// Config is the per-subject session setup.
type Config struct {
	SubjectID     string
	Budget        time.Duration
	Tick          time.Duration
	Transport     transport.Config
	TransportName string
}

// OutputFactory opens the playback output context for one session.
type OutputFactory func(sessionID string, origin time.Time) (playback.Output, error)

// Deps are the collaborators a Controller drives. Device and Transport are
// required; the rest fall back to in-memory or no-op implementations.
type Deps struct {
	Gate      quota.Gate
	Recorder  recorder.Recorder
	Device    capture.Device
	Transport transport.Transport
	NewOutput OutputFactory
	Notify    func(msg any)
	Clock     clock.Clock
	Logger    *zap.Logger
	Metrics   *observability.Metrics
}

// Controller runs at most one voice session at a time for a subject. Start
// blocks through authorization and acquisition; once connected, a single
// goroutine owns the session and processes capture blocks, transport events,
// timer ticks and stop requests one at a time.
type Controller struct {
	cfg    Config
	deps   Deps
	clock  clock.Clock
	logger *zap.Logger

	mu            sync.Mutex
	current       *Session
	gen           uint64
	busy          bool
	retired       bool
	stopRequested bool
	cancelAcquire context.CancelFunc
	live          *live
	idleSince     time.Time
}

// live holds everything owned by one session between connecting and its
// terminal status. After Start returns it is touched only by run.
type live struct {
	gen       uint64
	id        string
	subjectID string
	entryID   string
	cancel    context.CancelFunc

	stream    capture.Stream
	blocks    <-chan []float32
	encoder   *audio.FrameEncoder
	conn      transport.Conn
	events    <-chan transport.Event
	pending   []transport.Event
	scheduler *playback.Scheduler
	agg       *transcript.Aggregator

	ticker   *clock.Ticker
	deadline *clock.Timer

	startedAt   time.Time
	connectedAt time.Time
	connected   bool
	tornDown    bool

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func (l *live) requestStop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

type outcome struct {
	status Status
	reason string
	cause  error
}

func NewController(cfg Config, deps Deps) (*Controller, error) {
	if deps.Device == nil {
		return nil, errors.New("session: capture device is required")
	}
	if deps.Transport == nil {
		return nil, errors.New("session: transport is required")
	}
	if cfg.Budget <= 0 {
		cfg.Budget = DefaultBudget
	}
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultTick
	}
	if cfg.TransportName == "" {
		cfg.TransportName = "default"
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Gate == nil {
		deps.Gate = quota.NewMemoryGate(0, deps.Clock)
	}
	if deps.Recorder == nil {
		deps.Recorder = recorder.NewMemoryStore()
	}
	if deps.NewOutput == nil {
		deps.NewOutput = func(string, time.Time) (playback.Output, error) {
			return playback.NewMemoryOutput(), nil
		}
	}
	if deps.Notify == nil {
		deps.Notify = func(any) {}
	}
	return &Controller{
		cfg:       cfg,
		deps:      deps,
		clock:     deps.Clock,
		logger:    deps.Logger.With(zap.String("subject_id", cfg.SubjectID)),
		idleSince: deps.Clock.Now(),
	}, nil
}

// Snapshot returns the current or most recent session. A controller that
// never started reports StatusIdle.
func (c *Controller) Snapshot() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return Session{SubjectID: c.cfg.SubjectID, Status: StatusIdle}
	}
	return *c.current
}

// Busy reports whether a Start is in flight or a session is live.
func (c *Controller) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busy
}

// retire stops the controller from starting new sessions. It fails when a
// session is starting or live.
func (c *Controller) retire() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.busy {
		return false
	}
	c.retired = true
	return true
}

// IdleSince is when the controller last became free to start.
func (c *Controller) IdleSince() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.idleSince
}

// Quota previews authorization without debiting.
func (c *Controller) Quota(ctx context.Context) (quota.Decision, error) {
	return c.deps.Gate.Authorize(ctx, c.cfg.SubjectID, quota.ActionVoice)
}

// Start authorizes, acquires the capture device and transport, and returns
// once the session is connected. A quota denial has no side effects beyond
// the quota_denied notification.
func (c *Controller) Start(ctx context.Context) (Session, error) {
	c.mu.Lock()
	if c.retired {
		c.mu.Unlock()
		return Session{}, ErrDetached
	}
	if c.busy {
		c.mu.Unlock()
		return Session{}, ErrSessionActive
	}
	acquireCtx, cancel := context.WithCancel(ctx)
	c.busy = true
	c.stopRequested = false
	c.cancelAcquire = cancel
	c.mu.Unlock()

	begin := c.clock.Now()
	decision, err := c.deps.Gate.Authorize(acquireCtx, c.cfg.SubjectID, quota.ActionVoice)
	c.observeStage(observability.StageAuthorize, begin)
	if err != nil {
		if c.abandon() {
			return Session{}, ErrStopped
		}
		if !errors.Is(err, context.Canceled) {
			code := reliability.Classify(err)
			c.logger.Warn("quota check failed", zap.String("code", string(code)), zap.Error(err))
			c.deps.Notify(protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				Code:      string(code),
				Source:    "quota",
				Retryable: reliability.IsRetryable(code),
				Detail:    err.Error(),
			})
		}
		return Session{}, fmt.Errorf("authorize voice session: %w", err)
	}
	if !decision.Allowed {
		c.abandon()
		c.deps.Metrics.ObserveIndicator(string(reliability.CodeQuotaDenied))
		c.deps.Metrics.SessionEvent("quota_denied")
		c.deps.Notify(protocol.QuotaDenied{Type: protocol.TypeQuotaDenied, Reason: decision.Reason})
		c.logger.Info("voice session denied by quota", zap.String("reason", decision.Reason))
		return Session{}, fmt.Errorf("%w: %s", ErrQuotaDenied, decision.Reason)
	}

	c.mu.Lock()
	if c.stopRequested {
		c.mu.Unlock()
		c.abandon()
		return Session{}, ErrStopped
	}
	now := c.clock.Now()
	c.gen++
	s := &Session{
		ID:                    uuid.NewString(),
		SubjectID:             c.cfg.SubjectID,
		Status:                StatusConnecting,
		StartedAt:             now,
		QuotaSecondsRemaining: int(c.cfg.Budget / time.Second),
		generation:            c.gen,
	}
	c.current = s
	l := &live{
		gen:       c.gen,
		id:        s.ID,
		subjectID: c.cfg.SubjectID,
		cancel:    cancel,
		encoder:   audio.NewFrameEncoder(audio.CaptureSampleRate),
		agg:       transcript.NewAggregator(),
		startedAt: begin,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	snap := *s
	c.mu.Unlock()

	c.deps.Metrics.SessionStarted()
	c.deps.Metrics.SessionEvent(string(StatusConnecting))
	c.publishStatus(snap)
	c.logger.Info("voice session connecting", zap.String("session_id", l.id))

	if err := c.acquire(acquireCtx, l); err != nil {
		return c.abortConnecting(l, err)
	}
	return c.goLive(ctx, l)
}

// Stop ends the session gracefully. While connecting it cancels the
// acquisition; while connected it asks the session loop to tear down;
// otherwise it does nothing. Safe from any goroutine.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.busy {
		return
	}
	if c.live != nil {
		c.live.requestStop()
		return
	}
	c.stopRequested = true
	if c.cancelAcquire != nil {
		c.cancelAcquire()
	}
}

// Wait blocks until the live session, if any, has fully torn down.
func (c *Controller) Wait(ctx context.Context) (Session, error) {
	c.mu.Lock()
	l := c.live
	c.mu.Unlock()
	if l != nil {
		select {
		case <-l.done:
		case <-ctx.Done():
			return c.Snapshot(), ctx.Err()
		}
	}
	return c.Snapshot(), nil
}

// abandon releases a Start that never created a session. It reports whether
// Stop was called in the meantime.
func (c *Controller) abandon() bool {
	c.mu.Lock()
	stopped := c.stopRequested
	cancel := c.cancelAcquire
	c.busy = false
	c.stopRequested = false
	c.cancelAcquire = nil
	c.idleSince = c.clock.Now()
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return stopped
}

func (c *Controller) acquire(ctx context.Context, l *live) error {
	entryID, err := c.deps.Recorder.CreatePendingEntry(ctx, l.subjectID)
	if err != nil {
		return fmt.Errorf("create session entry: %w", err)
	}
	l.entryID = entryID
	c.mu.Lock()
	if c.current != nil && c.current.generation == l.gen {
		c.current.EntryID = entryID
	}
	c.mu.Unlock()

	out, err := c.deps.NewOutput(l.id, c.clock.Now())
	if err != nil {
		return fmt.Errorf("open playback output: %w", err)
	}
	l.scheduler = playback.NewScheduler(c.clock, out, c.logger.With(zap.String("session_id", l.id)))

	begin := c.clock.Now()
	stream, err := c.deps.Device.RequestAccess(ctx)
	c.observeStage(observability.StageDevice, begin)
	if err != nil {
		return fmt.Errorf("request capture: %w", err)
	}
	l.stream = stream

	begin = c.clock.Now()
	tcfg := c.cfg.Transport
	tcfg.SessionID = l.id
	conn, err := c.deps.Transport.Open(ctx, tcfg)
	c.observeStage(observability.StageTransport, begin)
	if err != nil {
		return fmt.Errorf("open transport: %w", err)
	}
	l.conn = conn
	l.events = conn.Events()

	begin = c.clock.Now()
	err = c.awaitOpen(ctx, l)
	c.observeStage(observability.StageReady, begin)
	return err
}

// awaitOpen waits for the transport's open event. Anything that arrives
// first is kept and replayed once the session loop starts.
func (c *Controller) awaitOpen(ctx context.Context, l *live) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-l.events:
			if !ok {
				return transport.ErrRemoteClosed
			}
			switch ev.Type {
			case transport.EventOpen:
				return nil
			case transport.EventError:
				if ev.Err == nil {
					return transport.ErrRemoteClosed
				}
				return ev.Err
			case transport.EventClose:
				return transport.ErrRemoteClosed
			default:
				l.pending = append(l.pending, ev)
			}
		}
	}
}

func (c *Controller) abortConnecting(l *live, cause error) (Session, error) {
	c.mu.Lock()
	stopped := c.stopRequested
	c.mu.Unlock()

	if stopped || errors.Is(cause, context.Canceled) {
		snap := c.teardown(l, outcome{status: StatusEnded, reason: ReasonStopped})
		return snap, ErrStopped
	}
	code := reliability.Classify(cause)
	c.logger.Warn("voice session failed to connect",
		zap.String("session_id", l.id),
		zap.String("code", string(code)),
		zap.Error(cause),
	)
	snap := c.teardown(l, outcome{status: StatusError, reason: string(code), cause: cause})
	if code == reliability.CodePermissionDenied {
		c.returnToIdle(l)
	}
	return snap, fmt.Errorf("acquire voice session: %w", cause)
}

// returnToIdle moves a session that never connected back to idle. The
// reason is kept so the client can explain why.
func (c *Controller) returnToIdle(l *live) {
	c.mu.Lock()
	if c.current == nil || c.current.generation != l.gen || c.busy {
		c.mu.Unlock()
		return
	}
	c.current.Status = StatusIdle
	snap := *c.current
	c.mu.Unlock()
	c.publishStatus(snap)
}

func (c *Controller) goLive(ctx context.Context, l *live) (Session, error) {
	c.mu.Lock()
	if c.stopRequested {
		c.mu.Unlock()
		return c.abortConnecting(l, context.Canceled)
	}
	now := c.clock.Now()
	l.connected = true
	l.connectedAt = now
	l.ticker = c.clock.Ticker(c.cfg.Tick)
	l.deadline = c.clock.Timer(c.cfg.Budget)
	l.blocks = l.stream.Blocks()
	c.current.Status = StatusConnected
	c.current.ConnectedAt = now
	c.cancelAcquire = nil
	c.live = l
	snap := *c.current
	c.mu.Unlock()

	// Blocks captured before the transport was ready are never sent.
	drainStale(l.blocks)

	// The session is connected; a caller hanging up now must not skip the debit.
	if err := c.deps.Gate.Debit(context.WithoutCancel(ctx), l.subjectID, quota.ActionVoice); err != nil {
		c.logger.Warn("failed to debit voice quota", zap.String("session_id", l.id), zap.Error(err))
	}
	c.observeStage(observability.StageConnectTotal, l.startedAt)
	c.deps.Metrics.SessionEvent(string(StatusConnected))
	c.publishStatus(snap)
	c.emit(l, protocol.Countdown{
		Type:             protocol.TypeCountdown,
		SessionID:        l.id,
		RemainingSeconds: int(c.cfg.Budget / time.Second),
	})
	c.logger.Info("voice session connected",
		zap.String("session_id", l.id),
		zap.Duration("connect_latency", now.Sub(l.startedAt)),
	)

	go c.run(l)
	return snap, nil
}

func drainStale(blocks <-chan []float32) {
	for {
		select {
		case _, ok := <-blocks:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

func (c *Controller) run(l *live) {
	defer close(l.done)

	for _, ev := range l.pending {
		if out, done := c.handleEvent(l, ev); done {
			c.teardown(l, out)
			return
		}
	}
	l.pending = nil

	for {
		select {
		case <-l.stop:
			c.teardown(l, outcome{status: StatusEnded, reason: ReasonStopped})
			return
		case <-l.deadline.C:
			c.teardown(l, outcome{status: StatusEnded, reason: ReasonTimeout})
			return
		case <-l.ticker.C:
			c.tick(l)
		case ev, ok := <-l.events:
			if !ok {
				c.teardown(l, c.failure(transport.ErrRemoteClosed))
				return
			}
			if out, done := c.handleEvent(l, ev); done {
				c.teardown(l, out)
				return
			}
		case block, ok := <-l.blocks:
			if !ok {
				c.teardown(l, c.failure(capture.ErrDeviceLost))
				return
			}
			if out, done := c.handleBlock(l, block); done {
				c.teardown(l, out)
				return
			}
		}
	}
}

func (c *Controller) failure(cause error) outcome {
	return outcome{status: StatusError, reason: string(reliability.Classify(cause)), cause: cause}
}

func (c *Controller) handleBlock(l *live, block []float32) (outcome, bool) {
	if l.blocks == nil {
		return outcome{}, false
	}
	if !l.stream.Active() {
		return c.failure(capture.ErrDeviceLost), true
	}
	frame := l.encoder.Encode(block)
	if err := l.conn.SendFrame(frame); err != nil {
		c.logger.Debug("dropped outbound frame", zap.String("session_id", l.id), zap.Int("seq", frame.Seq), zap.Error(err))
		return outcome{}, false
	}
	c.deps.Metrics.FrameSent()
	return outcome{}, false
}

func (c *Controller) handleEvent(l *live, ev transport.Event) (outcome, bool) {
	switch ev.Type {
	case transport.EventChunk:
		rate := ev.SampleRate
		if rate <= 0 {
			rate = audio.PlaybackSampleRate
		}
		if _, err := l.scheduler.Enqueue(ev.Chunk, rate); err != nil {
			if errors.Is(err, audio.ErrDecode) {
				c.deps.Metrics.ChunkDropped()
			} else if errors.Is(err, playback.ErrStalled) {
				c.logger.Warn("playback output stalled", zap.String("session_id", l.id), zap.Error(err))
				return c.failure(err), true
			} else {
				c.logger.Warn("failed to schedule chunk", zap.String("session_id", l.id), zap.Error(err))
			}
			return outcome{}, false
		}
		c.deps.Metrics.ChunkScheduled()
	case transport.EventTranscript:
		if msg, ok := l.agg.Add(ev.Transcript); ok {
			c.publishMessage(l, msg)
		}
		if src, text, ok := l.agg.Pending(); ok {
			c.emit(l, protocol.TranscriptPartial{
				Type:      protocol.TypeTranscriptPart,
				SessionID: l.id,
				Role:      string(src.Role()),
				Text:      text,
			})
		}
	case transport.EventInterrupted:
		if err := l.scheduler.Interrupt(); err != nil {
			c.logger.Warn("failed to flush playback", zap.String("session_id", l.id), zap.Error(err))
		}
		c.deps.Metrics.SessionEvent("interrupted")
	case transport.EventTurnComplete:
		c.deps.Metrics.SessionEvent("turn_complete")
	case transport.EventError:
		cause := ev.Err
		if cause == nil {
			cause = transport.ErrRemoteClosed
		}
		c.deps.Metrics.TransportError(c.cfg.TransportName, string(reliability.Classify(cause)))
		return c.failure(cause), true
	case transport.EventClose:
		c.deps.Metrics.TransportError(c.cfg.TransportName, string(reliability.CodeTransportError))
		return c.failure(transport.ErrRemoteClosed), true
	}
	return outcome{}, false
}

func (c *Controller) tick(l *live) {
	elapsed := c.clock.Now().Sub(l.connectedAt)
	remaining := c.cfg.Budget - elapsed
	if remaining < 0 {
		remaining = 0
	}
	secs := int(remaining.Round(time.Second) / time.Second)

	c.mu.Lock()
	if c.current != nil && c.current.generation == l.gen {
		c.current.QuotaSecondsRemaining = secs
	}
	c.mu.Unlock()

	c.emit(l, protocol.Countdown{
		Type:             protocol.TypeCountdown,
		SessionID:        l.id,
		ElapsedSeconds:   int(elapsed.Round(time.Second) / time.Second),
		RemainingSeconds: secs,
	})
}

// teardown releases every resource in a fixed order and publishes the
// terminal status last. A second call for the same session is a no-op.
func (c *Controller) teardown(l *live, out outcome) Session {
	if l.tornDown {
		return c.Snapshot()
	}
	l.tornDown = true
	var errs []error

	// 1. countdown
	if l.ticker != nil {
		l.ticker.Stop()
	}
	if l.deadline != nil {
		l.deadline.Stop()
	}
	// 2. microphone tracks
	if l.stream != nil {
		errs = append(errs, l.stream.StopTracks())
	}
	// 3. encoder
	l.blocks = nil
	// 4. input context
	if l.stream != nil {
		errs = append(errs, l.stream.Close())
	}
	// 5. output context
	errs = append(errs, l.scheduler.Close())
	// 6. transport
	if l.conn != nil {
		errs = append(errs, l.conn.Close())
	}
	if l.cancel != nil {
		l.cancel()
	}
	if err := errors.Join(errs...); err != nil {
		c.logger.Warn("resource release reported errors", zap.String("session_id", l.id), zap.Error(err))
	}

	// 7. transcript
	if msg, ok := l.agg.Flush(); ok {
		c.publishMessage(l, msg)
	}
	c.finalizeEntry(l, out)

	// 8. terminal status
	now := c.clock.Now()
	c.mu.Lock()
	if c.current != nil && c.current.generation == l.gen {
		c.current.Status = out.status
		c.current.Reason = out.reason
		c.current.EndedAt = now
		c.current.Messages = l.agg.Len()
	}
	c.busy = false
	c.live = nil
	c.cancelAcquire = nil
	c.stopRequested = false
	c.idleSince = now
	snap := *c.current
	c.mu.Unlock()

	var connectedFor time.Duration
	if l.connected {
		connectedFor = now.Sub(l.connectedAt)
	}
	c.deps.Metrics.SessionFinished(connectedFor)
	c.deps.Metrics.SessionEvent(string(out.status))
	if out.status == StatusError {
		c.deps.Metrics.ObserveIndicator(out.reason)
		code := reliability.Code(out.reason)
		detail := ""
		if out.cause != nil {
			detail = out.cause.Error()
		}
		c.deps.Notify(protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: l.id,
			Code:      out.reason,
			Source:    "session",
			Retryable: reliability.IsRetryable(code),
			Detail:    detail,
		})
	}
	c.publishStatus(snap)
	c.logger.Info("voice session finished",
		zap.String("session_id", l.id),
		zap.String("status", string(out.status)),
		zap.String("reason", out.reason),
		zap.Int("messages", snap.Messages),
		zap.Int("frames_sent", l.encoder.Sent()),
		zap.Duration("connected_for", connectedFor),
	)
	return snap
}

// finalizeEntry records the session outcome. Any transcript is kept, even
// after an error; a session that never exchanged anything is failed unless
// it connected and ended gracefully.
func (c *Controller) finalizeEntry(l *live, out outcome) {
	if l.entryID == "" {
		return
	}
	msgs := l.agg.Messages()
	result := recorder.Result{Status: recorder.StatusFailed}
	switch {
	case len(msgs) > 0:
		result = recorder.Result{Status: recorder.StatusCompleted, Transcript: msgs}
	case l.connected && out.status == StatusEnded:
		result = recorder.Result{Status: recorder.StatusCompleted}
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultFinalizeTimeout)
	defer cancel()
	if err := c.deps.Recorder.FinalizeEntry(ctx, l.entryID, result); err != nil {
		c.logger.Error("failed to finalize session entry",
			zap.String("session_id", l.id),
			zap.String("entry_id", l.entryID),
			zap.Error(err),
		)
	}
}

func (c *Controller) publishMessage(l *live, msg transcript.Message) {
	c.emit(l, protocol.TranscriptMessage{
		Type:      protocol.TypeTranscriptMsg,
		SessionID: l.id,
		Index:     l.agg.Len() - 1,
		Role:      string(msg.Role),
		Text:      msg.Text,
	})
}

func (c *Controller) publishStatus(s Session) {
	msg := protocol.SessionStatus{
		Type:      protocol.TypeSessionStatus,
		SessionID: s.ID,
		Status:    string(s.Status),
		Reason:    s.Reason,
	}
	if !s.StartedAt.IsZero() {
		msg.StartedAt = s.StartedAt.UnixMilli()
	}
	c.deps.Notify(msg)
}

// emit drops notifications from a session that is no longer current.
func (c *Controller) emit(l *live, msg any) {
	c.mu.Lock()
	stale := c.current == nil || c.current.generation != l.gen
	c.mu.Unlock()
	if stale {
		return
	}
	c.deps.Notify(msg)
}

func (c *Controller) observeStage(stage string, begin time.Time) {
	c.deps.Metrics.ObserveConnectStage(stage, c.clock.Now().Sub(begin))
}
