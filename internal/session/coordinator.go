// Package session bridges a live telephony leg to a conversational AI leg
// for the lifetime of one call.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/troikatech/callbridge/internal/broadcast"
	"github.com/troikatech/callbridge/pkg/audio"
	"github.com/troikatech/callbridge/pkg/logger"
	"github.com/troikatech/callbridge/pkg/metrics"
)

const (
	sourceTelephony = "telephony"
	sourceAI        = "ai"
	sourceShutdown  = "shutdown"
)

type Config struct {
	// StartTimeout bounds fetching the signed URL and opening the AI leg.
	StartTimeout time.Duration
	// GracePeriod bounds draining queued playback before both legs close.
	GracePeriod          time.Duration
	MaxConsecutiveErrors int
	QueueFrames          int
}

func DefaultConfig() Config {
	return Config{
		StartTimeout:         10 * time.Second,
		GracePeriod:          400 * time.Millisecond,
		MaxConsecutiveErrors: 5,
		QueueFrames:          500,
	}
}

type StartParams struct {
	CallSID     string
	StreamSID   string
	ClientName  string
	PhoneNumber string
}

// Outcome describes how a session ended.
type Outcome struct {
	CallSID        string
	ConversationID string
	State          State
	// EndedBy is the leg (or shutdown) that ended the session first.
	EndedBy  string
	Err      error
	BargeIns int
	Duration time.Duration
}

type Coordinator struct {
	dialer     AIDialer
	terminator CallTerminator
	publisher  Publisher
	linker     ConversationLinker
	transcoder audio.Transcoder
	cfg        Config
	logger     *zap.Logger

	active atomic.Int64
}

// NewCoordinator wires the collaborators shared by every session. publisher,
// linker and transcoder may be nil.
func NewCoordinator(dialer AIDialer, terminator CallTerminator, publisher Publisher, linker ConversationLinker, transcoder audio.Transcoder, cfg Config, log *zap.Logger) *Coordinator {
	def := DefaultConfig()
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = def.StartTimeout
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = def.GracePeriod
	}
	if cfg.MaxConsecutiveErrors <= 0 {
		cfg.MaxConsecutiveErrors = def.MaxConsecutiveErrors
	}
	if cfg.QueueFrames <= 0 {
		cfg.QueueFrames = def.QueueFrames
	}
	if transcoder == nil {
		transcoder = audio.Passthrough()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Coordinator{
		dialer:     dialer,
		terminator: terminator,
		publisher:  publisher,
		linker:     linker,
		transcoder: transcoder,
		cfg:        cfg,
		logger:     log,
	}
}

// Active returns the number of bridged sessions.
func (c *Coordinator) Active() int {
	return int(c.active.Load())
}

// Run starts a session and blocks until it ends.
func (c *Coordinator) Run(ctx context.Context, tel TelephonyLeg, p StartParams) (Outcome, error) {
	s, err := c.Start(ctx, tel, p)
	if err != nil {
		return Outcome{CallSID: p.CallSID, State: StateFailed, Err: err}, err
	}
	return s.Wait(), nil
}

// Start opens the AI leg for an accepted telephony leg and begins forwarding.
// If the AI leg cannot be opened the telephony leg is closed, the call is
// hung up and the error wraps ErrStartFailed.
func (c *Coordinator) Start(ctx context.Context, tel TelephonyLeg, p StartParams) (*Session, error) {
	log := c.logger.With(logger.CallSID(p.CallSID))
	s := &Session{
		coord:    c,
		params:   p,
		tel:      tel,
		logger:   log,
		queue:    NewPlaybackQueue(c.cfg.QueueFrames),
		toAI:     make(chan []byte, 64),
		pongs:    make(chan int64, 8),
		control:  make(chan AIEvent, 64),
		clearReq: make(chan struct{}, 1),
		ended:    make(chan struct{}),
		done:     make(chan struct{}),
		started:  time.Now(),
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.StartTimeout)
	ai, err := c.dialer.Dial(dialCtx)
	cancel()
	if err != nil {
		return nil, c.reject(s, fmt.Errorf("open ai leg: %w", err))
	}
	s.ai = ai
	s.setState(StateConnecting)

	vars := map[string]string{
		"client_name":  p.ClientName,
		"phone_number": p.PhoneNumber,
	}
	if err := ai.SendInitiation(vars); err != nil {
		_ = ai.Close()
		return nil, c.reject(s, fmt.Errorf("send initiation: %w", err))
	}

	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.setState(StateActive)
	c.active.Add(1)
	metrics.SessionStarted()
	log.Info("Session active", logger.MaskPhone("phone_number", p.PhoneNumber))

	if c.publisher != nil {
		c.publisher.Publish(broadcast.EventCallInProgress, map[string]any{
			"call_sid":     p.CallSID,
			"stream_sid":   p.StreamSID,
			"client_name":  p.ClientName,
			"phone_number": p.PhoneNumber,
		})
	}

	s.wg.Add(5)
	go s.callerLoop()
	go s.agentLoop()
	go s.aiWriter()
	go s.controlLoop()
	go s.playbackLoop()
	go s.supervise()

	go func() {
		select {
		case <-ctx.Done():
			s.finish(endReason{source: sourceShutdown, err: ctx.Err()})
		case <-s.ended:
		}
	}()

	return s, nil
}

func (c *Coordinator) reject(s *Session, err error) error {
	s.setState(StateFailed)
	metrics.SessionRejected()
	s.logger.Error("Session start failed", zap.Error(err))
	_ = s.tel.Close()
	c.hangUp(s.params.CallSID, s.logger)
	return fmt.Errorf("%w: %w", ErrStartFailed, err)
}

func (c *Coordinator) hangUp(callSID string, log *zap.Logger) {
	if c.terminator == nil || callSID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.terminator.EndCall(ctx, callSID); err != nil {
		log.Warn("Failed to end call", zap.Error(err))
	}
}

type endReason struct {
	source   string
	terminal bool
	err      error
}

// Session is one bridged call. The telephony and AI legs are owned by the
// session's goroutines; nothing else writes to them.
type Session struct {
	coord  *Coordinator
	params StartParams
	tel    TelephonyLeg
	ai     AILeg
	logger *zap.Logger
	queue  *PlaybackQueue

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	toAI     chan []byte
	pongs    chan int64
	control  chan AIEvent
	clearReq chan struct{}

	state          atomic.Int32
	conversationID atomic.Value
	bargeIns       atomic.Int64
	started        time.Time

	endOnce sync.Once
	reason  endReason
	ended   chan struct{}

	done    chan struct{}
	outcome Outcome
}

func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) CallSID() string {
	return s.params.CallSID
}

func (s *Session) ConversationID() string {
	id, _ := s.conversationID.Load().(string)
	return id
}

// Done is closed once both legs are closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the session has ended.
func (s *Session) Wait() Outcome {
	<-s.done
	return s.outcome
}

// Stop ends the session as if the call had been dropped.
func (s *Session) Stop(err error) {
	s.finish(endReason{source: sourceShutdown, err: err})
}

func (s *Session) setState(to State) bool {
	for {
		from := State(s.state.Load())
		if !canMove(from, to) {
			return false
		}
		if s.state.CompareAndSwap(int32(from), int32(to)) {
			s.logger.Debug("Session state", zap.Stringer("from", from), zap.Stringer("to", to))
			return true
		}
	}
}

func (s *Session) finish(r endReason) {
	s.endOnce.Do(func() {
		s.reason = r
		close(s.ended)
	})
}

// readFailed classifies a read error. It returns true when the loop must stop.
func (s *Session) readFailed(source string, err error, errs *int) bool {
	if errors.Is(err, ErrBadFrame) {
		*errs++
		s.logger.Warn("Dropped bad frame", zap.String("leg", source), zap.Error(err))
		if *errs >= s.coord.cfg.MaxConsecutiveErrors {
			s.finish(endReason{source: source, err: fmt.Errorf("%d consecutive %s errors: %w", *errs, source, err)})
			return true
		}
		return false
	}
	if errors.Is(err, ErrLegEnded) {
		s.finish(endReason{source: source, terminal: true})
		return true
	}
	s.finish(endReason{source: source, err: err})
	return true
}

// writeFailed counts a failed write and ends the session past the threshold.
func (s *Session) writeFailed(source string, err error, errs *int) bool {
	*errs++
	s.logger.Warn("Write failed", zap.String("leg", source), zap.Error(err))
	if *errs >= s.coord.cfg.MaxConsecutiveErrors {
		s.finish(endReason{source: source, err: fmt.Errorf("%d consecutive %s write errors: %w", *errs, source, err)})
		return true
	}
	return false
}

// callerLoop forwards caller audio to the AI leg. Every caller frame flushes
// agent audio that has not been written yet.
func (s *Session) callerLoop() {
	defer s.wg.Done()
	errs := 0
	for {
		ev, err := s.tel.ReadEvent()
		if err != nil {
			if s.readFailed(sourceTelephony, err, &errs) {
				return
			}
			continue
		}
		errs = 0
		if ev.Kind != TelephonyAudio {
			continue
		}
		if n := s.queue.Flush(); n > 0 {
			s.bargeIns.Add(1)
			metrics.BargeIn(n)
		}
		select {
		case s.toAI <- s.coord.transcoder.ToAI(ev.Audio):
		case <-s.ctx.Done():
			return
		}
	}
}

// agentLoop queues agent audio for playback and hands everything else to
// controlLoop without blocking.
func (s *Session) agentLoop() {
	defer s.wg.Done()
	errs := 0
	for {
		ev, err := s.ai.ReadEvent()
		if err != nil {
			if s.readFailed(sourceAI, err, &errs) {
				return
			}
			continue
		}
		errs = 0
		switch ev.Kind {
		case AIAudio:
			s.queue.Enqueue(s.coord.transcoder.ToCaller(ev.Audio))
		case AIOther:
		default:
			select {
			case s.control <- ev:
			default:
				s.logger.Warn("Control queue full, event dropped", zap.Int("kind", int(ev.Kind)))
			}
		}
	}
}

// aiWriter is the only writer on the AI leg.
func (s *Session) aiWriter() {
	defer s.wg.Done()
	errs := 0
	for {
		var err error
		select {
		case <-s.ctx.Done():
			return
		case frame := <-s.toAI:
			err = s.ai.SendAudio(frame)
		case id := <-s.pongs:
			err = s.ai.SendPong(id)
		}
		if err == nil {
			errs = 0
			continue
		}
		if s.writeFailed(sourceAI, err, &errs) {
			return
		}
	}
}

func (s *Session) controlLoop() {
	defer s.wg.Done()
	for {
		var ev AIEvent
		select {
		case <-s.ctx.Done():
			return
		case ev = <-s.control:
		}

		switch ev.Kind {
		case AIMetadata:
			s.link(ev.ConversationID)
		case AIInterruption:
			if n := s.queue.Flush(); n > 0 {
				metrics.BargeIn(n)
			}
			select {
			case s.clearReq <- struct{}{}:
			default:
			}
		case AIPing:
			select {
			case s.pongs <- ev.EventID:
			case <-s.ctx.Done():
				return
			}
		case AIUserTranscript:
			s.logger.Debug("Caller said", zap.String("text", ev.Text))
		case AIAgentResponse:
			s.logger.Debug("Agent said", zap.String("text", ev.Text))
		case AIToolCall:
			s.logger.Info("Agent tool call", zap.String("tool", ev.ToolName))
			if ev.ToolName == endCallTool {
				s.finish(endReason{source: sourceAI, terminal: true})
			}
		}
	}
}

func (s *Session) link(conversationID string) {
	if conversationID == "" {
		return
	}
	s.conversationID.Store(conversationID)
	s.logger.Info("Conversation started", logger.ConversationID(conversationID))
	if s.coord.linker == nil {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	if err := s.coord.linker.LinkConversation(ctx, conversationID, s.params.CallSID); err != nil {
		s.logger.Warn("Failed to link conversation", logger.ConversationID(conversationID), zap.Error(err))
	}
}

// playbackLoop is the only writer on the telephony leg.
func (s *Session) playbackLoop() {
	defer s.wg.Done()
	errs := 0
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.clearReq:
			if err := s.tel.WriteClear(); err != nil {
				if s.writeFailed(sourceTelephony, err, &errs) {
					return
				}
			}
		case <-s.queue.Ready():
			for {
				if s.ctx.Err() != nil {
					return
				}
				frame, ok := s.queue.Pop()
				if !ok {
					break
				}
				if err := s.tel.WriteAudio(frame); err != nil {
					if s.writeFailed(sourceTelephony, err, &errs) {
						return
					}
					continue
				}
				errs = 0
			}
		}
	}
}

func (s *Session) supervise() {
	<-s.ended
	r := s.reason
	s.setState(StateClosing)

	// The caller can still hear queued agent audio unless their leg is gone.
	if r.source != sourceTelephony {
		s.drain(s.coord.cfg.GracePeriod)
	}

	s.cancel()
	_ = s.tel.Close()
	_ = s.ai.Close()
	s.wg.Wait()

	final := StateCompleted
	if !r.terminal {
		final = StateFailed
	}
	s.setState(final)
	s.coord.active.Add(-1)
	metrics.SessionEnded(final.String())

	s.outcome = Outcome{
		CallSID:        s.params.CallSID,
		ConversationID: s.ConversationID(),
		State:          final,
		EndedBy:        r.source,
		Err:            r.err,
		BargeIns:       int(s.bargeIns.Load()),
		Duration:       time.Since(s.started),
	}

	fields := []zap.Field{
		zap.Stringer("state", final),
		zap.String("ended_by", r.source),
		zap.Duration("duration", s.outcome.Duration),
	}
	if r.err != nil {
		fields = append(fields, zap.Error(r.err))
	}
	if final == StateFailed {
		s.logger.Warn("Session failed", fields...)
		s.coord.hangUp(s.params.CallSID, s.logger)
	} else {
		s.logger.Info("Session completed", fields...)
	}
	close(s.done)
}

func (s *Session) drain(grace time.Duration) {
	deadline := time.NewTimer(grace)
	defer deadline.Stop()
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for s.queue.Len() > 0 {
		select {
		case <-deadline.C:
			return
		case <-tick.C:
		}
	}
}
