package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/language"
	"github.com/loqalabs/loqa-scribe/internal/recognition"
	"github.com/loqalabs/loqa-scribe/internal/transcript"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type Status string

const (
	StatusIdle      Status = "idle"
	StatusRecording Status = "recording"
	StatusPaused    Status = "paused" // declared for clients, never entered
	StatusError     Status = "error"
)

// ErrClosed is returned by operations on a closed controller.
var ErrClosed = errors.New("controller closed")

// Snapshot is a consistent view of the controller for rendering.
type Snapshot struct {
	Status   Status               `json:"status"`
	Message  string               `json:"message,omitempty"`
	Language language.Language    `json:"language"`
	Segments []transcript.Segment `json:"segments"`
}

// AfterFunc schedules f after d and returns a function that cancels it.
type AfterFunc func(d time.Duration, f func()) (stop func() bool)

func timeAfterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

type Option func(*Controller)

func WithLanguage(lang language.Language) Option {
	return func(c *Controller) { c.lang = lang }
}

// WithRestartDelay sets the wait before the single deferred restart retry.
func WithRestartDelay(d time.Duration) Option {
	return func(c *Controller) { c.restartDelay = d }
}

func WithRecognitionMode(continuous, interim bool) Option {
	return func(c *Controller) {
		c.continuous = continuous
		c.interim = interim
	}
}

func WithClock(clock func() time.Time) Option {
	return func(c *Controller) { c.clock = clock }
}

func WithAfterFunc(fn AfterFunc) Option {
	return func(c *Controller) { c.afterFunc = fn }
}

// Controller owns at most one recognition session and drives the
// idle/recording/error state machine around it.
type Controller struct {
	engine       recognition.Engine
	log          *slog.Logger
	tracer       trace.Tracer
	metrics      *metrics
	clock        func() time.Time
	afterFunc    AfterFunc
	restartDelay time.Duration
	continuous   bool
	interim      bool

	mu         sync.Mutex
	status     Status
	message    string
	lang       language.Language
	listening  bool
	failed     bool
	session    recognition.Session
	handler    *sessionHandler
	generation uint64
	stopRetry  func() bool
	closed     bool

	segments transcript.Log

	subMu   sync.Mutex
	subs    map[int]chan Snapshot
	nextSub int
}

func New(engine recognition.Engine, log *slog.Logger, opts ...Option) *Controller {
	c := &Controller{
		engine:       engine,
		log:          log.With(slog.String("component", "session-controller")),
		tracer:       otel.Tracer("github.com/loqalabs/loqa-scribe/controller"),
		clock:        time.Now,
		afterFunc:    timeAfterFunc,
		restartDelay: 100 * time.Millisecond,
		continuous:   true,
		interim:      true,
		status:       StatusIdle,
		lang:         language.Default(),
		subs:         make(map[int]chan Snapshot),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.metrics = newMetrics(c.log)
	return c
}

// Start replaces any current session with a new one in the selected
// language. Failures leave the controller in StatusError.
func (c *Controller) Start() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	old := c.session
	c.session = nil
	c.handler = nil
	c.generation++
	gen := c.generation
	c.failed = false
	c.cancelRetryLocked()
	opts := recognition.Options{Language: c.lang.Code, Continuous: c.continuous, InterimResults: c.interim}
	c.mu.Unlock()

	_, span := c.tracer.Start(context.Background(), "controller.start",
		trace.WithAttributes(attribute.String("language", opts.Language)))
	defer span.End()

	if old != nil {
		if err := old.Stop(); err != nil {
			c.log.Warn("failed to stop previous session", slogError(err))
		}
	}

	handler := &sessionHandler{c: c, generation: gen}
	session, err := c.engine.NewSession(opts, handler)
	if err != nil {
		span.RecordError(err)
		c.fail(gen, MessageUnsupported)
		c.log.Error("failed to create recognition session", slogError(err))
		return fmt.Errorf("create recognition session: %w", err)
	}

	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		_ = session.Abort()
		return nil
	}
	c.session = session
	c.handler = handler
	c.mu.Unlock()

	if err := session.Start(); err != nil {
		span.RecordError(err)
		c.fail(gen, MessageUnsupported)
		c.log.Error("failed to start recognition session", slogError(err))
		return fmt.Errorf("start recognition session: %w", err)
	}

	c.mu.Lock()
	if gen != c.generation || c.session != session {
		// Stopped or replaced while the engine was starting.
		c.mu.Unlock()
		c.abortOrphan(session, handler)
		return nil
	}
	changed := false
	if !c.failed {
		c.listening = true
		changed = c.status != StatusRecording || c.message != ""
		c.status = StatusRecording
		c.message = ""
	}
	c.mu.Unlock()
	if changed {
		c.notify()
	}
	c.log.Info("recognition started", slog.String("language", opts.Language))
	return nil
}

// Stop ends the current session and returns to idle. Calling it again is a no-op.
func (c *Controller) Stop() error {
	c.mu.Lock()
	c.listening = false
	c.cancelRetryLocked()
	session := c.session
	c.session = nil
	c.handler = nil
	if session != nil {
		c.generation++
	}
	changed := session != nil || c.status != StatusIdle || c.message != ""
	c.status = StatusIdle
	c.message = ""
	c.mu.Unlock()

	if changed {
		c.notify()
	}
	if session == nil {
		return nil
	}
	c.log.Info("recognition stopped")
	if err := session.Stop(); err != nil {
		return fmt.Errorf("stop recognition session: %w", err)
	}
	return nil
}

func (c *Controller) Toggle() error {
	c.mu.Lock()
	status := c.status
	c.mu.Unlock()

	switch status {
	case StatusIdle, StatusError:
		return c.Start()
	case StatusRecording:
		return c.Stop()
	}
	return nil
}

// SetLanguage selects a catalogue locale. While recording, the session is
// stopped and started again in the new language; the transcript is kept.
func (c *Controller) SetLanguage(code string) error {
	lang, err := language.Lookup(code)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	changed := c.lang != lang
	c.lang = lang
	recording := c.status == StatusRecording
	c.mu.Unlock()

	if !changed {
		return nil
	}
	c.notify()
	if !recording {
		return nil
	}
	if err := c.Stop(); err != nil {
		c.log.Warn("failed to stop session for language change", slogError(err))
	}
	return c.Start()
}

// Close releases the session and all subscribers.
func (c *Controller) Close() error {
	err := c.Stop()

	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.subMu.Lock()
	for id, ch := range c.subs {
		close(ch)
		delete(c.subs, id)
	}
	c.subMu.Unlock()
	return err
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	snap := Snapshot{Status: c.status, Message: c.message, Language: c.lang}
	c.mu.Unlock()
	snap.Segments = c.segments.Segments()
	return snap
}

// Subscribe returns a channel receiving the latest snapshot after every
// change. Slow readers only see the most recent one.
func (c *Controller) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)

	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	c.subMu.Unlock()

	cancel := func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		if _, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}

// notify must not be called with mu held.
func (c *Controller) notify() {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if len(c.subs) == 0 {
		return
	}
	snap := c.Snapshot()
	for _, ch := range c.subs {
		select {
		case <-ch:
		default:
		}
		ch <- snap
	}
}

func (c *Controller) fail(gen uint64, message string) {
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}
	c.session = nil
	c.handler = nil
	c.listening = false
	c.failed = true
	c.status = StatusError
	c.message = message
	c.mu.Unlock()
	c.notify()
}

func (c *Controller) handleStart(gen uint64) {
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}
	c.listening = true
	c.status = StatusRecording
	c.message = ""
	c.mu.Unlock()
	c.notify()
}

// handleResult appends the final results of an event. Results of replaced
// sessions are kept too, so nothing recognized before a restart is lost.
func (c *Controller) handleResult(h *sessionHandler, evt recognition.ResultEvent) {
	if h.released.Load() {
		return
	}
	start := evt.ResultIndex
	if start < 0 {
		start = 0
	}
	appended := 0
	for i := start; i < len(evt.Results); i++ {
		result := evt.Results[i]
		if !result.Final || len(result.Alternatives) == 0 {
			continue
		}
		best := result.Alternatives[0]
		c.segments.Append(transcript.Segment{
			Text:       strings.TrimSpace(best.Transcript),
			Timestamp:  c.clock(),
			Confidence: clampConfidence(best.Confidence),
		})
		appended++
	}
	if appended > 0 {
		c.metrics.segmentsAppended(appended)
		c.notify()
	}
}

// clampConfidence keeps engine-reported confidence within [0,1].
func clampConfidence(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	return min(v, 1)
}

func (c *Controller) handleError(gen uint64, evt recognition.ErrorEvent) {
	c.log.Warn("recognition error", slog.String("code", string(evt.Code)), slog.String("message", evt.Message))
	c.metrics.recognitionError(evt.Code)

	if evt.Code == recognition.ErrorNoSpeech {
		c.restart(gen)
		return
	}

	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}
	c.cancelRetryLocked()
	c.listening = false
	c.failed = true
	c.status = StatusError
	c.message = MessageFor(evt.Code)
	c.mu.Unlock()
	c.notify()
}

func (c *Controller) handleEnd(gen uint64) {
	c.restart(gen)
}

// restart makes one immediate attempt to start the session again and, if
// that fails, schedules exactly one retry after restartDelay.
func (c *Controller) restart(gen uint64) {
	c.mu.Lock()
	if gen != c.generation || !c.listening || c.session == nil {
		c.mu.Unlock()
		return
	}
	session, handler := c.session, c.handler
	c.cancelRetryLocked()
	c.mu.Unlock()

	c.metrics.restarted()
	err := session.Start()
	if err == nil {
		if !c.owns(gen, session) {
			c.abortOrphan(session, handler)
		}
		return
	}
	c.log.Warn("recognition restart failed, retrying", slogError(err), slog.Duration("delay", c.restartDelay))

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.generation || !c.listening {
		return
	}
	c.stopRetry = c.afterFunc(c.restartDelay, func() { c.retry(gen, session, handler) })
}

func (c *Controller) retry(gen uint64, session recognition.Session, handler *sessionHandler) {
	c.mu.Lock()
	c.stopRetry = nil
	if gen != c.generation || !c.listening {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.metrics.restarted()
	if err := session.Start(); err != nil {
		c.metrics.restartAbandoned()
		c.log.Error("failed to restart recognition", slogError(err))
		return
	}
	if !c.owns(gen, session) {
		c.abortOrphan(session, handler)
	}
}

// owns reports whether session is still the listening session of generation gen.
func (c *Controller) owns(gen uint64, session recognition.Session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen == c.generation && c.listening && c.session == session
}

// abortOrphan aborts a session that started after the controller let go of
// it. Anything it recognizes afterwards is dropped.
func (c *Controller) abortOrphan(session recognition.Session, handler *sessionHandler) {
	if handler != nil {
		handler.released.Store(true)
	}
	c.log.Debug("aborting session released during start")
	if err := session.Abort(); err != nil {
		c.log.Warn("failed to abort released session", slogError(err))
	}
}

// cancelRetryLocked must be called with mu held.
func (c *Controller) cancelRetryLocked() {
	if c.stopRetry != nil {
		c.stopRetry()
		c.stopRetry = nil
	}
}

// sessionHandler binds callbacks to the session generation they belong to.
type sessionHandler struct {
	c          *Controller
	generation uint64
	released   atomic.Bool
}

func (h *sessionHandler) OnStart()                             { h.c.handleStart(h.generation) }
func (h *sessionHandler) OnResult(evt recognition.ResultEvent) { h.c.handleResult(h, evt) }
func (h *sessionHandler) OnError(evt recognition.ErrorEvent)   { h.c.handleError(h.generation, evt) }
func (h *sessionHandler) OnEnd()                               { h.c.handleEnd(h.generation) }

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
