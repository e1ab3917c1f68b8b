package controller

import (
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/recognition"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeEngine struct {
	mu          sync.Mutex
	unavailable bool
	startErrs   []error
	sessions    []*fakeSession
	beforeStart func()
}

func (e *fakeEngine) NewSession(opts recognition.Options, handler recognition.Handler) (recognition.Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.unavailable {
		return nil, recognition.ErrUnavailable
	}
	s := &fakeSession{opts: opts, handler: handler, startErrs: e.startErrs, beforeStart: e.beforeStart}
	e.startErrs = nil
	e.sessions = append(e.sessions, s)
	return s, nil
}

func (e *fakeEngine) session(t *testing.T, i int) *fakeSession {
	t.Helper()
	e.mu.Lock()
	defer e.mu.Unlock()
	require.Greater(t, len(e.sessions), i, "session %d was never created", i)
	return e.sessions[i]
}

func (e *fakeEngine) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}

type fakeSession struct {
	opts    recognition.Options
	handler recognition.Handler

	mu          sync.Mutex
	starts      int
	stops       int
	aborts      int
	startErrs   []error
	beforeStart func()
}

// Start runs the beforeStart hook once, outside the session lock, so the hook
// can call back into the controller.
func (s *fakeSession) Start() error {
	s.mu.Lock()
	hook := s.beforeStart
	s.beforeStart = nil
	s.mu.Unlock()
	if hook != nil {
		hook()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.starts++
	if len(s.startErrs) > 0 {
		err := s.startErrs[0]
		s.startErrs = s.startErrs[1:]
		return err
	}
	return nil
}

func (s *fakeSession) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops++
	return nil
}

func (s *fakeSession) Abort() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aborts++
	return nil
}

func (s *fakeSession) setBeforeStart(hook func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.beforeStart = hook
}

func (s *fakeSession) abortCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborts
}

func (s *fakeSession) failNextStarts(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startErrs = append(s.startErrs, errs...)
}

func (s *fakeSession) counts() (starts, stops int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.starts, s.stops
}

type scheduled struct {
	delay     time.Duration
	fn        func()
	cancelled bool
}

type fakeScheduler struct {
	mu    sync.Mutex
	tasks []*scheduled
}

func (f *fakeScheduler) AfterFunc(d time.Duration, fn func()) func() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	task := &scheduled{delay: d, fn: fn}
	f.tasks = append(f.tasks, task)
	return func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		was := !task.cancelled
		task.cancelled = true
		return was
	}
}

func (f *fakeScheduler) pending() []*scheduled {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*scheduled
	for _, task := range f.tasks {
		if !task.cancelled {
			out = append(out, task)
		}
	}
	return out
}

// fire runs every pending task once.
func (f *fakeScheduler) fire() {
	tasks := f.pending()
	f.mu.Lock()
	for _, task := range tasks {
		task.cancelled = true
	}
	f.mu.Unlock()
	for _, task := range tasks {
		task.fn()
	}
}

var fixedNow = time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)

func newController(engine *fakeEngine, sched *fakeScheduler) *Controller {
	return New(engine, newLogger(),
		WithClock(func() time.Time { return fixedNow }),
		WithAfterFunc(sched.AfterFunc),
	)
}

func TestToggleStartsRecording(t *testing.T) {
	engine := &fakeEngine{}
	c := newController(engine, &fakeScheduler{})

	require.Equal(t, StatusIdle, c.Status())
	require.NoError(t, c.Toggle())

	assert.Equal(t, StatusRecording, c.Status())
	session := engine.session(t, 0)
	assert.Equal(t, recognition.Options{Language: "en-US", Continuous: true, InterimResults: true}, session.opts)
	starts, _ := session.counts()
	assert.Equal(t, 1, starts)
}

func TestToggleStopsRecording(t *testing.T) {
	engine := &fakeEngine{}
	c := newController(engine, &fakeScheduler{})

	require.NoError(t, c.Toggle())
	require.NoError(t, c.Toggle())

	assert.Equal(t, StatusIdle, c.Status())
	_, stops := engine.session(t, 0).counts()
	assert.Equal(t, 1, stops)
}

func TestFinalResultAppendsSegment(t *testing.T) {
	engine := &fakeEngine{}
	c := newController(engine, &fakeScheduler{})
	require.NoError(t, c.Start())
	handler := engine.session(t, 0).handler

	handler.OnResult(recognition.ResultEvent{
		ResultIndex: 0,
		Results: []recognition.Result{{
			Final:        true,
			Alternatives: []recognition.Alternative{{Transcript: "  hello world ", Confidence: 0.92}},
		}},
	})

	segments := c.Snapshot().Segments
	require.Len(t, segments, 1)
	assert.Equal(t, "hello world", segments[0].Text)
	assert.Equal(t, 0.92, segments[0].Confidence)
	assert.Equal(t, fixedNow, segments[0].Timestamp)
}

func TestInterimResultIsNotPersisted(t *testing.T) {
	engine := &fakeEngine{}
	c := newController(engine, &fakeScheduler{})
	require.NoError(t, c.Start())

	engine.session(t, 0).handler.OnResult(recognition.ResultEvent{
		ResultIndex: 0,
		Results: []recognition.Result{{
			Alternatives: []recognition.Alternative{{Transcript: "hello world", Confidence: 0.92}},
		}},
	})

	assert.Empty(t, c.Snapshot().Segments)
}

func TestResultIndexSkipsDeliveredResults(t *testing.T) {
	engine := &fakeEngine{}
	c := newController(engine, &fakeScheduler{})
	require.NoError(t, c.Start())
	handler := engine.session(t, 0).handler

	first := recognition.Result{Final: true, Alternatives: []recognition.Alternative{{Transcript: "one", Confidence: 0.5}}}
	second := recognition.Result{Final: true, Alternatives: []recognition.Alternative{{Transcript: "two", Confidence: 0.6}}}
	handler.OnResult(recognition.ResultEvent{ResultIndex: 0, Results: []recognition.Result{first}})
	handler.OnResult(recognition.ResultEvent{ResultIndex: 1, Results: []recognition.Result{first, second}})

	segments := c.Snapshot().Segments
	require.Len(t, segments, 2)
	assert.Equal(t, "one", segments[0].Text)
	assert.Equal(t, "two", segments[1].Text)
}

func TestNoSpeechRestartsSilently(t *testing.T) {
	engine := &fakeEngine{}
	sched := &fakeScheduler{}
	c := newController(engine, sched)
	require.NoError(t, c.Start())
	session := engine.session(t, 0)

	session.handler.OnError(recognition.ErrorEvent{Code: recognition.ErrorNoSpeech})

	snap := c.Snapshot()
	assert.Equal(t, StatusRecording, snap.Status)
	assert.Empty(t, snap.Message)
	starts, _ := session.counts()
	assert.Equal(t, 2, starts, "expected one immediate restart")
	assert.Empty(t, sched.pending())
}

func TestHardErrorsSetMessage(t *testing.T) {
	cases := map[recognition.ErrorCode]string{
		recognition.ErrorAudioCapture:         MessageNoMicrophone,
		recognition.ErrorNotAllowed:           MessagePermissionDenied,
		recognition.ErrorNetwork:              MessageNetwork,
		recognition.ErrorAborted:              MessageGeneric,
		recognition.ErrorLanguageNotSupported: MessageGeneric,
		recognition.ErrorServiceNotAllowed:    MessageGeneric,
		recognition.ErrorBadGrammar:           MessageGeneric,
		recognition.ErrorNoMatch:              MessageGeneric,
	}
	for code, want := range cases {
		t.Run(string(code), func(t *testing.T) {
			engine := &fakeEngine{}
			c := newController(engine, &fakeScheduler{})
			require.NoError(t, c.Start())
			session := engine.session(t, 0)

			session.handler.OnError(recognition.ErrorEvent{Code: code})
			snap := c.Snapshot()
			assert.Equal(t, StatusError, snap.Status)
			assert.Equal(t, want, snap.Message)

			// the session is no longer intentionally active
			session.handler.OnEnd()
			starts, _ := session.counts()
			assert.Equal(t, 1, starts)
		})
	}
}

func TestStopAfterErrorResetsAndIsIdempotent(t *testing.T) {
	engine := &fakeEngine{}
	c := newController(engine, &fakeScheduler{})
	require.NoError(t, c.Start())
	session := engine.session(t, 0)
	session.handler.OnError(recognition.ErrorEvent{Code: recognition.ErrorNetwork})
	require.Equal(t, StatusError, c.Status())

	require.NoError(t, c.Stop())
	snap := c.Snapshot()
	assert.Equal(t, StatusIdle, snap.Status)
	assert.Empty(t, snap.Message)
	_, stops := session.counts()
	assert.Equal(t, 1, stops)

	require.NoError(t, c.Stop())
	_, stops = session.counts()
	assert.Equal(t, 1, stops)
	assert.Equal(t, StatusIdle, c.Status())
}

func TestToggleFromErrorRetries(t *testing.T) {
	engine := &fakeEngine{}
	c := newController(engine, &fakeScheduler{})
	require.NoError(t, c.Start())
	engine.session(t, 0).handler.OnError(recognition.ErrorEvent{Code: recognition.ErrorNotAllowed})

	require.NoError(t, c.Toggle())
	assert.Equal(t, StatusRecording, c.Status())
	assert.Empty(t, c.Snapshot().Message)
	assert.Equal(t, 2, engine.count())
	_, stops := engine.session(t, 0).counts()
	assert.Equal(t, 1, stops, "failed session must be released before it is replaced")
}

func TestUnavailableCapability(t *testing.T) {
	engine := &fakeEngine{unavailable: true}
	c := newController(engine, &fakeScheduler{})

	err := c.Toggle()
	require.Error(t, err)
	assert.True(t, errors.Is(err, recognition.ErrUnavailable))
	snap := c.Snapshot()
	assert.Equal(t, StatusError, snap.Status)
	assert.Equal(t, MessageUnsupported, snap.Message)

	engine.mu.Lock()
	engine.unavailable = false
	engine.mu.Unlock()
	require.NoError(t, c.Toggle())
	assert.Equal(t, StatusRecording, c.Status())
}

func TestStartFailureReportsError(t *testing.T) {
	engine := &fakeEngine{startErrs: []error{errors.New("boom")}}
	c := newController(engine, &fakeScheduler{})

	require.Error(t, c.Start())
	assert.Equal(t, StatusError, c.Status())
	assert.Equal(t, MessageUnsupported, c.Snapshot().Message)
}

func TestLanguageChangeWhileRecording(t *testing.T) {
	engine := &fakeEngine{}
	c := newController(engine, &fakeScheduler{})
	require.NoError(t, c.Start())
	first := engine.session(t, 0)
	first.handler.OnResult(recognition.ResultEvent{Results: []recognition.Result{
		{Final: true, Alternatives: []recognition.Alternative{{Transcript: "bonjour", Confidence: 0.8}}},
	}})
	before := c.Snapshot().Segments

	require.NoError(t, c.SetLanguage("fr-FR"))

	require.Equal(t, 2, engine.count())
	starts, stops := first.counts()
	assert.Equal(t, 1, starts)
	assert.Equal(t, 1, stops)
	second := engine.session(t, 1)
	assert.Equal(t, "fr-FR", second.opts.Language)
	starts, stops = second.counts()
	assert.Equal(t, 1, starts)
	assert.Equal(t, 0, stops)

	snap := c.Snapshot()
	assert.Equal(t, StatusRecording, snap.Status)
	assert.Equal(t, "fr-FR", snap.Language.Code)
	assert.Equal(t, before, snap.Segments)
}

func TestLanguageChangeWhileIdle(t *testing.T) {
	engine := &fakeEngine{}
	c := newController(engine, &fakeScheduler{})

	require.NoError(t, c.SetLanguage("de-DE"))
	assert.Equal(t, 0, engine.count())
	assert.Equal(t, "de-DE", c.Snapshot().Language.Code)

	require.NoError(t, c.Start())
	assert.Equal(t, "de-DE", engine.session(t, 0).opts.Language)
}

func TestUnknownLanguageRejected(t *testing.T) {
	c := newController(&fakeEngine{}, &fakeScheduler{})
	require.Error(t, c.SetLanguage("tlh"))
	assert.Equal(t, "en-US", c.Snapshot().Language.Code)
}

func TestUnexpectedEndRestartsImmediately(t *testing.T) {
	engine := &fakeEngine{}
	sched := &fakeScheduler{}
	c := newController(engine, sched)
	require.NoError(t, c.Start())
	session := engine.session(t, 0)

	session.handler.OnEnd()

	starts, _ := session.counts()
	assert.Equal(t, 2, starts)
	assert.Empty(t, sched.pending())
	assert.Equal(t, StatusRecording, c.Status())
}

func TestRestartFailureRetriesOnceThenGivesUp(t *testing.T) {
	engine := &fakeEngine{}
	sched := &fakeScheduler{}
	c := newController(engine, sched)
	require.NoError(t, c.Start())
	session := engine.session(t, 0)
	session.failNextStarts(errors.New("busy"), errors.New("still busy"))

	assert.NotPanics(t, session.handler.OnEnd)

	starts, _ := session.counts()
	assert.Equal(t, 2, starts, "one immediate attempt")
	pending := sched.pending()
	require.Len(t, pending, 1)
	assert.Equal(t, 100*time.Millisecond, pending[0].delay)

	assert.NotPanics(t, sched.fire)

	starts, _ = session.counts()
	assert.Equal(t, 3, starts, "exactly one deferred retry")
	assert.Empty(t, sched.pending())
	snap := c.Snapshot()
	assert.Equal(t, StatusRecording, snap.Status)
	assert.Empty(t, snap.Message)
}

func TestDeferredRetrySucceeds(t *testing.T) {
	engine := &fakeEngine{}
	sched := &fakeScheduler{}
	c := newController(engine, sched)
	require.NoError(t, c.Start())
	session := engine.session(t, 0)
	session.failNextStarts(errors.New("busy"))

	session.handler.OnEnd()
	sched.fire()

	starts, _ := session.counts()
	assert.Equal(t, 3, starts)
	assert.Equal(t, StatusRecording, c.Status())
}

func TestStopCancelsDeferredRetry(t *testing.T) {
	engine := &fakeEngine{}
	sched := &fakeScheduler{}
	c := newController(engine, sched)
	require.NoError(t, c.Start())
	session := engine.session(t, 0)
	session.failNextStarts(errors.New("busy"))
	session.handler.OnEnd()
	require.Len(t, sched.pending(), 1)

	require.NoError(t, c.Stop())
	assert.Empty(t, sched.pending())

	starts, _ := session.counts()
	assert.Equal(t, 2, starts)
}

func TestStaleSessionCallbacksIgnored(t *testing.T) {
	engine := &fakeEngine{}
	c := newController(engine, &fakeScheduler{})
	require.NoError(t, c.Start())
	old := engine.session(t, 0)
	require.NoError(t, c.SetLanguage("it-IT"))

	old.handler.OnEnd()
	old.handler.OnError(recognition.ErrorEvent{Code: recognition.ErrorNetwork})

	starts, _ := old.counts()
	assert.Equal(t, 1, starts, "replaced session must not be restarted")
	assert.Equal(t, StatusRecording, c.Status())

	// late final results of the replaced session are still kept
	old.handler.OnResult(recognition.ResultEvent{Results: []recognition.Result{
		{Final: true, Alternatives: []recognition.Alternative{{Transcript: "ciao", Confidence: 0.7}}},
	}})
	assert.Len(t, c.Snapshot().Segments, 1)
}

func TestOnStartClearsError(t *testing.T) {
	engine := &fakeEngine{}
	c := newController(engine, &fakeScheduler{})
	require.NoError(t, c.Start())
	handler := engine.session(t, 0).handler

	handler.OnStart()
	snap := c.Snapshot()
	assert.Equal(t, StatusRecording, snap.Status)
	assert.Empty(t, snap.Message)
}

func TestSubscribeReceivesSnapshots(t *testing.T) {
	engine := &fakeEngine{}
	c := newController(engine, &fakeScheduler{})
	updates, cancel := c.Subscribe()
	defer cancel()

	require.NoError(t, c.Start())
	select {
	case snap := <-updates:
		assert.Equal(t, StatusRecording, snap.Status)
	case <-time.After(time.Second):
		t.Fatal("expected a snapshot after start")
	}
}

func TestCloseReleasesSession(t *testing.T) {
	engine := &fakeEngine{}
	c := newController(engine, &fakeScheduler{})
	updates, _ := c.Subscribe()
	require.NoError(t, c.Start())

	require.NoError(t, c.Close())
	_, stops := engine.session(t, 0).counts()
	assert.Equal(t, 1, stops)
	assert.ErrorIs(t, c.Start(), ErrClosed)

	for range updates {
	}
}

func TestControllersAreIndependent(t *testing.T) {
	a := newController(&fakeEngine{}, &fakeScheduler{})
	b := newController(&fakeEngine{}, &fakeScheduler{})

	require.NoError(t, a.Start())
	assert.Equal(t, StatusRecording, a.Status())
	assert.Equal(t, StatusIdle, b.Status())
}

func finalResult(text string, confidence float64) recognition.ResultEvent {
	return recognition.ResultEvent{Results: []recognition.Result{
		{Final: true, Alternatives: []recognition.Alternative{{Transcript: text, Confidence: confidence}}},
	}}
}

func TestStopDuringStartAbortsSession(t *testing.T) {
	engine := &fakeEngine{}
	c := newController(engine, &fakeScheduler{})
	engine.beforeStart = func() { require.NoError(t, c.Stop()) }

	require.NoError(t, c.Toggle())

	session := engine.session(t, 0)
	assert.Equal(t, StatusIdle, c.Status())
	assert.Equal(t, 1, session.abortCount(), "a session started after Stop must be released")

	session.handler.OnResult(finalResult("after stop", 0.9))
	session.handler.OnEnd()
	assert.Empty(t, c.Snapshot().Segments)
	starts, _ := session.counts()
	assert.Equal(t, 1, starts)
}

func TestStopDuringRestartAbortsSession(t *testing.T) {
	engine := &fakeEngine{}
	c := newController(engine, &fakeScheduler{})
	require.NoError(t, c.Start())
	session := engine.session(t, 0)
	session.setBeforeStart(func() { require.NoError(t, c.Stop()) })

	session.handler.OnEnd()

	assert.Equal(t, StatusIdle, c.Status())
	assert.Equal(t, 1, session.abortCount())
	session.handler.OnResult(finalResult("after stop", 0.9))
	assert.Empty(t, c.Snapshot().Segments)
}

func TestStopDuringDeferredRetryAbortsSession(t *testing.T) {
	engine := &fakeEngine{}
	sched := &fakeScheduler{}
	c := newController(engine, sched)
	require.NoError(t, c.Start())
	session := engine.session(t, 0)
	session.failNextStarts(errors.New("busy"))

	session.handler.OnEnd()
	require.Len(t, sched.pending(), 1)
	session.setBeforeStart(func() { require.NoError(t, c.Stop()) })
	sched.fire()

	assert.Equal(t, StatusIdle, c.Status())
	assert.Equal(t, 1, session.abortCount())
}

func TestConfidenceIsClamped(t *testing.T) {
	engine := &fakeEngine{}
	c := newController(engine, &fakeScheduler{})
	require.NoError(t, c.Start())
	handler := engine.session(t, 0).handler

	handler.OnResult(finalResult("too sure", 1.7))
	handler.OnResult(finalResult("negative", -0.2))
	handler.OnResult(finalResult("unknown", math.NaN()))

	segments := c.Snapshot().Segments
	require.Len(t, segments, 3)
	assert.Equal(t, 1.0, segments[0].Confidence)
	assert.Equal(t, 0.0, segments[1].Confidence)
	assert.Equal(t, 0.0, segments[2].Confidence)
}
