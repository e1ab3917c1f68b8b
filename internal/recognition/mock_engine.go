package recognition

import (
	"strings"
	"sync"
	"time"
)

// MockConfig scripts the phrases a mock session recognizes.
type MockConfig struct {
	Phrases     []string
	Interval    time.Duration
	Confidence  float64
	Unavailable bool
}

type mockEngine struct {
	cfg MockConfig
}

// NewMockEngine returns an engine that "recognizes" the configured phrases
// in order, one per interval. Without phrases every run ends with no-speech.
func NewMockEngine(cfg MockConfig) Engine {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	return &mockEngine{cfg: cfg}
}

func (e *mockEngine) NewSession(opts Options, handler Handler) (Session, error) {
	if e.cfg.Unavailable {
		return nil, ErrUnavailable
	}
	return &mockSession{cfg: e.cfg, opts: opts, handler: handler}, nil
}

type mockSession struct {
	cfg     MockConfig
	opts    Options
	handler Handler

	mu      sync.Mutex
	running bool
	stop    chan bool
	next    int
}

func (s *mockSession) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyStarted
	}
	s.running = true
	s.stop = make(chan bool, 1)
	go s.run(s.stop)
	return nil
}

func (s *mockSession) Stop() error {
	return s.signal(false)
}

func (s *mockSession) Abort() error {
	return s.signal(true)
}

func (s *mockSession) signal(abort bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	select {
	case s.stop <- abort:
	default:
	}
	return nil
}

func (s *mockSession) run(stop <-chan bool) {
	s.handler.OnStart()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	var results []Result
	for {
		select {
		case abort := <-stop:
			if abort {
				s.handler.OnError(ErrorEvent{Code: ErrorAborted, Message: "session aborted"})
			}
			s.finish()
			return
		case <-ticker.C:
			if len(s.cfg.Phrases) == 0 {
				s.handler.OnError(ErrorEvent{Code: ErrorNoSpeech, Message: "no speech detected"})
				s.finish()
				return
			}
			phrase := s.nextPhrase()
			index := len(results)
			if s.opts.InterimResults {
				results = append(results, Result{Alternatives: []Alternative{{Transcript: interim(phrase)}}})
				s.handler.OnResult(ResultEvent{ResultIndex: index, Results: cloneResults(results)})
				results = results[:index]
			}
			results = append(results, Result{
				Final:        true,
				Alternatives: []Alternative{{Transcript: " " + phrase + " ", Confidence: s.cfg.Confidence}},
			})
			s.handler.OnResult(ResultEvent{ResultIndex: index, Results: cloneResults(results)})
			if !s.opts.Continuous {
				s.finish()
				return
			}
		}
	}
}

// finish marks the run over before OnEnd so the handler may restart the session.
func (s *mockSession) finish() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	s.handler.OnEnd()
}

func (s *mockSession) nextPhrase() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	phrase := s.cfg.Phrases[s.next%len(s.cfg.Phrases)]
	s.next++
	return phrase
}

func interim(phrase string) string {
	words := strings.Fields(phrase)
	return strings.Join(words[:(len(words)+1)/2], " ")
}

func cloneResults(in []Result) []Result {
	return append([]Result(nil), in...)
}
