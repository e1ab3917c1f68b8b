package recognition

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Availability reports whether a remote node offers a capability.
type Availability interface {
	Available(name string) bool
}

type busEngine struct {
	bus        *bus.Client
	registry   Availability
	capability string
	timeout    time.Duration
	log        *slog.Logger
}

// NewBusEngine drives recognizer nodes reachable over NATS. registry may be
// nil, in which case availability is decided by whether a node answers the
// start request.
func NewBusEngine(busClient *bus.Client, registry Availability, capability string, timeout time.Duration) Engine {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &busEngine{
		bus:        busClient,
		registry:   registry,
		capability: capability,
		timeout:    timeout,
		log:        busClient.Logger().With(slog.String("component", "bus-engine")),
	}
}

func (e *busEngine) NewSession(opts Options, handler Handler) (Session, error) {
	if !e.bus.Healthy() {
		return nil, fmt.Errorf("%w: bus disconnected", ErrUnavailable)
	}
	if e.registry != nil && !e.registry.Available(e.capability) {
		return nil, fmt.Errorf("%w: no node offers %s", ErrUnavailable, e.capability)
	}
	return &busSession{
		id:      uuid.NewString(),
		engine:  e,
		opts:    opts,
		handler: handler,
	}, nil
}

type busSession struct {
	id      string
	engine  *busEngine
	opts    Options
	handler Handler

	mu      sync.Mutex
	running bool
	subs    []*nats.Subscription
	done    chan struct{}
}

func (s *busSession) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyStarted
	}

	conn := s.engine.bus.Conn()
	msgs := make(chan *nats.Msg, 64)
	var subs []*nats.Subscription
	for _, subject := range []string{
		protocol.SubjectTranscriptPartial,
		protocol.SubjectTranscriptFinal,
		protocol.SubjectSessionError,
		protocol.SubjectSessionEnd,
	} {
		sub, err := conn.ChanSubscribe(subject, msgs)
		if err != nil {
			unsubscribeAll(subs)
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		subs = append(subs, sub)
	}

	if err := s.request(protocol.ControlStart); err != nil {
		unsubscribeAll(subs)
		return err
	}

	s.running = true
	s.subs = subs
	s.done = make(chan struct{})
	go s.run(msgs, s.done)
	return nil
}

func (s *busSession) request(op string) error {
	payload, err := json.Marshal(protocol.SessionControl{
		SessionID:      s.id,
		Op:             op,
		Language:       s.opts.Language,
		Continuous:     s.opts.Continuous,
		InterimResults: s.opts.InterimResults,
		Timestamp:      time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal session control: %w", err)
	}

	if op != protocol.ControlStart {
		return s.engine.bus.Conn().Publish(protocol.SubjectSessionControl, payload)
	}

	reply, err := s.engine.bus.Conn().Request(protocol.SubjectSessionControl, payload, s.engine.timeout)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return fmt.Errorf("%w: no recognizer node responded", ErrUnavailable)
		}
		return fmt.Errorf("request session start: %w", err)
	}
	var ack protocol.SessionControlReply
	if err := json.Unmarshal(reply.Data, &ack); err != nil {
		return fmt.Errorf("decode session start reply: %w", err)
	}
	if !ack.OK {
		return fmt.Errorf("recognizer refused session: %s", ack.Error)
	}
	return nil
}

func (s *busSession) Stop() error {
	return s.halt(protocol.ControlStop)
}

func (s *busSession) Abort() error {
	return s.halt(protocol.ControlAbort)
}

func (s *busSession) halt(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	err := s.request(op)
	s.release()
	return err
}

// release must be called with mu held.
func (s *busSession) release() {
	if !s.running {
		return
	}
	s.running = false
	unsubscribeAll(s.subs)
	s.subs = nil
	close(s.done)
}

func (s *busSession) run(msgs <-chan *nats.Msg, done <-chan struct{}) {
	s.handler.OnStart()

	var results []Result
	for {
		select {
		case <-done:
			s.handler.OnEnd()
			return
		case msg := <-msgs:
			if s.dispatch(msg, &results) {
				s.mu.Lock()
				if s.done == done {
					s.release()
				}
				s.mu.Unlock()
				s.handler.OnEnd()
				return
			}
		}
	}
}

// dispatch delivers one bus message and reports whether the session ended.
func (s *busSession) dispatch(msg *nats.Msg, results *[]Result) bool {
	log := s.engine.log
	switch msg.Subject {
	case protocol.SubjectTranscriptPartial, protocol.SubjectTranscriptFinal:
		var transcript protocol.Transcript
		if err := json.Unmarshal(msg.Data, &transcript); err != nil {
			log.Warn("failed to decode transcript", slogError(err))
			return false
		}
		if transcript.SessionID != s.id {
			return false
		}
		index := len(*results)
		if index > 0 && !(*results)[index-1].Final {
			index--
			*results = (*results)[:index]
		}
		*results = append(*results, Result{
			Final:        !transcript.Partial && msg.Subject == protocol.SubjectTranscriptFinal,
			Alternatives: []Alternative{{Transcript: transcript.Text, Confidence: transcript.Confidence}},
		})
		s.handler.OnResult(ResultEvent{ResultIndex: index, Results: cloneResults(*results)})
	case protocol.SubjectSessionError:
		var sessionErr protocol.SessionError
		if err := json.Unmarshal(msg.Data, &sessionErr); err != nil {
			log.Warn("failed to decode session error", slogError(err))
			return false
		}
		if sessionErr.SessionID != s.id {
			return false
		}
		s.handler.OnError(ErrorEvent{Code: ErrorCode(sessionErr.Code), Message: sessionErr.Message})
	case protocol.SubjectSessionEnd:
		var end protocol.SessionEnd
		if err := json.Unmarshal(msg.Data, &end); err != nil {
			log.Warn("failed to decode session end", slogError(err))
			return false
		}
		return end.SessionID == s.id
	}
	return false
}

func unsubscribeAll(subs []*nats.Subscription) {
	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
}
