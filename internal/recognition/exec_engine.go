package recognition

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/mattn/go-shellwords"
)

// maxEventLine bounds a single JSON event written by the recognizer.
const maxEventLine = 1 << 20

type execEngine struct {
	cmd     []string
	maxLine int
	log     *slog.Logger
}

// execEvent is one JSON line written by the recognizer command.
type execEvent struct {
	Type       string  `json:"type"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Final      bool    `json:"final"`
	Error      string  `json:"error"`
	Message    string  `json:"message"`
}

// NewExecEngine runs a streaming recognizer command per session. The command
// prints one JSON event per line on stdout and exits when the session ends.
func NewExecEngine(command string, log *slog.Logger) (Engine, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse recognizer command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("recognizer command is empty")
	}
	return &execEngine{
		cmd:     args,
		maxLine: maxEventLine,
		log:     log.With(slog.String("component", "exec-engine")),
	}, nil
}

func (e *execEngine) NewSession(opts Options, handler Handler) (Session, error) {
	path, err := exec.LookPath(e.cmd[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	args := append([]string{}, e.cmd[1:]...)
	if opts.Language != "" {
		args = append(args, "--language", opts.Language)
	}
	if opts.Continuous {
		args = append(args, "--continuous")
	}
	if opts.InterimResults {
		args = append(args, "--interim")
	}
	return &execSession{path: path, args: args, maxLine: e.maxLine, handler: handler, log: e.log}, nil
}

type execSession struct {
	path    string
	args    []string
	maxLine int
	handler Handler
	log     *slog.Logger

	mu       sync.Mutex
	cmd      *exec.Cmd
	stopping bool
}

func (s *execSession) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd != nil {
		return ErrAlreadyStarted
	}

	cmd := exec.Command(s.path, s.args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("recognizer stdout: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start recognizer: %w", err)
	}
	s.cmd = cmd
	s.stopping = false

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), s.maxLine)
	go s.run(cmd, scanner, &stderr)
	return nil
}

func (s *execSession) Stop() error {
	return s.signal(os.Interrupt)
}

func (s *execSession) Abort() error {
	return s.signal(os.Kill)
}

func (s *execSession) signal(sig os.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil || s.cmd.Process == nil {
		return nil
	}
	s.stopping = true
	if err := s.cmd.Process.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("signal recognizer: %w", err)
	}
	return nil
}

func (s *execSession) run(cmd *exec.Cmd, scanner *bufio.Scanner, stderr *bytes.Buffer) {
	s.handler.OnStart()

	var results []Result
	reported := false
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var evt execEvent
		if err := json.Unmarshal(line, &evt); err != nil {
			s.log.Warn("failed to decode recognizer event", slogError(err))
			continue
		}
		switch evt.Type {
		case "result":
			index := len(results)
			if index > 0 && !results[index-1].Final {
				index--
				results = results[:index]
			}
			results = append(results, Result{
				Final:        evt.Final,
				Alternatives: []Alternative{{Transcript: evt.Text, Confidence: evt.Confidence}},
			})
			s.handler.OnResult(ResultEvent{ResultIndex: index, Results: cloneResults(results)})
		case "error":
			reported = true
			s.handler.OnError(ErrorEvent{Code: ErrorCode(evt.Error), Message: evt.Message})
		}
	}

	if err := scanner.Err(); err != nil {
		// Unread output would block the recognizer on a full pipe.
		s.log.Warn("recognizer output unreadable, killing process", slogError(err))
		if killErr := cmd.Process.Kill(); killErr != nil && !errors.Is(killErr, os.ErrProcessDone) {
			s.log.Warn("failed to kill recognizer", slogError(killErr))
		}
		reported = true
		s.handler.OnError(ErrorEvent{Code: ErrorAborted, Message: err.Error()})
	}

	err := cmd.Wait()

	s.mu.Lock()
	stopping := s.stopping
	s.cmd = nil
	s.mu.Unlock()

	if err != nil && !stopping && !reported {
		s.log.Warn("recognizer exited with error", slogError(err), slog.String("stderr", strings.TrimSpace(stderr.String())))
		s.handler.OnError(ErrorEvent{Code: ErrorAborted, Message: err.Error()})
	}
	s.handler.OnEnd()
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
