package ui

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-scribe/internal/controller"
	"github.com/loqalabs/loqa-scribe/internal/language"
)

//go:embed templates/index.html
var templates embed.FS

const writeTimeout = 5 * time.Second

// Controller is the part of the session controller the UI drives.
type Controller interface {
	Toggle() error
	Stop() error
	SetLanguage(code string) error
	Snapshot() controller.Snapshot
	Subscribe() (<-chan controller.Snapshot, func())
}

type Server struct {
	ctrl     Controller
	log      *slog.Logger
	page     *template.Template
	upgrader websocket.Upgrader
}

func New(ctrl Controller, log *slog.Logger) (*Server, error) {
	page, err := template.ParseFS(templates, "templates/index.html")
	if err != nil {
		return nil, fmt.Errorf("parse ui template: %w", err)
	}
	return &Server{
		ctrl: ctrl,
		log:  log.With(slog.String("component", "ui")),
		page: page,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}, nil
}

func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /api/state", s.handleState)
	mux.HandleFunc("GET /api/languages", s.handleLanguages)
	mux.HandleFunc("POST /api/toggle", s.handleToggle)
	mux.HandleFunc("POST /api/stop", s.handleStop)
	mux.HandleFunc("POST /api/language", s.handleLanguage)
	mux.HandleFunc("GET /api/stream", s.handleStream)
}

type segmentView struct {
	Text          string  `json:"text"`
	Timestamp     int64   `json:"timestamp"`
	Time          string  `json:"time"`
	Confidence    float64 `json:"confidence"`
	ConfidencePct int     `json:"confidence_pct"`
}

type stateView struct {
	Status    controller.Status   `json:"status"`
	Message   string              `json:"message,omitempty"`
	Language  language.Language   `json:"language"`
	Languages []language.Language `json:"languages"`
	Segments  []segmentView       `json:"segments"`
	Listening bool                `json:"listening"`
	ShowError bool                `json:"show_error"`
}

func newStateView(snap controller.Snapshot) stateView {
	view := stateView{
		Status:    snap.Status,
		Message:   snap.Message,
		Language:  snap.Language,
		Languages: language.Supported(),
		Segments:  make([]segmentView, 0, len(snap.Segments)),
		Listening: snap.Status == controller.StatusRecording && snap.Message == "",
		ShowError: snap.Status == controller.StatusError && snap.Message != "",
	}
	for _, seg := range snap.Segments {
		view.Segments = append(view.Segments, segmentView{
			Text:          seg.Text,
			Timestamp:     seg.Timestamp.UnixMilli(),
			Time:          seg.Timestamp.Local().Format("15:04:05"),
			Confidence:    seg.Confidence,
			ConfidencePct: confidencePercent(seg.Confidence),
		})
	}
	return view
}

func confidencePercent(c float64) int {
	return int(math.Round(c * 100))
}

func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.page.Execute(w, newStateView(s.ctrl.Snapshot())); err != nil {
		s.log.Error("render page failed", slogError(err))
	}
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, newStateView(s.ctrl.Snapshot()))
}

func (s *Server) handleLanguages(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, language.Supported())
}

// handleToggle always answers with the resulting state; start failures are
// part of that state rather than an HTTP error.
func (s *Server) handleToggle(w http.ResponseWriter, _ *http.Request) {
	if err := s.ctrl.Toggle(); err != nil {
		s.log.Warn("toggle failed", slogError(err))
	}
	s.writeJSON(w, http.StatusOK, newStateView(s.ctrl.Snapshot()))
}

func (s *Server) handleStop(w http.ResponseWriter, _ *http.Request) {
	if err := s.ctrl.Stop(); err != nil {
		s.log.Warn("stop failed", slogError(err))
	}
	s.writeJSON(w, http.StatusOK, newStateView(s.ctrl.Snapshot()))
}

type languageRequest struct {
	Code string `json:"code"`
}

func (s *Server) handleLanguage(w http.ResponseWriter, r *http.Request) {
	var req languageRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<10)).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if err := s.ctrl.SetLanguage(req.Code); err != nil {
		if errors.Is(err, language.ErrUnknown) {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		s.log.Warn("language change failed", slogError(err))
	}
	s.writeJSON(w, http.StatusOK, newStateView(s.ctrl.Snapshot()))
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", slogError(err))
		return
	}
	defer conn.Close()

	updates, cancel := s.ctrl.Subscribe()
	defer cancel()

	// The client never sends anything meaningful; reading detects disconnects.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := s.send(conn, s.ctrl.Snapshot()); err != nil {
		return
	}
	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case snap, ok := <-updates:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(writeTimeout))
				return
			}
			if err := s.send(conn, snap); err != nil {
				s.log.Debug("websocket write failed", slogError(err))
				return
			}
		}
	}
}

func (s *Server) send(conn *websocket.Conn, snap controller.Snapshot) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(newStateView(snap))
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("encode response failed", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
