package transcript

import (
	"encoding/json"
	"sync"
	"time"
)

// Segment is one finalized chunk of recognized speech.
type Segment struct {
	Text       string
	Timestamp  time.Time
	Confidence float64
}

type segmentJSON struct {
	Text       string  `json:"text"`
	Timestamp  int64   `json:"timestamp"`
	Confidence float64 `json:"confidence"`
}

// MarshalJSON encodes the capture time as unix milliseconds.
func (s Segment) MarshalJSON() ([]byte, error) {
	return json.Marshal(segmentJSON{Text: s.Text, Timestamp: s.Timestamp.UnixMilli(), Confidence: s.Confidence})
}

func (s *Segment) UnmarshalJSON(data []byte) error {
	var raw segmentJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = Segment{Text: raw.Text, Timestamp: time.UnixMilli(raw.Timestamp), Confidence: raw.Confidence}
	return nil
}

// Log is an append-only, ordered list of segments.
type Log struct {
	mu       sync.RWMutex
	segments []Segment
}

func (l *Log) Append(s Segment) {
	l.mu.Lock()
	l.segments = append(l.segments, s)
	l.mu.Unlock()
}

// Segments returns a copy in insertion order.
func (l *Log) Segments() []Segment {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]Segment(nil), l.segments...)
}

func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.segments)
}
