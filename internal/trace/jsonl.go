package trace

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/gofrs/flock"
)

// JSONLSink appends finished spans to <dir>/<trace_id>.jsonl.
// Writes hold an advisory file lock so separate processes can share a
// trace directory.
type JSONLSink struct {
	mu  sync.Mutex
	dir string
}

// NewJSONLSink creates a sink writing into dir.
func NewJSONLSink(dir string) (*JSONLSink, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating trace directory: %w", err)
	}
	return &JSONLSink{dir: dir}, nil
}

// Path returns the file a trace is written to.
func (s *JSONLSink) Path(traceID string) string {
	return filepath.Join(s.dir, traceID+".jsonl")
}

// Export writes one span.
func (s *JSONLSink) Export(span Span) error {
	data, err := json.Marshal(span)
	if err != nil {
		return fmt.Errorf("marshaling span: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.Path(span.TraceID)
	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("locking trace file: %w", err)
	}
	defer lock.Unlock()

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("opening trace file: %w", err)
	}
	defer file.Close()

	if _, err := file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing span: %w", err)
	}
	return nil
}

// Close is a no-op; files are opened per write.
func (s *JSONLSink) Close() error {
	return nil
}

// ReadJSONL rebuilds a trace context from a JSONL trace file.
// If a span appears more than once the last record wins.
func ReadJSONL(path string) (*Context, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var (
		spans   []Span
		index   = make(map[string]int)
		traceID string
	)

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var s Span
		if err := json.Unmarshal([]byte(text), &s); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		if traceID == "" {
			traceID = s.TraceID
		}
		if i, ok := index[s.ID]; ok {
			spans[i] = s
			continue
		}
		index[s.ID] = len(spans)
		spans = append(spans, s)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	if traceID == "" {
		traceID = strings.TrimSuffix(filepath.Base(path), ".jsonl")
	}
	return FromSpans(traceID, spans), nil
}

// ListTraces returns the trace ids found in dir, newest first.
func ListTraces(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	type item struct {
		id  string
		mod int64
	}
	var items []item
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		items = append(items, item{strings.TrimSuffix(e.Name(), ".jsonl"), info.ModTime().UnixNano()})
	}

	sort.Slice(items, func(i, j int) bool {
		return items[i].mod > items[j].mod
	})

	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.id
	}
	return ids, nil
}
