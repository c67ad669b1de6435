package relay

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"confab/internal/buffer"
	"confab/internal/wire"
)

const DefaultHistoryCap = 1000

// History keeps a bounded in-memory message log backed by an append-only
// JSONL file, so the conversation survives relay restarts.
type History struct {
	ring *buffer.Ring[wire.Message]
	file *os.File
	path string
}

// NewHistory opens (creating if needed) the log at path and loads the most
// recent entries up to cap. An empty path keeps history in memory only.
func NewHistory(path string, cap int) (*History, error) {
	if cap <= 0 {
		cap = DefaultHistoryCap
	}
	h := &History{
		ring: buffer.NewRing[wire.Message](cap),
		path: path,
	}
	if path == "" {
		return h, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}
	if err := h.load(); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open history log: %w", err)
	}
	h.file = file
	return h, nil
}

func (h *History) load() error {
	file, err := os.Open(h.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open history log: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var msg wire.Message
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			// A torn final line after a crash is expected; skip it.
			continue
		}
		h.ring.Add(msg)
	}
	return scanner.Err()
}

// Append records the message in memory and on disk. Disk failures degrade to
// memory-only history rather than failing routing.
func (h *History) Append(msg wire.Message) error {
	h.ring.Add(msg)
	if h.file == nil {
		return nil
	}
	line, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode history record: %w", err)
	}
	line = append(line, '\n')
	if _, err := h.file.Write(line); err != nil {
		return fmt.Errorf("append history record: %w", err)
	}
	return nil
}

type HistoryQuery struct {
	Limit  int
	Sender string
	To     string
	Since  *time.Time
}

// Query returns the most recent matching messages, oldest first.
func (h *History) Query(q HistoryQuery) []wire.Message {
	all := h.ring.List()
	matched := make([]wire.Message, 0, len(all))
	for _, msg := range all {
		if q.Sender != "" && msg.From != q.Sender {
			continue
		}
		if q.To != "" && msg.To != q.To {
			continue
		}
		if q.Since != nil && msg.Timestamp.Before(*q.Since) {
			continue
		}
		matched = append(matched, msg)
	}
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[len(matched)-q.Limit:]
	}
	return matched
}

// Recent returns up to n of the newest messages, oldest first.
func (h *History) Recent(n int) []wire.Message {
	return h.ring.Last(n)
}

func (h *History) Len() int {
	return h.ring.Len()
}

func (h *History) Close() error {
	if h.file == nil {
		return nil
	}
	return h.file.Close()
}
