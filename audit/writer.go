package audit

import (
	"encoding/json"
	"io"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config 审计输出配置。
type Config struct {
	Dir        string
	MaxSizeMB  int
	MaxBackups int
}

// Writer 维护三条追加式 JSONL 流：成交、仓位快照、报价生命周期轨迹。
// 每条记录带 ISO-8601 timestamp 与 type 标签，保证至少一次写入。
type Writer struct {
	mu        sync.Mutex
	trades    io.WriteCloser
	positions io.WriteCloser
	trace     io.WriteCloser
}

// NewWriter opens the three streams under cfg.Dir with size-based rotation.
func NewWriter(cfg Config) *Writer {
	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = 100
	}
	if cfg.MaxBackups <= 0 {
		cfg.MaxBackups = 5
	}
	open := func(name string) io.WriteCloser {
		return &lumberjack.Logger{
			Filename:   filepath.Join(cfg.Dir, name),
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
		}
	}
	return &Writer{
		trades:    open("trades.jsonl"),
		positions: open("positions.jsonl"),
		trace:     open("quote_trace.jsonl"),
	}
}

// Trade appends one trade record.
func (w *Writer) Trade(fields map[string]interface{}) {
	w.append(w.trades, "TRADE", fields)
}

// Position appends one position snapshot.
func (w *Writer) Position(fields map[string]interface{}) {
	w.append(w.positions, "POSITION", fields)
}

// Record appends one quote-lifecycle event to the trace stream.
// eventType 取值为阶段枚举（QUOTE_RECEIVED、HEDGE_EXECUTED 等）。
func (w *Writer) Record(eventType string, fields map[string]interface{}) {
	w.append(w.trace, eventType, fields)
}

func (w *Writer) append(stream io.Writer, eventType string, fields map[string]interface{}) {
	record := make(map[string]interface{}, len(fields)+3)
	for k, v := range fields {
		record[k] = v
	}
	record["timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)
	record["type"] = eventType
	record["record_id"] = uuid.NewString()

	line, err := json.Marshal(record)
	if err != nil {
		return
	}
	line = append(line, '\n')

	w.mu.Lock()
	_, _ = stream.Write(line)
	w.mu.Unlock()
}

// Close flushes and closes all streams.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	var firstErr error
	for _, s := range []io.WriteCloser{w.trades, w.positions, w.trace} {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
