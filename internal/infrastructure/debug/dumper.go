package debug

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Dumper writes one JSON file per pipeline event when a dump directory is
// configured, else logs truncated JSON lines. Disabled entirely unless
// debug mode is on.
type Dumper struct {
	enabled  bool
	dir      string
	maxBytes int
	seq      atomic.Uint64
	logger   *zap.Logger
}

type Config struct {
	Enabled  bool
	Dir      string
	MaxBytes int
}

func NewDumper(cfg Config, logger *zap.Logger) *Dumper {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 8192
	}
	d := &Dumper{
		enabled:  cfg.Enabled,
		dir:      cfg.Dir,
		maxBytes: cfg.MaxBytes,
		logger:   logger.With(zap.String("component", "debug")),
	}
	if d.enabled && d.dir != "" {
		if err := os.MkdirAll(d.dir, 0755); err != nil {
			d.logger.Warn("dump dir unavailable, falling back to log lines", zap.Error(err))
			d.dir = ""
		}
	}
	return d
}

// Dump records one event. kind names the pipeline step: request,
// response_tool_calls, guard_block, pending_confirmation_set, …
func (d *Dumper) Dump(requestID, kind string, payload any) {
	if d == nil || !d.enabled {
		return
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		d.logger.Warn("dump marshal failed", zap.String("kind", kind), zap.Error(err))
		return
	}

	if d.dir != "" {
		name := fmt.Sprintf("%s_%04d_%s_%s.json",
			time.Now().Format("20060102T150405"), d.seq.Add(1), requestID, kind)
		if err := os.WriteFile(filepath.Join(d.dir, name), data, 0644); err != nil {
			d.logger.Warn("dump write failed", zap.String("file", name), zap.Error(err))
		}
		return
	}

	// 无目录模式：截断后打进日志
	if len(data) > d.maxBytes {
		data = append(data[:d.maxBytes], []byte("…(truncated)")...)
	}
	d.logger.Debug("event dump",
		zap.String("request_id", requestID),
		zap.String("kind", kind),
		zap.ByteString("payload", data))
}
