package core

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"

	"github.com/maskforge/maskforge/internal/fingerprint"
)

// ArchiveConfig holds report archiver settings.
type ArchiveConfig struct {
	Enabled        bool          `yaml:"enabled" json:"enabled"`
	Dir            string        `yaml:"dir" json:"dir"`
	RotateBytes    int64         `yaml:"rotate_bytes" json:"rotate_bytes"`       // rotate file after N bytes (default 64MB)
	RotateInterval time.Duration `yaml:"rotate_interval" json:"rotate_interval"` // rotate after duration (default 1h)
	Compress       bool          `yaml:"compress" json:"compress"`               // zstd compress (default true)
	SampleRules    []SampleRule  `yaml:"sample_rules" json:"sample_rules,omitempty"`
}

// SampleRule keeps 1 in every SampleRate reports at or below MaxRisk.
// Reports above MaxRisk are always kept.
type SampleRule struct {
	MaxRisk    fingerprint.RiskLevel `yaml:"max_risk" json:"max_risk"`
	SampleRate int                   `yaml:"sample_rate" json:"sample_rate"`
}

// DefaultArchiveConfig returns the archiver defaults.
func DefaultArchiveConfig() ArchiveConfig {
	return ArchiveConfig{
		Enabled:        false,
		Dir:            "./data/archive",
		RotateBytes:    64 * 1024 * 1024,
		RotateInterval: time.Hour,
		Compress:       true,
	}
}

// Archiver consumes validation reports from JetStream and writes them to
// NDJSON files for long-term retention.
type Archiver struct {
	cfg    ArchiveConfig
	logger zerolog.Logger

	mu           sync.Mutex
	closed       bool
	currentFile  *os.File
	currentZstd  *zstd.Encoder
	currentPath  string
	currentBytes int64
	fileOpenedAt time.Time
	sampleCounts map[fingerprint.RiskLevel]int64

	reportsArchived int64
	reportsSampled  int64
	filesRotated    int64
	bytesWritten    int64
}

// NewArchiver creates the archive directory and an idle archiver.
func NewArchiver(cfg ArchiveConfig, logger zerolog.Logger) (*Archiver, error) {
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("creating archive dir %s: %w", cfg.Dir, err)
	}
	if cfg.RotateBytes <= 0 {
		cfg.RotateBytes = DefaultArchiveConfig().RotateBytes
	}
	if cfg.RotateInterval <= 0 {
		cfg.RotateInterval = time.Hour
	}
	return &Archiver{
		cfg:          cfg,
		logger:       logger.With().Str("component", "archiver").Logger(),
		sampleCounts: make(map[fingerprint.RiskLevel]int64),
	}, nil
}

// Start subscribes to the reports stream with a durable consumer and
// rotates files by age until ctx is done.
func (a *Archiver) Start(ctx context.Context, bus *Bus, wg *sync.WaitGroup) error {
	if err := bus.SubscribeReports("maskforge-archive", a.Archive); err != nil {
		return fmt.Errorf("archiver subscribing to reports: %w", err)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(min(a.cfg.RotateInterval, 30*time.Second))
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				a.Close()
				return
			case <-ticker.C:
				a.mu.Lock()
				if a.currentFile != nil && time.Since(a.fileOpenedAt) >= a.cfg.RotateInterval {
					a.rotateFileLocked()
				}
				a.mu.Unlock()
			}
		}
	}()

	a.logger.Info().
		Str("dir", a.cfg.Dir).
		Dur("rotate_interval", a.cfg.RotateInterval).
		Int64("rotate_bytes", a.cfg.RotateBytes).
		Bool("compress", a.cfg.Compress).
		Msg("report archiver started")
	return nil
}

// archiveRecord is the NDJSON envelope written to archive files.
type archiveRecord struct {
	Timestamp time.Time           `json:"ts"`
	Report    *fingerprint.Report `json:"report"`
}

// Archive appends one report, unless a sample rule drops it.
func (a *Archiver) Archive(r *fingerprint.Report) {
	line, err := json.Marshal(archiveRecord{Timestamp: time.Now().UTC(), Report: r})
	if err != nil {
		a.logger.Error().Err(err).Msg("failed to marshal archive record")
		return
	}
	line = append(line, '\n')

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return
	}
	if a.dropLocked(r.RiskLevel) {
		a.reportsSampled++
		return
	}
	if a.currentFile == nil {
		if err := a.openFileLocked(); err != nil {
			a.logger.Error().Err(err).Msg("failed to open archive file")
			return
		}
	}

	var w io.Writer = a.currentFile
	if a.currentZstd != nil {
		w = a.currentZstd
	}
	n, err := w.Write(line)
	if err != nil {
		a.logger.Error().Err(err).Msg("failed to write archive record")
		return
	}

	a.currentBytes += int64(n)
	a.bytesWritten += int64(n)
	a.reportsArchived++

	if a.currentBytes >= a.cfg.RotateBytes {
		a.rotateFileLocked()
	}
}

// dropLocked applies the first sample rule covering risk. Counting is per
// risk level, so every SampleRate-th report is kept.
func (a *Archiver) dropLocked(risk fingerprint.RiskLevel) bool {
	for _, rule := range a.cfg.SampleRules {
		if rule.SampleRate <= 1 || risk > rule.MaxRisk {
			continue
		}
		a.sampleCounts[risk]++
		return a.sampleCounts[risk]%int64(rule.SampleRate) != 0
	}
	return false
}

func (a *Archiver) openFileLocked() error {
	ts := time.Now().UTC().Format("20060102T150405.000Z")
	ext := ".ndjson"
	if a.cfg.Compress {
		ext = ".ndjson.zst"
	}
	filename := fmt.Sprintf("reports-%s%s", ts, ext)
	path := filepath.Join(a.cfg.Dir, filename)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	if a.cfg.Compress {
		enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			f.Close()
			return fmt.Errorf("zstd init: %w", err)
		}
		a.currentZstd = enc
	}

	a.currentFile = f
	a.currentPath = path
	a.currentBytes = 0
	a.fileOpenedAt = time.Now()

	a.logger.Debug().Str("file", filename).Msg("opened archive file")
	return nil
}

func (a *Archiver) rotateFileLocked() {
	a.closeFileLocked()
	a.filesRotated++
}

// Close flushes the current file. Reports arriving afterwards are dropped.
func (a *Archiver) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	a.closeFileLocked()
}

func (a *Archiver) closeFileLocked() {
	if a.currentZstd != nil {
		if err := a.currentZstd.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("failed to flush archive file")
		}
		a.currentZstd = nil
	}
	if a.currentFile != nil {
		a.currentFile.Close()
		a.currentFile = nil
	}
}

// Status returns archiver counters for the API.
func (a *Archiver) Status() map[string]any {
	a.mu.Lock()
	defer a.mu.Unlock()
	return map[string]any{
		"dir":              a.cfg.Dir,
		"reports_archived": a.reportsArchived,
		"reports_sampled":  a.reportsSampled,
		"files_rotated":    a.filesRotated,
		"bytes_written":    a.bytesWritten,
		"current_file":     filepath.Base(a.currentPath),
		"current_bytes":    a.currentBytes,
		"compress":         a.cfg.Compress,
	}
}
