package telemetry

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tierflow/tierflow/core"
)

const (
	activeFileName = "usage.jsonl"

	// DefaultMaxFileBytes triggers rotation of the active file
	DefaultMaxFileBytes = 10 << 20

	// DefaultRetentionDays bounds how long rotated files are kept
	DefaultRetentionDays = 90

	dirPerm  = 0o700
	filePerm = 0o600
)

var rotatedNameRe = regexp.MustCompile(`^usage\.(\d{4}-\d{2}-\d{2})(?:\.\d+)?\.jsonl$`)

// LedgerConfig configures the cost ledger
type LedgerConfig struct {
	Enabled       bool
	Dir           string
	MaxFileBytes  int64
	RetentionDays int
	UserID        string // raw identifier, hashed before any write
	Logger        core.Logger
}

// Validate checks the configuration for errors
func (c *LedgerConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Dir == "" {
		return fmt.Errorf("telemetry dir is required: %w", core.ErrMissingConfiguration)
	}
	if c.MaxFileBytes < 0 || c.RetentionDays < 0 {
		return fmt.Errorf("telemetry limits must be non-negative: %w", core.ErrInvalidConfiguration)
	}
	return nil
}

// LedgerConfigFrom builds a LedgerConfig from the application
// configuration, resolving the default directory under dataDir.
func LedgerConfigFrom(tc core.TelemetryConfig, dataDir string, logger core.Logger) LedgerConfig {
	dir := tc.Dir
	if dir == "" {
		dir = filepath.Join(dataDir, "telemetry")
	}
	return LedgerConfig{
		Enabled:       tc.Enabled,
		Dir:           dir,
		MaxFileBytes:  tc.MaxFileBytes,
		RetentionDays: tc.RetentionDays,
		UserID:        tc.UserID,
		Logger:        logger,
	}
}

// Ledger is an append-only JSONL cost ledger. Every provider-bound
// call gets one line; lines are never mutated, and whole rotated
// files age out under retention. Write failures are logged once and
// swallowed: telemetry never fails a workflow.
type Ledger struct {
	config LedgerConfig
	logger core.Logger
	userID string // pre-hashed

	mu     sync.Mutex
	file   *os.File
	size   int64
	warned bool

	now func() time.Time
}

// NewLedger opens (creating if needed) the ledger directory and
// active file. A disabled ledger is valid and drops every entry.
func NewLedger(config LedgerConfig) (*Ledger, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.Logger == nil {
		config.Logger = &core.NoOpLogger{}
	}
	if config.MaxFileBytes == 0 {
		config.MaxFileBytes = DefaultMaxFileBytes
	}
	if config.RetentionDays == 0 {
		config.RetentionDays = DefaultRetentionDays
	}

	l := &Ledger{
		config: config,
		logger: config.Logger,
		userID: HashUserID(config.UserID),
		now:    time.Now,
	}
	if !config.Enabled {
		return l, nil
	}

	if err := os.MkdirAll(config.Dir, dirPerm); err != nil {
		return nil, fmt.Errorf("failed to create telemetry dir: %w", err)
	}
	if err := l.openActiveLocked(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Ledger) openActiveLocked() error {
	path := filepath.Join(l.config.Dir, activeFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, filePerm)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", activeFileName, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to stat %s: %w", activeFileName, err)
	}
	l.file = f
	l.size = info.Size()
	return nil
}

// Record appends one entry. Never returns an error: failures are
// logged (warn once, then debug) and the workflow continues.
func (l *Ledger) Record(entry Entry) {
	if !l.config.Enabled {
		return
	}

	entry.Version = SchemaVersion
	if entry.Timestamp.IsZero() {
		entry.Timestamp = l.now().UTC()
	}
	if entry.UserID == "" {
		entry.UserID = l.userID
	}

	line, err := json.Marshal(entry)
	if err != nil {
		l.warnWrite(err)
		return
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		if err := l.openActiveLocked(); err != nil {
			l.warnWrite(err)
			return
		}
	}
	if l.size+int64(len(line)) > l.config.MaxFileBytes && l.size > 0 {
		if err := l.rotateLocked(); err != nil {
			l.warnWrite(err)
			// keep appending to the oversized file rather than drop data
		}
	}

	n, err := l.file.Write(line)
	if err != nil {
		l.warnWrite(err)
		return
	}
	l.size += int64(n)
	if err := l.file.Sync(); err != nil {
		l.warnWrite(err)
	}
}

// rotateLocked renames the active file to a dated name, prunes files
// past retention, and reopens a fresh active file.
func (l *Ledger) rotateLocked() error {
	if err := l.file.Close(); err != nil {
		return err
	}
	l.file = nil

	activePath := filepath.Join(l.config.Dir, activeFileName)
	date := l.now().UTC().Format("2006-01-02")
	target := filepath.Join(l.config.Dir, fmt.Sprintf("usage.%s.jsonl", date))
	for i := 1; ; i++ {
		if _, err := os.Stat(target); os.IsNotExist(err) {
			break
		}
		target = filepath.Join(l.config.Dir, fmt.Sprintf("usage.%s.%d.jsonl", date, i))
	}
	if err := os.Rename(activePath, target); err != nil {
		return err
	}

	l.logger.Info("Telemetry file rotated", map[string]interface{}{
		"operation": "telemetry_rotate",
		"rotated":   filepath.Base(target),
	})

	l.pruneLocked()
	return l.openActiveLocked()
}

// pruneLocked deletes rotated files older than the retention window
func (l *Ledger) pruneLocked() {
	cutoff := l.now().UTC().AddDate(0, 0, -l.config.RetentionDays)
	entries, err := os.ReadDir(l.config.Dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		m := rotatedNameRe.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		fileDate, err := time.Parse("2006-01-02", m[1])
		if err != nil || !fileDate.Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(l.config.Dir, e.Name())); err == nil {
			l.logger.Info("Telemetry file expired", map[string]interface{}{
				"operation": "telemetry_retention",
				"file":      e.Name(),
			})
		}
	}
}

func (l *Ledger) warnWrite(err error) {
	fields := map[string]interface{}{
		"operation": "telemetry_write_error",
		"error":     err.Error(),
	}
	if l.warned {
		l.logger.Debug("Telemetry write failed", fields)
		return
	}
	l.warned = true
	l.logger.Warn("Telemetry write failed, further failures logged at debug", fields)
}

// Close flushes and closes the active file
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// Reset deletes every ledger file. Irreversible; refuses to run
// without the confirm flag.
func (l *Ledger) Reset(confirm bool) error {
	if !confirm {
		return fmt.Errorf("telemetry reset requires explicit confirmation: %w", core.ErrInvalidConfiguration)
	}
	if !l.config.Enabled {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		_ = l.file.Close()
		l.file = nil
	}
	entries, err := os.ReadDir(l.config.Dir)
	if err != nil {
		return fmt.Errorf("failed to read telemetry dir: %w", err)
	}
	for _, e := range entries {
		name := e.Name()
		if name != activeFileName && rotatedNameRe.FindStringSubmatch(name) == nil {
			continue
		}
		if err := os.Remove(filepath.Join(l.config.Dir, name)); err != nil {
			return fmt.Errorf("failed to delete %s: %w", name, err)
		}
	}
	l.logger.Info("Telemetry ledger reset", map[string]interface{}{
		"operation": "telemetry_reset",
	})
	return l.openActiveLocked()
}

// ledgerFiles returns every ledger file path, newest first: the active
// file before rotated files, rotated sorted by name descending. Names
// embed dates, so lexical order is chronological.
func (l *Ledger) ledgerFiles() []string {
	var rotated []string
	entries, err := os.ReadDir(l.config.Dir)
	if err != nil {
		return nil
	}
	active := ""
	for _, e := range entries {
		name := e.Name()
		if name == activeFileName {
			active = filepath.Join(l.config.Dir, name)
			continue
		}
		if rotatedNameRe.MatchString(name) {
			rotated = append(rotated, filepath.Join(l.config.Dir, name))
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(rotated)))

	files := make([]string, 0, len(rotated)+1)
	if active != "" {
		files = append(files, active)
	}
	return append(files, rotated...)
}

// readFile parses one JSONL file, skipping corrupt lines
func (l *Ledger) readFile(path string) []Entry {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer func() {
		_ = f.Close()
	}()

	var out []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out
}
