// Package state persists engine state to disk: atomic JSON snapshots with a
// backup generation, per-day JSONL trade logs, end-of-day archives with
// checksums, and carry files for open option structures.
package state

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/niranjank/dalalbot/internal/models"
	"github.com/niranjank/dalalbot/internal/portfolio"
)

// EngineState is the scheduler's persistable view: everything needed to
// resume after a restart.
type EngineState struct {
	Mode             string             `json:"mode"`
	Iteration        int64              `json:"iteration"`
	TradingDay       string             `json:"trading_day"`
	DayCloseExecuted string             `json:"day_close_executed,omitempty"`
	TotalValue       float64            `json:"total_value"`
	LastPrices       map[string]float64 `json:"last_prices,omitempty"`
	SavedAt          time.Time          `json:"saved_at"`
	Portfolio        portfolio.Snapshot `json:"portfolio"`
}

// Store owns the state directory layout.
type Store struct {
	dir    string
	logger zerolog.Logger
}

// NewStore creates the directory layout under dir.
func NewStore(dir string, logger zerolog.Logger) (*Store, error) {
	s := &Store{dir: dir, logger: logger}
	for _, sub := range []string{
		filepath.Join(dir, "state", "trades"),
		filepath.Join(dir, "trade_archives"),
		filepath.Join(dir, "trade_archives_backup"),
		filepath.Join(dir, "saved_trades"),
	} {
		if err := os.MkdirAll(sub, 0o755); err != nil {
			return nil, &models.PersistenceError{Path: sub, Err: err}
		}
	}
	return s, nil
}

func (s *Store) statePath() string {
	return filepath.Join(s.dir, "state", "portfolio_state.json")
}

func (s *Store) tradesPath(day string) string {
	return filepath.Join(s.dir, "state", "trades", fmt.Sprintf("trades_%s.jsonl", day))
}

func (s *Store) archivePath(day string) string {
	return filepath.Join(s.dir, "trade_archives", fmt.Sprintf("archive_%s.json", day))
}

func (s *Store) archiveBackupPath(day string) string {
	return filepath.Join(s.dir, "trade_archives_backup", fmt.Sprintf("archive_%s.json", day))
}

func (s *Store) carryPath(day string) string {
	return filepath.Join(s.dir, "saved_trades", fmt.Sprintf("fno_positions_%s.json", day))
}

// SaveState writes the snapshot atomically: temp file, fsync, demote the
// current file to .backup, rename. A crash at any point leaves either the
// previous or the new state readable.
func (s *Store) SaveState(st *EngineState) error {
	st.SavedAt = time.Now()
	return s.atomicWriteJSON(s.statePath(), st)
}

// LoadState reads the snapshot, falling back to the backup generation if the
// primary is missing or corrupt. Returns (nil, nil) when no state exists yet.
func (s *Store) LoadState() (*EngineState, error) {
	path := s.statePath()
	var st EngineState
	err := readJSON(path, &st)
	if err == nil {
		return &st, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		s.logger.Warn().Str("path", path).Err(err).Msg("primary state unreadable, trying backup")
	}

	backupErr := readJSON(path+".backup", &st)
	if backupErr == nil {
		s.logger.Warn().Str("path", path).Msg("restored state from backup generation")
		return &st, nil
	}
	if errors.Is(err, fs.ErrNotExist) && errors.Is(backupErr, fs.ErrNotExist) {
		return nil, nil
	}
	return nil, &models.PersistenceError{Path: path, Err: err}
}

func (s *Store) atomicWriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &models.PersistenceError{Path: path, Err: err}
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return &models.PersistenceError{Path: path, Err: err}
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return &models.PersistenceError{Path: tmpName, Err: err}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return &models.PersistenceError{Path: tmpName, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &models.PersistenceError{Path: tmpName, Err: err}
	}

	if _, err := os.Stat(path); err == nil {
		if err := os.Rename(path, path+".backup"); err != nil {
			return &models.PersistenceError{Path: path, Err: err}
		}
	}
	if err := os.Rename(tmpName, path); err != nil {
		return &models.PersistenceError{Path: path, Err: err}
	}
	return nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path) // #nosec G304 -- paths are store-internal
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// AppendTrade appends one trade to the day's JSONL log. O_APPEND keeps each
// line intact even across process restarts mid-day.
func (s *Store) AppendTrade(t models.Trade) error {
	if err := t.Validate(); err != nil {
		return err
	}
	line, err := json.Marshal(t)
	if err != nil {
		return &models.PersistenceError{Path: s.tradesPath(t.TradingDay), Err: err}
	}

	path := s.tradesPath(t.TradingDay)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644) // #nosec G304
	if err != nil {
		return &models.PersistenceError{Path: path, Err: err}
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return &models.PersistenceError{Path: path, Err: err}
	}
	return nil
}

// ReadTrades returns the day's trades in log order. A missing file is an
// empty day, not an error.
func (s *Store) ReadTrades(day string) ([]models.Trade, error) {
	path := s.tradesPath(day)
	data, err := os.ReadFile(path) // #nosec G304
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, &models.PersistenceError{Path: path, Err: err}
	}

	var out []models.Trade
	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var t models.Trade
		if err := dec.Decode(&t); err != nil {
			return nil, &models.PersistenceError{Path: path, Err: err}
		}
		out = append(out, t)
	}
	return out, nil
}

// Archive is the end-of-day record: summary, trades and a checksum binding
// them. Content is fully deterministic so re-running archival is idempotent.
type Archive struct {
	TradingDay string              `json:"trading_day"`
	Summary    models.DailySummary `json:"summary"`
	TradeCount int                 `json:"trade_count"`
	Checksum   string              `json:"checksum_sha256"`
	Trades     []models.Trade      `json:"trades"`
}

// TradesChecksum is the SHA-256 over the canonical JSON of each trade, one
// per line, in order.
func TradesChecksum(trades []models.Trade) (string, error) {
	h := sha256.New()
	for _, t := range trades {
		line, err := json.Marshal(t)
		if err != nil {
			return "", err
		}
		h.Write(line)
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ArchiveDay writes the day's archive and mirrors it to the backup tree.
// Deterministic content makes repeat runs byte-identical.
func (s *Store) ArchiveDay(day string, summary models.DailySummary, trades []models.Trade) (*Archive, error) {
	checksum, err := TradesChecksum(trades)
	if err != nil {
		return nil, &models.PersistenceError{Path: s.archivePath(day), Err: err}
	}
	archive := &Archive{
		TradingDay: day,
		Summary:    summary,
		TradeCount: len(trades),
		Checksum:   checksum,
		Trades:     trades,
	}

	if err := s.atomicWriteJSON(s.archivePath(day), archive); err != nil {
		return nil, err
	}
	if err := s.atomicWriteJSON(s.archiveBackupPath(day), archive); err != nil {
		// Primary archive landed; a failed mirror is degraded, not fatal.
		s.logger.Error().Str("day", day).Err(err).Msg("archive mirror failed")
	}
	return archive, nil
}

// ReadArchive loads a day's archive, trying the backup mirror if the primary
// is unreadable.
func (s *Store) ReadArchive(day string) (*Archive, error) {
	var a Archive
	if err := readJSON(s.archivePath(day), &a); err == nil {
		return &a, nil
	}
	if err := readJSON(s.archiveBackupPath(day), &a); err != nil {
		return nil, &models.PersistenceError{Path: s.archivePath(day), Err: err}
	}
	return &a, nil
}

// SaveCarryFile records option structures still open at day end so a restart
// can resume managing them.
func (s *Store) SaveCarryFile(day string, structures []*models.StructuredPosition) error {
	return s.atomicWriteJSON(s.carryPath(day), structures)
}

// LoadCarryFile returns the day's carried structures; missing file means none.
func (s *Store) LoadCarryFile(day string) ([]*models.StructuredPosition, error) {
	var out []*models.StructuredPosition
	err := readJSON(s.carryPath(day), &out)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, &models.PersistenceError{Path: s.carryPath(day), Err: err}
	}
	return out, nil
}
