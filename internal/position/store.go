// internal/position/store.go
package position

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"go.uber.org/zap"
)

var ErrNoPosition = errors.New("position not found")

// record is the on-disk form of a Position. Integers are decimal strings.
type record struct {
	AmountRaw         string   `json:"amountRaw"`
	Decimals          *int     `json:"decimals,omitempty"`
	LastFillSignature string   `json:"lastFillSignature,omitempty"`
	TriggerAccount    string   `json:"triggerAccount,omitempty"`
	TotalBaseSpentRaw string   `json:"totalBaseSpentRaw,omitempty"`
	AvgEntryPrice     *float64 `json:"avgEntryPrice,omitempty"`
}

// LoadStats reports the outcome of Load.
type LoadStats struct {
	Loaded  int
	Skipped int
}

// Store is a file-backed map of positions keyed by asset id.
// Every mutation is written to disk before it becomes visible in memory.
type Store struct {
	mu        sync.RWMutex
	path      string
	positions map[string]*Position
	logger    *zap.Logger
}

func NewStore(path string, logger *zap.Logger) *Store {
	return &Store{
		path:      filepath.Clean(path),
		positions: make(map[string]*Position),
		logger:    logger.Named("position-store"),
	}
}

// Load replaces the in-memory map with the file contents. A missing file
// yields an empty store. Malformed entries are skipped and counted.
func (s *Store) Load() (LoadStats, error) {
	var stats LoadStats

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.logger.Info("Position file not found, starting empty", zap.String("path", s.path))
		s.mu.Lock()
		s.positions = make(map[string]*Position)
		s.mu.Unlock()
		return stats, nil
	}
	if err != nil {
		return stats, fmt.Errorf("read positions: %w", err)
	}

	var raw map[string]json.RawMessage
	if len(data) > 0 {
		if err := json.Unmarshal(data, &raw); err != nil {
			return stats, fmt.Errorf("parse positions: %w", err)
		}
	}

	loaded := make(map[string]*Position, len(raw))
	for assetID, entry := range raw {
		p, err := decodeRecord(assetID, entry)
		if err != nil {
			stats.Skipped++
			s.logger.Warn("Skipping malformed position",
				zap.String("asset", assetID),
				zap.Error(err))
			continue
		}
		loaded[assetID] = p
		stats.Loaded++
	}

	s.mu.Lock()
	s.positions = loaded
	s.mu.Unlock()

	s.logger.Info("Positions loaded",
		zap.Int("loaded", stats.Loaded),
		zap.Int("skipped", stats.Skipped))
	return stats, nil
}

func decodeRecord(assetID string, entry json.RawMessage) (*Position, error) {
	if assetID == "" {
		return nil, errors.New("empty asset id")
	}
	var r record
	if err := json.Unmarshal(entry, &r); err != nil {
		return nil, err
	}

	amount, ok := new(big.Int).SetString(r.AmountRaw, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amountRaw %q", r.AmountRaw)
	}
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("non-positive amountRaw %s", amount)
	}

	p := &Position{
		AssetID:           assetID,
		AmountRaw:         amount,
		Decimals:          UnknownDecimals,
		LastFillSignature: r.LastFillSignature,
		TriggerAccount:    r.TriggerAccount,
	}
	if r.Decimals != nil {
		if *r.Decimals < 0 || *r.Decimals > math.MaxUint8 {
			return nil, fmt.Errorf("invalid decimals %d", *r.Decimals)
		}
		p.Decimals = *r.Decimals
	}
	if r.TotalBaseSpentRaw != "" {
		spent, ok := new(big.Int).SetString(r.TotalBaseSpentRaw, 10)
		if !ok || spent.Sign() < 0 {
			return nil, fmt.Errorf("invalid totalBaseSpentRaw %q", r.TotalBaseSpentRaw)
		}
		p.TotalBaseSpentRaw = spent
	}
	if r.AvgEntryPrice != nil {
		v := *r.AvgEntryPrice
		if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
			return nil, fmt.Errorf("invalid avgEntryPrice %v", v)
		}
		p.AvgEntryPrice = &v
	}
	return p, nil
}

func encodeRecord(p *Position) record {
	r := record{
		AmountRaw:         p.AmountRaw.String(),
		LastFillSignature: p.LastFillSignature,
		TriggerAccount:    p.TriggerAccount,
		AvgEntryPrice:     p.AvgEntryPrice,
	}
	if p.Decimals >= 0 {
		d := p.Decimals
		r.Decimals = &d
	}
	if p.TotalBaseSpentRaw != nil {
		r.TotalBaseSpentRaw = p.TotalBaseSpentRaw.String()
	}
	return r
}

// Get returns a copy of the position for assetID.
func (s *Store) Get(assetID string) (*Position, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[assetID]
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

// List returns copies of all positions ordered by asset id.
func (s *Store) List() []*Position {
	s.mu.RLock()
	out := make([]*Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, p.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].AssetID < out[j].AssetID })
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.positions)
}

// RecordBuy adds a confirmed buy fill and persists the result.
func (s *Store) RecordBuy(fill Fill) (*Position, error) {
	if fill.AssetID == "" {
		return nil, errors.New("fill without asset id")
	}
	if fill.AssetAmountRaw == nil || fill.AssetAmountRaw.Sign() <= 0 {
		return nil, fmt.Errorf("fill for %s has non-positive amount", fill.AssetID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.positions[fill.AssetID]
	next := applyBuy(prev, fill)

	updated := s.copyLocked()
	updated[fill.AssetID] = next
	if err := s.writeLocked(updated); err != nil {
		return nil, err
	}
	s.positions = updated

	s.logger.Debug("Buy fill committed",
		zap.String("asset", fill.AssetID),
		zap.String("amount_raw", next.AmountRaw.String()),
		zap.String("signature", fill.Signature))
	return next.Clone(), nil
}

func applyBuy(prev *Position, fill Fill) *Position {
	next := &Position{
		AssetID:           fill.AssetID,
		AmountRaw:         new(big.Int).Set(fill.AssetAmountRaw),
		Decimals:          fill.Decimals,
		LastFillSignature: fill.Signature,
		TriggerAccount:    fill.TriggerAccount,
	}
	if fill.Decimals < 0 && prev != nil {
		next.Decimals = prev.Decimals
	}

	if prev == nil {
		if fill.TrackCost && fill.BaseAmountRaw != nil {
			next.TotalBaseSpentRaw = new(big.Int).Set(fill.BaseAmountRaw)
		}
	} else {
		next.AmountRaw.Add(next.AmountRaw, prev.AmountRaw)
		// cost basis continues only if it covered every earlier fill
		if fill.TrackCost && fill.BaseAmountRaw != nil && prev.TotalBaseSpentRaw != nil {
			next.TotalBaseSpentRaw = new(big.Int).Add(prev.TotalBaseSpentRaw, fill.BaseAmountRaw)
		}
	}

	if next.TotalBaseSpentRaw != nil {
		if price, ok := entryPrice(next.TotalBaseSpentRaw, next.AmountRaw, next.Decimals); ok && price > 0 {
			next.AvgEntryPrice = &price
		}
	}
	return next
}

// Remove deletes the position and persists the result.
func (s *Store) Remove(assetID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.positions[assetID]; !ok {
		return ErrNoPosition
	}

	updated := s.copyLocked()
	delete(updated, assetID)
	if err := s.writeLocked(updated); err != nil {
		return err
	}
	s.positions = updated

	s.logger.Debug("Position removed", zap.String("asset", assetID))
	return nil
}

// Save writes the current map to disk.
func (s *Store) Save() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writeLocked(s.positions)
}

func (s *Store) copyLocked() map[string]*Position {
	out := make(map[string]*Position, len(s.positions)+1)
	for k, v := range s.positions {
		out[k] = v
	}
	return out
}

// writeLocked writes positions to a temp file, syncs it and renames it over the target.
func (s *Store) writeLocked(positions map[string]*Position) error {
	records := make(map[string]record, len(positions))
	for id, p := range positions {
		records[id] = encodeRecord(p)
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("encode positions: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("write positions: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("sync positions: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close positions: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		cleanup()
		return fmt.Errorf("replace positions file: %w", err)
	}
	return nil
}
