// Package store implements liquidityd's persistence operations over gorm.
package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	coreerr "swapmesh/core/errors"
	"swapmesh/merkle"
	"swapmesh/native/liquidity"
	"swapmesh/services/liquidityd/models"
)

// Store wraps the database with the service's domain operations.
type Store struct {
	db    *gorm.DB
	nowFn func() time.Time
	idFn  func() string
}

// New builds a store over an open database handle.
func New(db *gorm.DB) *Store {
	return &Store{
		db:    db,
		nowFn: time.Now,
		idFn:  func() string { return uuid.NewString() },
	}
}

// SetNowFunc overrides the time source, primarily used in tests.
func (s *Store) SetNowFunc(now func() time.Time) {
	if now == nil {
		s.nowFn = time.Now
		return
	}
	s.nowFn = now
}

// UpsertProvider creates or versions a provider.
func (s *Store) UpsertProvider(p liquidity.Provider) (*liquidity.Provider, error) {
	now := s.nowFn().UTC()
	if p.ProviderID == "" {
		p.ProviderID = "prov_" + s.idFn()
	}
	var row models.Provider
	err := s.db.First(&row, "provider_id = ?", p.ProviderID).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		row = models.Provider{
			ProviderID: p.ProviderID,
			Name:       p.Name,
			Version:    1,
			Active:     p.Active,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := s.db.Create(&row).Error; err != nil {
			return nil, fmt.Errorf("create provider: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("load provider: %w", err)
	default:
		row.Name = p.Name
		row.Active = p.Active
		row.Version++
		row.UpdatedAt = now
		if err := s.db.Save(&row).Error; err != nil {
			return nil, fmt.Errorf("update provider: %w", err)
		}
	}
	return providerOut(row), nil
}

// UpsertPersona creates or versions a persona under an existing provider.
func (s *Store) UpsertPersona(p liquidity.Persona) (*liquidity.Persona, error) {
	var provider models.Provider
	if err := s.db.First(&provider, "provider_id = ?", p.ProviderID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, coreerr.NotFound("provider %s not found", p.ProviderID)
		}
		return nil, fmt.Errorf("load provider: %w", err)
	}
	now := s.nowFn().UTC()
	if p.PersonaID == "" {
		p.PersonaID = "per_" + s.idFn()
	}
	var row models.Persona
	err := s.db.First(&row, "persona_id = ?", p.PersonaID).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		row = models.Persona{
			PersonaID:  p.PersonaID,
			ProviderID: p.ProviderID,
			Kind:       p.Kind,
			TrustTier:  p.TrustTier,
			Version:    1,
			Active:     p.Active,
			CreatedAt:  now,
		}
		if err := s.db.Create(&row).Error; err != nil {
			return nil, fmt.Errorf("create persona: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("load persona: %w", err)
	default:
		row.Kind = p.Kind
		row.TrustTier = p.TrustTier
		row.Active = p.Active
		row.Version++
		if err := s.db.Save(&row).Error; err != nil {
			return nil, fmt.Errorf("update persona: %w", err)
		}
	}
	return personaOut(row), nil
}

// GetPersona loads one persona.
func (s *Store) GetPersona(personaID string) (*liquidity.Persona, error) {
	var row models.Persona
	if err := s.db.First(&row, "persona_id = ?", personaID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, coreerr.NotFound("persona %s not found", personaID)
		}
		return nil, fmt.Errorf("load persona: %w", err)
	}
	return personaOut(row), nil
}

// RecordSnapshot persists a new inventory snapshot and its merkle root.
func (s *Store) RecordSnapshot(personaID string, takenAt time.Time, holdings []liquidity.Holding) (*liquidity.Snapshot, error) {
	persona, err := s.GetPersona(personaID)
	if err != nil {
		return nil, err
	}
	root, err := liquidity.ComputeRoot(holdings)
	if err != nil {
		return nil, err
	}
	leaves, err := liquidity.Leaves(holdings)
	if err != nil {
		return nil, err
	}
	now := s.nowFn().UTC()
	if takenAt.IsZero() {
		takenAt = now
	}
	snap := models.InventorySnapshot{
		SnapshotID: "snap_" + s.idFn(),
		ProviderID: persona.ProviderID,
		PersonaID:  persona.PersonaID,
		RootHash:   root,
		TakenAt:    takenAt.UTC(),
		CreatedAt:  now,
	}
	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&snap).Error; err != nil {
			return fmt.Errorf("create snapshot: %w", err)
		}
		for i, h := range holdings {
			row := models.SnapshotHolding{
				SnapshotID: snap.SnapshotID,
				AssetKey:   h.AssetKey,
				LeafIndex:  i,
				LeafHash:   leaves[i],
				Quantity:   h.Quantity,
				ValueUSD:   h.ValueUSD,
				Available:  h.Available,
			}
			if err := tx.Create(&row).Error; err != nil {
				return fmt.Errorf("create holding %s: %w", h.AssetKey, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetSnapshot(snap.SnapshotID)
}

// GetSnapshot loads one snapshot with holdings in leaf order.
func (s *Store) GetSnapshot(snapshotID string) (*liquidity.Snapshot, error) {
	var row models.InventorySnapshot
	if err := s.db.First(&row, "snapshot_id = ?", snapshotID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, coreerr.NotFound("snapshot %s not found", snapshotID)
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	var holdingRows []models.SnapshotHolding
	if err := s.db.Order("leaf_index asc").Find(&holdingRows, "snapshot_id = ?", snapshotID).Error; err != nil {
		return nil, fmt.Errorf("load holdings: %w", err)
	}
	snap := &liquidity.Snapshot{
		SnapshotID: row.SnapshotID,
		ProviderID: row.ProviderID,
		PersonaID:  row.PersonaID,
		TakenAt:    row.TakenAt,
		RootHash:   row.RootHash,
	}
	for _, h := range holdingRows {
		snap.Holdings = append(snap.Holdings, liquidity.Holding{
			AssetKey:  h.AssetKey,
			Quantity:  h.Quantity,
			ValueUSD:  h.ValueUSD,
			Available: h.Available,
		})
	}
	return snap, nil
}

// Prove builds an inclusion proof for one asset of a snapshot.
func (s *Store) Prove(snapshotID, assetKey string) (liquidity.Holding, merkle.Proof, error) {
	snap, err := s.GetSnapshot(snapshotID)
	if err != nil {
		return liquidity.Holding{}, merkle.Proof{}, err
	}
	for i, h := range snap.Holdings {
		if h.AssetKey == assetKey {
			proof, err := liquidity.ProveHolding(snap, i)
			return h, proof, err
		}
	}
	return liquidity.Holding{}, merkle.Proof{}, coreerr.NotFound(
		"asset %s not present in snapshot %s", assetKey, snapshotID)
}

// BatchReserve attempts to reserve every entry, reporting per-entry outcomes.
// Entries fail independently; a conflict on one asset does not roll back the
// others.
func (s *Store) BatchReserve(entries []liquidity.BatchEntry) []liquidity.BatchResult {
	results := make([]liquidity.BatchResult, 0, len(entries))
	for _, entry := range entries {
		results = append(results, s.reserveOne(entry))
	}
	return results
}

func (s *Store) reserveOne(entry liquidity.BatchEntry) liquidity.BatchResult {
	result := liquidity.BatchResult{Entry: entry}
	now := s.nowFn().UTC()
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var holding models.SnapshotHolding
		err := tx.First(&holding, "snapshot_id = ? AND asset_key = ?", entry.SnapshotID, entry.AssetKey).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			result.Outcome = liquidity.OutcomeAssetNotFound
			result.Detail = "asset not present in snapshot"
			return nil
		}
		if err != nil {
			return err
		}
		if !holding.Available {
			result.Outcome = liquidity.OutcomeNotAvailable
			result.Detail = "holding is not available"
			return nil
		}
		var existing models.Reservation
		err = tx.First(&existing,
			"snapshot_id = ? AND asset_key = ? AND status = ?",
			entry.SnapshotID, entry.AssetKey, liquidity.ReservationActive).Error
		if err == nil {
			if existing.ContextID == entry.ContextID {
				// Same context retrying is idempotent.
				result.Outcome = liquidity.OutcomeSuccess
				result.ReservationID = existing.ReservationID
				return nil
			}
			result.Outcome = liquidity.OutcomeConflict
			result.Detail = "asset is reserved by another context"
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		row := models.Reservation{
			ReservationID: "res_" + s.idFn(),
			SnapshotID:    entry.SnapshotID,
			AssetKey:      entry.AssetKey,
			ContextID:     entry.ContextID,
			Status:        liquidity.ReservationActive,
			CreatedAt:     now,
		}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		result.Outcome = liquidity.OutcomeSuccess
		result.ReservationID = row.ReservationID
		return nil
	})
	if err != nil {
		result.Outcome = liquidity.OutcomeConflict
		result.Detail = err.Error()
	}
	return result
}

// BatchRelease releases active reservations, verifying context ownership.
func (s *Store) BatchRelease(entries []liquidity.BatchEntry) []liquidity.BatchResult {
	results := make([]liquidity.BatchResult, 0, len(entries))
	for _, entry := range entries {
		results = append(results, s.releaseOne(entry, liquidity.ReservationReleased))
	}
	return results
}

// BatchExecute marks active reservations as executed, verifying context
// ownership.
func (s *Store) BatchExecute(entries []liquidity.BatchEntry) []liquidity.BatchResult {
	results := make([]liquidity.BatchResult, 0, len(entries))
	for _, entry := range entries {
		results = append(results, s.releaseOne(entry, liquidity.ReservationExecuted))
	}
	return results
}

func (s *Store) releaseOne(entry liquidity.BatchEntry, terminal string) liquidity.BatchResult {
	result := liquidity.BatchResult{Entry: entry}
	now := s.nowFn().UTC()
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var row models.Reservation
		err := tx.First(&row,
			"snapshot_id = ? AND asset_key = ? AND status = ?",
			entry.SnapshotID, entry.AssetKey, liquidity.ReservationActive).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			result.Outcome = liquidity.OutcomeAssetNotFound
			result.Detail = "no active reservation for asset"
			return nil
		}
		if err != nil {
			return err
		}
		if row.ContextID != entry.ContextID {
			result.Outcome = liquidity.OutcomeContextMismatch
			result.Detail = "reservation belongs to another context"
			return nil
		}
		row.Status = terminal
		row.ReleasedAt = &now
		if err := tx.Save(&row).Error; err != nil {
			return err
		}
		result.Outcome = liquidity.OutcomeSuccess
		result.ReservationID = row.ReservationID
		return nil
	})
	if err != nil {
		result.Outcome = liquidity.OutcomeConflict
		result.Detail = err.Error()
	}
	return result
}

// ExecutedReservations lists reservations marked executed since cutoff.
func (s *Store) ExecutedReservations(since time.Time) ([]liquidity.Reservation, error) {
	var rows []models.Reservation
	q := s.db.Where("status = ?", liquidity.ReservationExecuted)
	if !since.IsZero() {
		q = q.Where("released_at >= ?", since)
	}
	if err := q.Order("reservation_id asc").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load executed reservations: %w", err)
	}
	out := make([]liquidity.Reservation, 0, len(rows))
	for _, row := range rows {
		r := liquidity.Reservation{
			ReservationID: row.ReservationID,
			SnapshotID:    row.SnapshotID,
			AssetKey:      row.AssetKey,
			ContextID:     row.ContextID,
			Status:        row.Status,
			CreatedAt:     row.CreatedAt,
		}
		if row.ReleasedAt != nil {
			r.ReleasedAt = *row.ReleasedAt
		}
		out = append(out, r)
	}
	return out, nil
}

// SaveReconReport records a reconciliation pass.
func (s *Store) SaveReconReport(report models.ReconReport) error {
	report.RunAt = s.nowFn().UTC()
	return s.db.Create(&report).Error
}

func providerOut(row models.Provider) *liquidity.Provider {
	return &liquidity.Provider{
		ProviderID: row.ProviderID,
		Name:       row.Name,
		Version:    row.Version,
		Active:     row.Active,
		CreatedAt:  row.CreatedAt,
		UpdatedAt:  row.UpdatedAt,
	}
}

func personaOut(row models.Persona) *liquidity.Persona {
	return &liquidity.Persona{
		PersonaID:  row.PersonaID,
		ProviderID: row.ProviderID,
		Kind:       row.Kind,
		TrustTier:  row.TrustTier,
		Version:    row.Version,
		Active:     row.Active,
		CreatedAt:  row.CreatedAt,
	}
}
