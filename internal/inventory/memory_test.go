package inventory

import (
	"bytes"
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/odyssey-erp/stockledger/internal/shared"
)

type memoryStore struct {
	mu        sync.Mutex
	variants  map[uuid.UUID]StockVariant
	movements map[uuid.UUID][]Movement
	sales     map[uuid.UUID]SalesTotals
	transfers map[uuid.UUID]Transfer

	// casErr, when set, can fail a CompareAndSwap before it is applied.
	casErr func(next StockVariant, mv Movement) error
	casCalls int
}

var _ Store = (*memoryStore)(nil)

func newMemoryStore() *memoryStore {
	return &memoryStore{
		variants:  make(map[uuid.UUID]StockVariant),
		movements: make(map[uuid.UUID][]Movement),
		sales:     make(map[uuid.UUID]SalesTotals),
		transfers: make(map[uuid.UUID]Transfer),
	}
}

func (s *memoryStore) GetVariant(_ context.Context, id uuid.UUID) (StockVariant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.variants[id]
	if !ok {
		return StockVariant{}, ErrNotFound
	}
	return v, nil
}

func (s *memoryStore) FindVariant(_ context.Context, stockID uuid.UUID, holding HoldingRef, name string) (StockVariant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range s.variants {
		if v.StockID == stockID && v.Holding == holding && v.Name == name {
			return v, nil
		}
	}
	return StockVariant{}, ErrNotFound
}

func (s *memoryStore) CreateVariant(_ context.Context, variant StockVariant, opening *Movement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range s.variants {
		if v.StockID == variant.StockID && v.Holding == variant.Holding && v.Name == variant.Name {
			return ErrDuplicateVariant
		}
	}
	s.variants[variant.ID] = variant
	if opening != nil {
		s.movements[variant.ID] = append(s.movements[variant.ID], *opening)
	}
	return nil
}

func (s *memoryStore) CompareAndSwap(_ context.Context, expectedVersion int64, next StockVariant, mv Movement, sales *SalesTotals) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.casCalls++
	if s.casErr != nil {
		if err := s.casErr(next, mv); err != nil {
			return err
		}
	}
	cur, ok := s.variants[next.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != expectedVersion {
		return ErrVersionConflict
	}
	s.variants[next.ID] = next
	s.movements[next.ID] = append(s.movements[next.ID], mv)
	if sales != nil {
		s.sales[next.ID] = s.sales[next.ID].Add(*sales)
	}
	return nil
}

func (s *memoryStore) ArchiveVariant(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.variants[id]
	if !ok {
		return ErrNotFound
	}
	v.Archived = true
	s.variants[id] = v
	return nil
}

func (s *memoryStore) ListVariantIDs(_ context.Context, after uuid.UUID, limit int) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []uuid.UUID
	for id := range s.variants {
		if bytes.Compare(id[:], after[:]) > 0 {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return bytes.Compare(ids[i][:], ids[j][:]) < 0 })
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (s *memoryStore) GetSalesTotals(_ context.Context, id uuid.UUID) (SalesTotals, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sales[id], nil
}

func (s *memoryStore) ListMovements(_ context.Context, filter MovementFilter) ([]Movement, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matched []Movement
	for _, mv := range s.movements[filter.StockVariantID] {
		if !filter.From.IsZero() && mv.CreatedAt.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && !mv.CreatedAt.Before(filter.To) {
			continue
		}
		if len(filter.Types) > 0 && !containsType(filter.Types, mv.Type) {
			continue
		}
		matched = append(matched, mv)
	}
	sort.SliceStable(matched, func(i, j int) bool {
		if filter.Ascending {
			return matched[i].Version < matched[j].Version
		}
		return matched[i].Version > matched[j].Version
	})
	total := len(matched)
	start := (filter.Page - 1) * filter.PageSize
	if start >= total {
		return nil, total, nil
	}
	end := min(start+filter.PageSize, total)
	return append([]Movement(nil), matched[start:end]...), total, nil
}

func (s *memoryStore) MovementsAfter(_ context.Context, variantID uuid.UUID, afterVersion int64, limit int) ([]Movement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Movement
	for _, mv := range s.movements[variantID] {
		if mv.Version > afterVersion {
			out = append(out, mv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memoryStore) CreateTransfer(_ context.Context, t Transfer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transfers[t.ID] = t
	return nil
}

func (s *memoryStore) UpdateTransfer(_ context.Context, t Transfer, from ...TransferStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.transfers[t.ID]
	if !ok {
		return ErrNotFound
	}
	if !containsStatus(from, cur.Status) {
		return ErrTransferStatusChanged
	}
	s.transfers[t.ID] = t
	return nil
}

func (s *memoryStore) GetTransfer(_ context.Context, id uuid.UUID) (Transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.transfers[id]
	if !ok {
		return Transfer{}, ErrNotFound
	}
	return t, nil
}

func (s *memoryStore) ListTransfers(_ context.Context, filter TransferFilter) ([]Transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Transfer
	for _, t := range s.transfers {
		if len(filter.Statuses) > 0 && !containsStatus(filter.Statuses, t.Status) {
			continue
		}
		if !filter.OlderThan.IsZero() && !t.UpdatedAt.Before(filter.OlderThan) {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *memoryStore) history(id uuid.UUID) []Movement {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Movement(nil), s.movements[id]...)
}

// putVariant seeds a variant directly, bypassing provisioning.
func (s *memoryStore) putVariant(v StockVariant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.variants[v.ID] = v
}

func containsType(types []MovementType, t MovementType) bool {
	for _, candidate := range types {
		if candidate == t {
			return true
		}
	}
	return false
}

func containsStatus(statuses []TransferStatus, s TransferStatus) bool {
	for _, candidate := range statuses {
		if candidate == s {
			return true
		}
	}
	return false
}

type memoryAudit struct {
	mu   sync.Mutex
	logs []shared.AuditLog
}

func (a *memoryAudit) Record(_ context.Context, log shared.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logs = append(a.logs, log)
	return nil
}

func (a *memoryAudit) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.logs))
	for i, l := range a.logs {
		out[i] = l.Action
	}
	return out
}

type memoryIdempotency struct {
	mu   sync.Mutex
	keys map[string]string
}

func newMemoryIdempotency() *memoryIdempotency {
	return &memoryIdempotency{keys: make(map[string]string)}
}

func (m *memoryIdempotency) CheckAndInsert(_ context.Context, key, module string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keys[key]; ok {
		return shared.ErrIdempotencyConflict
	}
	m.keys[key] = module
	return nil
}

func (m *memoryIdempotency) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, key)
	return nil
}

type recordingMetrics struct {
	mu        sync.Mutex
	movements map[string]int
	conflicts map[string]int
	transfers map[string]int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{
		movements: make(map[string]int),
		conflicts: make(map[string]int),
		transfers: make(map[string]int),
	}
}

func (m *recordingMetrics) ObserveMovement(t string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.movements[t]++
}

func (m *recordingMetrics) ObserveConflict(t string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conflicts[t]++
}

func (m *recordingMetrics) ObserveTransfer(status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transfers[status]++
}

func (m *recordingMetrics) transferCount(status TransferStatus) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transfers[string(status)]
}

type recordingAlerts struct {
	mu     sync.Mutex
	events []ReconciliationRequiredEvent
}

func (a *recordingAlerts) HandleReconciliationRequired(_ context.Context, evt ReconciliationRequiredEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, evt)
	return nil
}
