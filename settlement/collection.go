package settlement

import (
	"fmt"
	"sort"
	"sync"

	"github.com/warp/settlement-engine/commission"
	"github.com/warp/settlement-engine/generic"
	"github.com/warp/settlement-engine/installment"
)

// =============================================================================
// COLLECTION - In-memory record set
// =============================================================================

// Collection is the visible set of sales. Readers get deep copies; only the
// Pipeline mutates it.
type Collection struct {
	mu      sync.RWMutex
	records map[generic.SaleID]*Record
	byLocal map[generic.LocalID]generic.SaleID
}

func NewCollection() *Collection {
	return &Collection{
		records: make(map[generic.SaleID]*Record),
		byLocal: make(map[generic.LocalID]generic.SaleID),
	}
}

// Get returns a copy of one sale.
func (c *Collection) Get(id generic.SaleID) (Record, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	r, ok := c.records[id]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", generic.ErrSaleNotFound, id)
	}
	return r.Clone(), nil
}

// List returns copies of every sale, newest first.
func (c *Collection) List() []Record {
	c.mu.RLock()
	out := make([]Record, 0, len(c.records))
	for _, r := range c.records {
		out = append(out, r.Clone())
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func (c *Collection) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.records)
}

// HasLocal reports whether a sale with this local id is present.
func (c *Collection) HasLocal(id generic.LocalID) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.byLocal[id]
	return ok
}

// =============================================================================
// MUTATIONS - Pipeline only
// =============================================================================

// insert publishes r unless a sale with the same id already exists.
func (c *Collection) insert(r Record) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.records[r.ID]; exists {
		return false
	}
	stored := r.Clone()
	c.records[r.ID] = &stored
	if r.LocalID != "" {
		c.byLocal[r.LocalID] = r.ID
	}
	return true
}

// patchRemoteID swaps the placeholder for the store-assigned id.
func (c *Collection) patchRemoteID(local generic.LocalID, remote generic.RemoteID) (Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id, ok := c.byLocal[local]
	if !ok {
		return Record{}, false
	}
	r := c.records[id]
	r.RemoteID = remote
	return r.Clone(), true
}

// update applies fn to the stored sale under the write lock. fn works on a
// copy; the copy replaces the stored sale only if fn succeeds, so a
// rejected change leaves no trace.
func (c *Collection) update(id generic.SaleID, fn func(r *Record) error) (Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	current, ok := c.records[id]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", generic.ErrSaleNotFound, id)
	}
	next := current.Clone()
	if err := fn(&next); err != nil {
		return Record{}, err
	}
	c.records[id] = &next
	return next.Clone(), nil
}

func (c *Collection) remove(id generic.SaleID) (Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.records[id]
	if !ok {
		return Record{}, false
	}
	delete(c.records, id)
	if r.LocalID != "" {
		delete(c.byLocal, r.LocalID)
	}
	return *r, true
}

// =============================================================================
// SUMMARY - Dashboard aggregates
// =============================================================================

type Summary struct {
	Sales         int                               `json:"sales"`
	ByStatus      map[installment.OverallStatus]int `json:"by_status"`
	PendingSync   int                               `json:"pending_sync"`
	UnsyncedEdits int                               `json:"unsynced_edits"`
	CreditTotal   generic.Money                     `json:"credit_total"`
	Commission    commission.Totals                 `json:"commission"`
}

// Summary aggregates the collection under one read lock.
func (c *Collection) Summary() Summary {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Summary{
		Sales: len(c.records),
		ByStatus: map[installment.OverallStatus]int{
			installment.EmAndamento:      0,
			installment.Concluido:        0,
			installment.OverallAtraso:    0,
			installment.OverallCancelado: 0,
		},
		CreditTotal: generic.ZeroMoney(),
		Commission: commission.Totals{
			Consultant: generic.ZeroMoney(),
			Manager:    generic.ZeroMoney(),
			Angel:      generic.ZeroMoney(),
		},
	}
	for _, r := range c.records {
		s.ByStatus[r.OverallStatus]++
		if !r.IsPersisted() {
			s.PendingSync++
		}
		if r.SyncError != "" {
			s.UnsyncedEdits++
		}
		s.CreditTotal = s.CreditTotal.Add(r.CreditValue)
		s.Commission.Consultant = s.Commission.Consultant.Add(r.Breakdown.Totals.Consultant)
		s.Commission.Manager = s.Commission.Manager.Add(r.Breakdown.Totals.Manager)
		s.Commission.Angel = s.Commission.Angel.Add(r.Breakdown.Totals.Angel)
	}
	return s
}
