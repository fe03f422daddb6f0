// Package store provides in-memory obligation.TxStore implementations.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/vts/obligation-engine/obligation"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps obligations and audit entries in maps guarded by one RWMutex.
// Everything handed in or out is cloned.
type Memory struct {
	mu          sync.RWMutex
	obligations map[obligation.ID]*obligation.Obligation
	audit       []obligation.AuditEntry
	keys        map[string]int // action key -> index in audit
}

var _ obligation.TxStore = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		obligations: make(map[obligation.ID]*obligation.Obligation),
		keys:        make(map[string]int),
	}
}

// Save upserts all obligations.
func (m *Memory) Save(_ context.Context, obs ...*obligation.Obligation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveLocked(obs)
	return nil
}

func (m *Memory) saveLocked(obs []*obligation.Obligation) {
	for _, o := range obs {
		m.obligations[o.ID] = o.Clone()
	}
}

func (m *Memory) Get(_ context.Context, id obligation.ID) (*obligation.Obligation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getLocked(id)
}

func (m *Memory) getLocked(id obligation.ID) (*obligation.Obligation, error) {
	o, ok := m.obligations[id]
	if !ok {
		return nil, obligation.ErrNotFound
	}
	return o.Clone(), nil
}

func (m *Memory) List(_ context.Context, filter obligation.Filter) ([]*obligation.Obligation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listLocked(filter), nil
}

func (m *Memory) listLocked(filter obligation.Filter) []*obligation.Obligation {
	result := []*obligation.Obligation{}
	for _, o := range m.obligations {
		if filter.Matches(o) {
			result = append(result, o.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].DueDate.Equal(result[j].DueDate) {
			return result[i].DueDate.Before(result[j].DueDate)
		}
		return result[i].ID < result[j].ID
	})
	return result
}

func (m *Memory) SetPendingSync(_ context.Context, id obligation.ID, pending bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, err := m.getLocked(id)
	if err != nil {
		return err
	}
	o.PendingSync = pending
	m.obligations[id] = o
	return nil
}

// =============================================================================
// AUDIT
// =============================================================================

func (m *Memory) AppendAudit(_ context.Context, entry obligation.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendAuditLocked(entry)
}

func (m *Memory) appendAuditLocked(entry obligation.AuditEntry) error {
	if entry.ActionKey != "" {
		if _, exists := m.keys[entry.ActionKey]; exists {
			return obligation.ErrDuplicateActionKey
		}
		m.keys[entry.ActionKey] = len(m.audit)
	}
	m.audit = append(m.audit, entry)
	return nil
}

func (m *Memory) LoadAudit(_ context.Context, id obligation.ID) ([]obligation.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loadAuditLocked(id), nil
}

func (m *Memory) loadAuditLocked(id obligation.ID) []obligation.AuditEntry {
	result := []obligation.AuditEntry{}
	for _, e := range m.audit {
		if e.ObligationID == id || e.RelatedID == id {
			result = append(result, e)
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Timestamp.Before(result[j].Timestamp)
	})
	return result
}

func (m *Memory) FindAuditByKey(_ context.Context, key string) (*obligation.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findLocked(key), nil
}

func (m *Memory) findLocked(key string) *obligation.AuditEntry {
	i, ok := m.keys[key]
	if !ok {
		return nil
	}
	e := m.audit[i]
	return &e
}

// AuditLen returns the total number of audit entries.
func (m *Memory) AuditLen() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.audit)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction, simulated with a snapshot and a
// rollback on error. Other callers are blocked until fn returns.
func (m *Memory) WithTx(_ context.Context, fn func(obligation.Repository) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.snapshot()
	if err := fn(&txView{parent: m}); err != nil {
		m.restore(snapshot)
		return err
	}
	return nil
}

type memorySnapshot struct {
	obligations map[obligation.ID]*obligation.Obligation
	auditLen    int
	keys        map[string]int
}

// snapshot copies the maps. Stored obligations are never mutated in place
// (Save replaces them), so copying pointers is enough.
func (m *Memory) snapshot() memorySnapshot {
	obs := make(map[obligation.ID]*obligation.Obligation, len(m.obligations))
	for k, v := range m.obligations {
		obs[k] = v
	}
	keys := make(map[string]int, len(m.keys))
	for k, v := range m.keys {
		keys[k] = v
	}
	return memorySnapshot{obligations: obs, auditLen: len(m.audit), keys: keys}
}

func (m *Memory) restore(s memorySnapshot) {
	m.obligations = s.obligations
	m.audit = m.audit[:s.auditLen]
	m.keys = s.keys
}

// txView is the Repository seen inside WithTx; the parent lock is held.
type txView struct {
	parent *Memory
}

func (tv *txView) Save(_ context.Context, obs ...*obligation.Obligation) error {
	tv.parent.saveLocked(obs)
	return nil
}

func (tv *txView) Get(_ context.Context, id obligation.ID) (*obligation.Obligation, error) {
	return tv.parent.getLocked(id)
}

func (tv *txView) List(_ context.Context, filter obligation.Filter) ([]*obligation.Obligation, error) {
	return tv.parent.listLocked(filter), nil
}

func (tv *txView) SetPendingSync(_ context.Context, id obligation.ID, pending bool) error {
	o, err := tv.parent.getLocked(id)
	if err != nil {
		return err
	}
	o.PendingSync = pending
	tv.parent.saveLocked([]*obligation.Obligation{o})
	return nil
}

func (tv *txView) AppendAudit(_ context.Context, entry obligation.AuditEntry) error {
	return tv.parent.appendAuditLocked(entry)
}

func (tv *txView) LoadAudit(_ context.Context, id obligation.ID) ([]obligation.AuditEntry, error) {
	return tv.parent.loadAuditLocked(id), nil
}

func (tv *txView) FindAuditByKey(_ context.Context, key string) (*obligation.AuditEntry, error) {
	return tv.parent.findLocked(key), nil
}
