package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"QuorumVault/internal/models"
)

type memData struct {
	policies  map[string]models.Policy
	escrows   map[string]*models.Escrow
	approvals map[string]map[string]models.Approval
	payments  map[string]models.CollectionPayment
}

func newMemData() *memData {
	return &memData{
		policies:  make(map[string]models.Policy),
		escrows:   make(map[string]*models.Escrow),
		approvals: make(map[string]map[string]models.Approval),
		payments:  make(map[string]models.CollectionPayment),
	}
}

func (d *memData) clone() *memData {
	cp := newMemData()
	for k, v := range d.policies {
		cp.policies[k] = v
	}
	for k, v := range d.escrows {
		cp.escrows[k] = v.Clone()
	}
	for k, m := range d.approvals {
		inner := make(map[string]models.Approval, len(m))
		for a, v := range m {
			inner[a] = v
		}
		cp.approvals[k] = inner
	}
	for k, v := range d.payments {
		cp.payments[k] = v
	}
	return cp
}

// MemoryStore keeps everything in process. Used by tests and local runs.
//
// A transaction works on a private copy of the data that replaces the shared
// one only when fn succeeds. Transactions and writes made outside one are
// serialized by txMu, so a commit never overwrites a concurrent write.
type MemoryStore struct {
	txMu sync.Mutex

	mu   sync.RWMutex
	data *memData
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: newMemData()}
}

func (s *MemoryStore) Atomically(ctx context.Context, fn func(tx Store) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.RLock()
	work := s.data.clone()
	s.mu.RUnlock()

	if err := fn(&memTx{data: work}); err != nil {
		return err
	}
	s.mu.Lock()
	s.data = work
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) read(fn func(d *memData)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn(s.data)
}

func (s *MemoryStore) write(fn func(d *memData) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.data)
}

func (s *MemoryStore) CreatePolicy(ctx context.Context, p *models.Policy) error {
	return s.write(func(d *memData) error { return d.createPolicy(p) })
}

func (s *MemoryStore) GetPolicy(ctx context.Context, id string) (p *models.Policy, err error) {
	s.read(func(d *memData) { p, err = d.getPolicy(id) })
	return p, err
}

func (s *MemoryStore) ListPolicies(ctx context.Context, vaultID string) (out []models.Policy, err error) {
	s.read(func(d *memData) { out = d.listPolicies(vaultID) })
	return out, nil
}

func (s *MemoryStore) UpdatePolicy(ctx context.Context, p *models.Policy) error {
	return s.write(func(d *memData) error { return d.updatePolicy(p) })
}

func (s *MemoryStore) CreateEscrow(ctx context.Context, e *models.Escrow) error {
	return s.write(func(d *memData) error { return d.createEscrow(e) })
}

func (s *MemoryStore) GetEscrow(ctx context.Context, id string) (e *models.Escrow, err error) {
	s.read(func(d *memData) { e, err = d.getEscrow(id) })
	return e, err
}

// LockEscrow outside a transaction is a plain read.
func (s *MemoryStore) LockEscrow(ctx context.Context, id string) (*models.Escrow, error) {
	return s.GetEscrow(ctx, id)
}

func (s *MemoryStore) SaveEscrow(ctx context.Context, e *models.Escrow) error {
	return s.write(func(d *memData) error { return d.saveEscrow(e) })
}

func (s *MemoryStore) ListExpirable(ctx context.Context, now time.Time, limit int) (out []models.Escrow, err error) {
	s.read(func(d *memData) { out = d.listExpirable(now, limit) })
	return out, nil
}

func (s *MemoryStore) ListByState(ctx context.Context, state models.EscrowState, limit int) (out []models.Escrow, err error) {
	s.read(func(d *memData) { out = d.listByState(state, limit) })
	return out, nil
}

func (s *MemoryStore) ListUnlocked(ctx context.Context, now time.Time, limit int) (out []models.Escrow, err error) {
	s.read(func(d *memData) { out = d.listUnlocked(now, limit) })
	return out, nil
}

func (s *MemoryStore) ListAwaitingReceipt(ctx context.Context, limit int) (out []models.Escrow, err error) {
	s.read(func(d *memData) { out = d.listAwaitingReceipt(limit) })
	return out, nil
}

func (s *MemoryStore) ListStaleClaims(ctx context.Context, claimedBefore time.Time, limit int) (out []models.Escrow, err error) {
	s.read(func(d *memData) { out = d.listStaleClaims(claimedBefore, limit) })
	return out, nil
}

func (s *MemoryStore) UpsertApproval(ctx context.Context, a *models.Approval) error {
	return s.write(func(d *memData) error { return d.upsertApproval(a) })
}

func (s *MemoryStore) ListApprovals(ctx context.Context, escrowID string) (out []models.Approval, err error) {
	s.read(func(d *memData) { out = d.listApprovals(escrowID) })
	return out, nil
}

func (s *MemoryStore) CreatePayment(ctx context.Context, p *models.CollectionPayment) error {
	return s.write(func(d *memData) error { return d.createPayment(p) })
}

func (s *MemoryStore) GetPaymentByTxHash(ctx context.Context, txHash string) (p *models.CollectionPayment, err error) {
	s.read(func(d *memData) { p, err = d.getPayment(txHash) })
	return p, err
}

// memTx is the store handed to an Atomically callback. It owns its working
// copy, so it needs no locking.
type memTx struct {
	data *memData
}

func (t *memTx) Atomically(ctx context.Context, fn func(tx Store) error) error {
	return fn(t)
}

func (t *memTx) CreatePolicy(ctx context.Context, p *models.Policy) error {
	return t.data.createPolicy(p)
}

func (t *memTx) GetPolicy(ctx context.Context, id string) (*models.Policy, error) {
	return t.data.getPolicy(id)
}

func (t *memTx) ListPolicies(ctx context.Context, vaultID string) ([]models.Policy, error) {
	return t.data.listPolicies(vaultID), nil
}

func (t *memTx) UpdatePolicy(ctx context.Context, p *models.Policy) error {
	return t.data.updatePolicy(p)
}

func (t *memTx) CreateEscrow(ctx context.Context, e *models.Escrow) error {
	return t.data.createEscrow(e)
}

func (t *memTx) GetEscrow(ctx context.Context, id string) (*models.Escrow, error) {
	return t.data.getEscrow(id)
}

// LockEscrow relies on Atomically serializing transactions.
func (t *memTx) LockEscrow(ctx context.Context, id string) (*models.Escrow, error) {
	return t.data.getEscrow(id)
}

func (t *memTx) SaveEscrow(ctx context.Context, e *models.Escrow) error {
	return t.data.saveEscrow(e)
}

func (t *memTx) ListExpirable(ctx context.Context, now time.Time, limit int) ([]models.Escrow, error) {
	return t.data.listExpirable(now, limit), nil
}

func (t *memTx) ListByState(ctx context.Context, state models.EscrowState, limit int) ([]models.Escrow, error) {
	return t.data.listByState(state, limit), nil
}

func (t *memTx) ListUnlocked(ctx context.Context, now time.Time, limit int) ([]models.Escrow, error) {
	return t.data.listUnlocked(now, limit), nil
}

func (t *memTx) ListAwaitingReceipt(ctx context.Context, limit int) ([]models.Escrow, error) {
	return t.data.listAwaitingReceipt(limit), nil
}

func (t *memTx) ListStaleClaims(ctx context.Context, claimedBefore time.Time, limit int) ([]models.Escrow, error) {
	return t.data.listStaleClaims(claimedBefore, limit), nil
}

func (t *memTx) UpsertApproval(ctx context.Context, a *models.Approval) error {
	return t.data.upsertApproval(a)
}

func (t *memTx) ListApprovals(ctx context.Context, escrowID string) ([]models.Approval, error) {
	return t.data.listApprovals(escrowID), nil
}

func (t *memTx) CreatePayment(ctx context.Context, p *models.CollectionPayment) error {
	return t.data.createPayment(p)
}

func (t *memTx) GetPaymentByTxHash(ctx context.Context, txHash string) (*models.CollectionPayment, error) {
	return t.data.getPayment(txHash)
}

func (d *memData) createPolicy(p *models.Policy) error {
	if _, ok := d.policies[p.ID]; ok {
		return models.Errorf(models.KindInvalidInput, "policy %s already exists", p.ID)
	}
	stampCreated(&p.CreatedAt, &p.UpdatedAt)
	d.policies[p.ID] = *p
	return nil
}

func (d *memData) getPolicy(id string) (*models.Policy, error) {
	p, ok := d.policies[id]
	if !ok {
		return nil, notFound("policy", id)
	}
	return &p, nil
}

func (d *memData) listPolicies(vaultID string) []models.Policy {
	var out []models.Policy
	for _, p := range d.policies {
		if p.VaultID == vaultID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func (d *memData) updatePolicy(p *models.Policy) error {
	cur, ok := d.policies[p.ID]
	if !ok {
		return notFound("policy", p.ID)
	}
	cur.Active = p.Active
	cur.SupersededBy = p.SupersededBy
	cur.DeactivatedAt = p.DeactivatedAt
	cur.UpdatedAt = p.UpdatedAt
	d.policies[p.ID] = cur
	return nil
}

func (d *memData) createEscrow(e *models.Escrow) error {
	if _, ok := d.escrows[e.ID]; ok {
		return models.Errorf(models.KindInvalidInput, "escrow %s already exists", e.ID)
	}
	stampCreated(&e.CreatedAt, &e.UpdatedAt)
	if e.Version == 0 {
		e.Version = 1
	}
	for i := range e.Participants {
		e.Participants[i].EscrowID = e.ID
		stampCreated(&e.Participants[i].CreatedAt, &e.Participants[i].UpdatedAt)
	}
	d.escrows[e.ID] = e.Clone()
	return nil
}

func (d *memData) getEscrow(id string) (*models.Escrow, error) {
	e, ok := d.escrows[id]
	if !ok {
		return nil, notFound("escrow", id)
	}
	return e.Clone(), nil
}

func (d *memData) saveEscrow(e *models.Escrow) error {
	cur, ok := d.escrows[e.ID]
	if !ok {
		return notFound("escrow", e.ID)
	}
	if cur.Version != e.Version {
		return ErrConflict
	}
	e.Version++
	e.UpdatedAt = time.Now().UTC()
	d.escrows[e.ID] = e.Clone()
	return nil
}

func (d *memData) listExpirable(now time.Time, limit int) []models.Escrow {
	return d.list(limit, func(e *models.Escrow) bool {
		if e.State.Terminal() || e.ExecutionStatus.InFlight() {
			return false
		}
		return e.Expired(now)
	}, func(a, b *models.Escrow) bool {
		return a.ExpiresAt.Before(*b.ExpiresAt)
	})
}

func (d *memData) listByState(state models.EscrowState, limit int) []models.Escrow {
	return d.list(limit, func(e *models.Escrow) bool {
		return e.State == state
	}, func(a, b *models.Escrow) bool {
		return a.UpdatedAt.Before(b.UpdatedAt)
	})
}

func (d *memData) listUnlocked(now time.Time, limit int) []models.Escrow {
	return d.list(limit, func(e *models.Escrow) bool {
		return e.State == models.EscrowApproved && (e.UnlockAt == nil || !e.UnlockAt.After(now))
	}, func(a, b *models.Escrow) bool {
		return unlockKey(a).Before(unlockKey(b))
	})
}

func unlockKey(e *models.Escrow) time.Time {
	if e.UnlockAt == nil {
		return time.Time{}
	}
	return *e.UnlockAt
}

func (d *memData) listAwaitingReceipt(limit int) []models.Escrow {
	return d.list(limit, func(e *models.Escrow) bool {
		return e.State == models.EscrowReady && e.SubmissionHandle != nil &&
			(e.ExecutionStatus == models.ExecutionSubmitted || e.ExecutionStatus == models.ExecutionAmbiguous)
	}, func(a, b *models.Escrow) bool {
		return a.CreatedAt.Before(b.CreatedAt)
	})
}

func (d *memData) listStaleClaims(claimedBefore time.Time, limit int) []models.Escrow {
	return d.list(limit, func(e *models.Escrow) bool {
		return e.State == models.EscrowReady && e.SubmissionHandle == nil &&
			e.ExecutionStatus == models.ExecutionSubmitting &&
			(e.SubmittedAt == nil || !e.SubmittedAt.After(claimedBefore))
	}, func(a, b *models.Escrow) bool {
		return a.CreatedAt.Before(b.CreatedAt)
	})
}

func (d *memData) list(limit int, keep func(*models.Escrow) bool, less func(a, b *models.Escrow) bool) []models.Escrow {
	var matched []*models.Escrow
	for _, e := range d.escrows {
		if keep(e) {
			matched = append(matched, e.Clone())
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return less(matched[i], matched[j])
	})
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	out := make([]models.Escrow, len(matched))
	for i, e := range matched {
		out[i] = *e
	}
	return out
}

func (d *memData) upsertApproval(a *models.Approval) error {
	byAddr, ok := d.approvals[a.EscrowID]
	if !ok {
		byAddr = make(map[string]models.Approval)
		d.approvals[a.EscrowID] = byAddr
	}
	if cur, ok := byAddr[a.ApproverAddress]; ok {
		cur.Weight = a.Weight
		cur.ProofHash = a.ProofHash
		cur.UpdatedAt = time.Now().UTC()
		byAddr[a.ApproverAddress] = cur
		return nil
	}
	stampCreated(&a.CreatedAt, &a.UpdatedAt)
	byAddr[a.ApproverAddress] = *a
	return nil
}

func (d *memData) listApprovals(escrowID string) []models.Approval {
	out := make([]models.Approval, 0, len(d.approvals[escrowID]))
	for _, a := range d.approvals[escrowID] {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ApproverAddress < out[j].ApproverAddress
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (d *memData) createPayment(p *models.CollectionPayment) error {
	if _, ok := d.payments[p.TxHash]; ok {
		return models.Errorf(models.KindInvalidInput, "payment %s already recorded", p.TxHash)
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	d.payments[p.TxHash] = *p
	return nil
}

func (d *memData) getPayment(txHash string) (*models.CollectionPayment, error) {
	p, ok := d.payments[txHash]
	if !ok {
		return nil, notFound("payment", txHash)
	}
	return &p, nil
}

func stampCreated(created, updated *time.Time) {
	now := time.Now().UTC()
	if created.IsZero() {
		*created = now
	}
	if updated.IsZero() {
		*updated = now
	}
}
