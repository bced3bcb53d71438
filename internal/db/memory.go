package db

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/abkawan/ledger-engine/internal/ledger"
	"github.com/abkawan/ledger-engine/internal/models"
	"github.com/shopspring/decimal"
)

// Memory is an in-process ledger.Store. A unit of work stages its writes and
// applies them under one mutex at commit, after checking that no account or
// transaction it read has changed since. A lost race is reported as
// ledger.ErrConflict.
type Memory struct {
	mu       sync.RWMutex
	accounts map[string]models.Account
	numbers  map[string]string
	txs      map[string]models.Transaction
	refs     map[string]string
	events   []models.Event

	drainMu sync.Mutex
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		accounts: make(map[string]models.Account),
		numbers:  make(map[string]string),
		txs:      make(map[string]models.Transaction),
		refs:     make(map[string]string),
		now:      time.Now,
	}
}

var _ ledger.Store = (*Memory)(nil)

func (m *Memory) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.accounts[id]
	if !ok {
		return nil, ledger.NotFound("account", id)
	}
	return &a, nil
}

func (m *Memory) GetAccountByNumber(ctx context.Context, number string) (*models.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.numbers[number]
	if !ok {
		return nil, ledger.NotFound("account", number)
	}
	a := m.accounts[id]
	return &a, nil
}

func (m *Memory) GetTransaction(ctx context.Context, id string) (*models.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.txs[id]
	if !ok {
		return nil, ledger.NotFound("transaction", id)
	}
	return &t, nil
}

func (m *Memory) GetTransactionByReference(ctx context.Context, reference string) (*models.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.refs[reference]
	if !ok {
		return nil, ledger.NotFound("transaction", reference)
	}
	t := m.txs[id]
	return &t, nil
}

func (m *Memory) ListTransactions(ctx context.Context, filter models.TransactionFilter) ([]*models.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return listMatching(m.txs, nil, filter), nil
}

func (m *Memory) SumCompleted(ctx context.Context, accountID string, txType models.TransactionType, w ledger.Window) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sumCompleted(m.txs, nil, accountID, txType, w), nil
}

func (m *Memory) ReferenceExists(ctx context.Context, reference string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.refs[reference]
	return ok, nil
}

func (m *Memory) AccountNumberExists(ctx context.Context, number string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.numbers[number]
	return ok, nil
}

func (m *Memory) WithinTx(ctx context.Context, fn func(tx ledger.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := newMemTx(m)
	if err := fn(tx); err != nil {
		return err
	}
	return m.commit(tx)
}

// DrainOutbox publishes unsent events in append order. Concurrent drains are
// serialized so an event is never handed out twice.
func (m *Memory) DrainOutbox(ctx context.Context, limit int, publish ledger.PublishFunc) (int, error) {
	m.drainMu.Lock()
	defer m.drainMu.Unlock()

	m.mu.RLock()
	var pending []int
	for i := range m.events {
		if m.events[i].SentAt == nil {
			pending = append(pending, i)
			if limit > 0 && len(pending) == limit {
				break
			}
		}
	}
	batch := make([]models.Event, len(pending))
	for i, idx := range pending {
		batch[i] = copyEvent(m.events[idx])
	}
	m.mu.RUnlock()

	sent := 0
	for i, ev := range batch {
		if err := publish(ctx, ev); err != nil {
			return sent, err
		}
		at := m.now()
		m.mu.Lock()
		m.events[pending[i]].SentAt = &at
		m.mu.Unlock()
		sent++
	}
	return sent, nil
}

// Events returns a copy of the outbox
func (m *Memory) Events() []models.Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Event, len(m.events))
	for i, ev := range m.events {
		out[i] = copyEvent(ev)
	}
	return out
}

func (m *Memory) commit(tx *memTx) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, base := range tx.accountBase {
		current, ok := m.accounts[id]
		if base.exists != ok || (ok && current.Version != base.version) {
			return ledger.ErrConflict
		}
	}
	for id, base := range tx.txBase {
		current, ok := m.txs[id]
		if !ok || current.Status != base {
			return ledger.ErrConflict
		}
	}
	for id := range tx.newAccounts {
		a := tx.accounts[id]
		if _, taken := m.numbers[a.AccountNumber]; taken {
			return ledger.ErrConflict
		}
		if _, taken := m.accounts[id]; taken {
			return ledger.ErrConflict
		}
	}
	for id := range tx.newTxs {
		t := tx.txs[id]
		if _, taken := m.refs[t.Reference]; taken {
			return ledger.ErrConflict
		}
		if _, taken := m.txs[id]; taken {
			return ledger.ErrConflict
		}
	}

	for id := range tx.deleted {
		if a, ok := m.accounts[id]; ok {
			delete(m.numbers, a.AccountNumber)
			delete(m.accounts, id)
		}
	}
	for id, a := range tx.accounts {
		if tx.deleted[id] || !tx.dirty[id] {
			continue
		}
		a.Version++
		m.accounts[id] = a
		m.numbers[a.AccountNumber] = id
	}
	for id, t := range tx.txs {
		m.txs[id] = t
		m.refs[t.Reference] = id
	}
	m.events = append(m.events, tx.events...)
	return nil
}

type accountBase struct {
	exists  bool
	version int64
}

// memTx is a staged unit of work over Memory
type memTx struct {
	store *Memory

	accounts    map[string]models.Account
	accountBase map[string]accountBase
	newAccounts map[string]bool
	dirty       map[string]bool
	deleted     map[string]bool

	txs    map[string]models.Transaction
	txBase map[string]models.TransactionStatus
	newTxs map[string]bool

	events []models.Event
}

func newMemTx(m *Memory) *memTx {
	return &memTx{
		store:       m,
		accounts:    make(map[string]models.Account),
		accountBase: make(map[string]accountBase),
		newAccounts: make(map[string]bool),
		dirty:       make(map[string]bool),
		deleted:     make(map[string]bool),
		txs:         make(map[string]models.Transaction),
		txBase:      make(map[string]models.TransactionStatus),
		newTxs:      make(map[string]bool),
	}
}

// account returns the staged view of id, pinning its committed version
func (t *memTx) account(id string) (models.Account, bool) {
	if t.deleted[id] {
		return models.Account{}, false
	}
	if a, ok := t.accounts[id]; ok {
		return a, true
	}
	t.store.mu.RLock()
	a, ok := t.store.accounts[id]
	t.store.mu.RUnlock()
	if _, pinned := t.accountBase[id]; !pinned {
		t.accountBase[id] = accountBase{exists: ok, version: a.Version}
	}
	if ok {
		t.accounts[id] = a
	}
	return a, ok
}

func (t *memTx) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	a, ok := t.account(id)
	if !ok {
		return nil, ledger.NotFound("account", id)
	}
	return &a, nil
}

func (t *memTx) LockAccount(ctx context.Context, id string) (*models.Account, error) {
	return t.GetAccount(ctx, id)
}

func (t *memTx) GetAccountByNumber(ctx context.Context, number string) (*models.Account, error) {
	for id, a := range t.accounts {
		if a.AccountNumber == number && !t.deleted[id] {
			return &a, nil
		}
	}
	t.store.mu.RLock()
	id, ok := t.store.numbers[number]
	t.store.mu.RUnlock()
	if !ok {
		return nil, ledger.NotFound("account", number)
	}
	return t.GetAccount(ctx, id)
}

func (t *memTx) AccountNumberExists(ctx context.Context, number string) (bool, error) {
	for id, a := range t.accounts {
		if a.AccountNumber == number && !t.deleted[id] {
			return true, nil
		}
	}
	return t.store.AccountNumberExists(ctx, number)
}

func (t *memTx) InsertAccount(ctx context.Context, a *models.Account) error {
	if _, ok := t.account(a.ID); ok {
		return ledger.ErrConflict
	}
	delete(t.deleted, a.ID)
	t.accounts[a.ID] = *a
	t.newAccounts[a.ID] = true
	t.dirty[a.ID] = true
	return nil
}

func (t *memTx) UpdateAccount(ctx context.Context, a *models.Account) error {
	if _, ok := t.account(a.ID); !ok {
		return ledger.NotFound("account", a.ID)
	}
	t.accounts[a.ID] = *a
	t.dirty[a.ID] = true
	return nil
}

func (t *memTx) DeleteAccount(ctx context.Context, id string) error {
	if _, ok := t.account(id); !ok {
		return ledger.NotFound("account", id)
	}
	delete(t.accounts, id)
	delete(t.newAccounts, id)
	delete(t.dirty, id)
	t.deleted[id] = true
	return nil
}

func (t *memTx) transaction(id string) (models.Transaction, bool) {
	if tr, ok := t.txs[id]; ok {
		return tr, true
	}
	t.store.mu.RLock()
	tr, ok := t.store.txs[id]
	t.store.mu.RUnlock()
	return tr, ok
}

func (t *memTx) GetTransaction(ctx context.Context, id string) (*models.Transaction, error) {
	tr, ok := t.transaction(id)
	if !ok {
		return nil, ledger.NotFound("transaction", id)
	}
	return &tr, nil
}

func (t *memTx) LockTransaction(ctx context.Context, id string) (*models.Transaction, error) {
	tr, ok := t.transaction(id)
	if !ok {
		return nil, ledger.NotFound("transaction", id)
	}
	if _, staged := t.txs[id]; !staged {
		t.txBase[id] = tr.Status
	}
	return &tr, nil
}

func (t *memTx) GetTransactionByReference(ctx context.Context, reference string) (*models.Transaction, error) {
	for _, tr := range t.txs {
		if tr.Reference == reference {
			return &tr, nil
		}
	}
	t.store.mu.RLock()
	id, ok := t.store.refs[reference]
	t.store.mu.RUnlock()
	if !ok {
		return nil, ledger.NotFound("transaction", reference)
	}
	return t.GetTransaction(ctx, id)
}

func (t *memTx) ReferenceExists(ctx context.Context, reference string) (bool, error) {
	for _, tr := range t.txs {
		if tr.Reference == reference {
			return true, nil
		}
	}
	return t.store.ReferenceExists(ctx, reference)
}

func (t *memTx) ListTransactions(ctx context.Context, filter models.TransactionFilter) ([]*models.Transaction, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	return listMatching(t.store.txs, t.txs, filter), nil
}

func (t *memTx) SumCompleted(ctx context.Context, accountID string, txType models.TransactionType, w ledger.Window) (decimal.Decimal, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	return sumCompleted(t.store.txs, t.txs, accountID, txType, w), nil
}

func (t *memTx) InsertTransaction(ctx context.Context, tr *models.Transaction) error {
	if _, ok := t.transaction(tr.ID); ok {
		return ledger.ErrConflict
	}
	if exists, _ := t.ReferenceExists(ctx, tr.Reference); exists {
		return ledger.ErrConflict
	}
	t.txs[tr.ID] = *tr
	t.newTxs[tr.ID] = true
	return nil
}

func (t *memTx) UpdateTransaction(ctx context.Context, tr *models.Transaction) error {
	current, ok := t.transaction(tr.ID)
	if !ok {
		return ledger.NotFound("transaction", tr.ID)
	}
	if _, staged := t.txs[tr.ID]; !staged {
		if _, pinned := t.txBase[tr.ID]; !pinned {
			t.txBase[tr.ID] = current.Status
		}
	}
	t.txs[tr.ID] = *tr
	return nil
}

func (t *memTx) AppendEvent(ctx context.Context, ev models.Event) error {
	t.events = append(t.events, copyEvent(ev))
	return nil
}

// merged walks committed rows overlaid with staged ones.
// Callers hold the store's read lock.
func merged(committed, staged map[string]models.Transaction, fn func(t models.Transaction)) {
	for id, tr := range committed {
		if s, ok := staged[id]; ok {
			tr = s
		}
		fn(tr)
	}
	for id, tr := range staged {
		if _, ok := committed[id]; !ok {
			fn(tr)
		}
	}
}

func listMatching(committed, staged map[string]models.Transaction, filter models.TransactionFilter) []*models.Transaction {
	out := make([]*models.Transaction, 0)
	merged(committed, staged, func(tr models.Transaction) {
		if filter.Matches(&tr) {
			out = append(out, &tr)
		}
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].Reference > out[j].Reference
	})
	return paginate(out, filter.Offset, filter.Limit)
}

func sumCompleted(committed, staged map[string]models.Transaction, accountID string, txType models.TransactionType, w ledger.Window) decimal.Decimal {
	total := decimal.Zero
	merged(committed, staged, func(tr models.Transaction) {
		if tr.Status == models.Completed && tr.Type == txType &&
			tr.FromAccountID == accountID && w.Contains(tr.CreatedAt) {
			total = total.Add(tr.Amount)
		}
	})
	return total
}

func paginate(in []*models.Transaction, offset, limit int) []*models.Transaction {
	if offset > 0 {
		if offset >= len(in) {
			return in[:0]
		}
		in = in[offset:]
	}
	if limit > 0 && limit < len(in) {
		in = in[:limit]
	}
	return in
}

func copyEvent(ev models.Event) models.Event {
	out := ev
	out.Payload = append([]byte(nil), ev.Payload...)
	if ev.SentAt != nil {
		at := *ev.SentAt
		out.SentAt = &at
	}
	return out
}
