package accounts

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	pkgerrors "github.com/angelmondragon/unilevel-ledger/pkg/errors"
	"github.com/shopspring/decimal"
)

const noSponsor = -1

// Store is the in-memory, index-addressed account table. Each entry carries
// its own mutex; the table lock only guards growth of the slice and indexes.
// Lock order is always table (briefly, never held while waiting on an
// entry) then entries sorted by id.
type Store struct {
	mu       sync.RWMutex
	entries  []*entry
	index    map[string]int
	children [][]int
}

type entry struct {
	mu      sync.Mutex
	id      string
	sponsor int
	acct    Account
	removed atomic.Bool
}

func NewStore() *Store {
	return &Store{index: map[string]int{}}
}

// Register creates a new account under an existing sponsor. The sponsor link
// is fixed for the lifetime of the account.
func (s *Store) Register(id, sponsorID string, now time.Time) (Account, error) {
	held, acct, err := s.Reserve(id, sponsorID, now)
	if err != nil {
		return Account{}, err
	}
	held.Unlock()
	return acct, nil
}

// Reserve inserts a new account and returns it already locked, so nothing
// else can mutate it before the caller commits or unregisters it.
func (s *Store) Reserve(id, sponsorID string, now time.Time) (*Locked, Account, error) {
	id = NormalizeID(id)
	sponsorID = NormalizeID(sponsorID)
	if id == "" {
		return nil, Account{}, pkgerrors.New(pkgerrors.CodeValidation, "account id is required")
	}
	if id == sponsorID {
		return nil, Account{}, pkgerrors.New(pkgerrors.CodeValidation, "account cannot sponsor itself")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.index[id]; exists {
		return nil, Account{}, pkgerrors.New(pkgerrors.CodeConflict, "account already registered").
			WithDetails(map[string]any{"account_id": id})
	}

	sponsorIdx := noSponsor
	if sponsorID != "" {
		idx, ok := s.index[sponsorID]
		if !ok {
			return nil, Account{}, unknownAccount(sponsorID)
		}
		sponsorIdx = idx
	}

	acct := Account{
		ID:        id,
		SponsorID: sponsorID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.insertLocked(acct, sponsorIdx)

	// The entry is unreachable until s.mu is released, so this never waits.
	e := s.entries[len(s.entries)-1]
	e.mu.Lock()
	return &Locked{entries: map[string]*entry{id: e}, order: []*entry{e}}, acct, nil
}

// Unregister drops an account whose registration was never committed. Only
// the most recently registered account can be dropped, and only while it has
// no referrals. Callers still holding it through Reserve must Unlock after.
func (s *Store) Unregister(id string) error {
	id = NormalizeID(id)

	s.mu.Lock()
	defer s.mu.Unlock()

	idx, ok := s.index[id]
	if !ok {
		return unknownAccount(id)
	}
	if idx != len(s.entries)-1 || len(s.children[idx]) > 0 {
		return pkgerrors.New(pkgerrors.CodeConflict, "account can no longer be unregistered").
			WithDetails(map[string]any{"account_id": id})
	}

	e := s.entries[idx]
	if e.sponsor != noSponsor {
		kids := s.children[e.sponsor]
		for i, c := range kids {
			if c == idx {
				s.children[e.sponsor] = append(kids[:i:i], kids[i+1:]...)
				break
			}
		}
	}
	e.removed.Store(true)
	s.entries[idx] = nil
	s.entries = s.entries[:idx]
	s.children = s.children[:idx]
	delete(s.index, id)
	return nil
}

func (s *Store) insertLocked(acct Account, sponsorIdx int) {
	idx := len(s.entries)
	s.entries = append(s.entries, &entry{id: acct.ID, sponsor: sponsorIdx, acct: acct})
	s.children = append(s.children, nil)
	s.index[acct.ID] = idx
	if sponsorIdx != noSponsor {
		s.children[sponsorIdx] = append(s.children[sponsorIdx], idx)
	}
}

// Load rehydrates the table from persisted rows. Sponsors may appear in any
// order but must all be present; a sponsor cycle is rejected.
func (s *Store) Load(accts []Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	remaining := make([]Account, 0, len(accts))
	for _, a := range accts {
		if err := a.Validate(); err != nil {
			return err
		}
		if _, exists := s.index[a.ID]; exists {
			return pkgerrors.New(pkgerrors.CodeConflict, "account already loaded").
				WithDetails(map[string]any{"account_id": a.ID})
		}
		remaining = append(remaining, a)
	}

	for len(remaining) > 0 {
		progressed := false
		next := remaining[:0]
		for _, a := range remaining {
			sponsorIdx := noSponsor
			if a.HasSponsor() {
				idx, ok := s.index[a.SponsorID]
				if !ok {
					next = append(next, a)
					continue
				}
				sponsorIdx = idx
			}
			s.insertLocked(a, sponsorIdx)
			progressed = true
		}
		if !progressed {
			return pkgerrors.New(pkgerrors.CodeValidation, "unresolvable sponsor links").
				WithDetails(map[string]any{"account_id": next[0].ID, "sponsor_id": next[0].SponsorID})
		}
		remaining = next
	}
	return nil
}

func (s *Store) lookup(id string) (*entry, int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.index[NormalizeID(id)]
	if !ok {
		return nil, 0, false
	}
	return s.entries[idx], idx, true
}

func (e *entry) snapshot() Account {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.acct
}

func (s *Store) Exists(id string) bool {
	_, _, ok := s.lookup(id)
	return ok
}

func (s *Store) Get(id string) (Account, error) {
	e, _, ok := s.lookup(id)
	if !ok {
		return Account{}, unknownAccount(id)
	}
	return e.snapshot(), nil
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Upline returns up to depth sponsors of id, nearest first. The walk is a
// bounded loop over sponsor indexes.
func (s *Store) Upline(id string, depth int) ([]Account, error) {
	if depth > MaxLevel {
		depth = MaxLevel
	}
	if depth < 0 {
		depth = 0
	}

	s.mu.RLock()
	idx, ok := s.index[NormalizeID(id)]
	if !ok {
		s.mu.RUnlock()
		return nil, unknownAccount(id)
	}
	chain := make([]*entry, 0, depth)
	cur := s.entries[idx].sponsor
	for level := 1; level <= depth && cur != noSponsor; level++ {
		chain = append(chain, s.entries[cur])
		cur = s.entries[cur].sponsor
	}
	s.mu.RUnlock()

	out := make([]Account, len(chain))
	for i, e := range chain {
		out[i] = e.snapshot()
	}
	return out, nil
}

func (s *Store) childEntries(id string) ([]*entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.index[NormalizeID(id)]
	if !ok {
		return nil, unknownAccount(id)
	}
	out := make([]*entry, len(s.children[idx]))
	for i, c := range s.children[idx] {
		out[i] = s.entries[c]
	}
	return out, nil
}

// DirectReferrals returns the accounts sponsored by id in registration order.
func (s *Store) DirectReferrals(id string) ([]Account, error) {
	children, err := s.childEntries(id)
	if err != nil {
		return nil, err
	}
	out := make([]Account, len(children))
	for i, e := range children {
		out[i] = e.snapshot()
	}
	return out, nil
}

// ActiveDirects counts the currently active direct referrals of id and sums
// their monthly volume.
func (s *Store) ActiveDirects(id string) (int, decimal.Decimal, error) {
	children, err := s.childEntries(id)
	if err != nil {
		return 0, decimal.Zero, err
	}
	count := 0
	volume := decimal.Zero
	for _, e := range children {
		a := e.snapshot()
		if !a.Active {
			continue
		}
		count++
		volume = volume.Add(a.MonthlyVolume)
	}
	return count, volume, nil
}

// IDs lists every account id in registration order.
func (s *Store) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.id
	}
	return out
}

// List snapshots every account. Entries are copied one at a time, so the
// result is not a consistent cut across accounts.
func (s *Store) List() []Account {
	s.mu.RLock()
	entries := make([]*entry, len(s.entries))
	copy(entries, s.entries)
	s.mu.RUnlock()

	out := make([]Account, len(entries))
	for i, e := range entries {
		out[i] = e.snapshot()
	}
	return out
}

// ActiveIDs lists the ids of accounts that are active right now.
func (s *Store) ActiveIDs() []string {
	var out []string
	for _, a := range s.List() {
		if a.Active {
			out = append(out, a.ID)
		}
	}
	return out
}

// Lock acquires the entry mutexes of ids in canonical (sorted) order and
// returns a handle for reading and replacing those accounts. Duplicate ids
// are collapsed. Callers must call Unlock.
func (s *Store) Lock(ids ...string) (*Locked, error) {
	uniq := make(map[string]*entry, len(ids))
	s.mu.RLock()
	for _, raw := range ids {
		id := NormalizeID(raw)
		if _, seen := uniq[id]; seen {
			continue
		}
		idx, ok := s.index[id]
		if !ok {
			s.mu.RUnlock()
			return nil, unknownAccount(id)
		}
		uniq[id] = s.entries[idx]
	}
	s.mu.RUnlock()

	keys := make([]string, 0, len(uniq))
	for id := range uniq {
		keys = append(keys, id)
	}
	sort.Strings(keys)

	l := &Locked{entries: uniq, order: make([]*entry, 0, len(keys))}
	for _, id := range keys {
		e := uniq[id]
		e.mu.Lock()
		l.order = append(l.order, e)
		if e.removed.Load() {
			l.Unlock()
			return nil, unknownAccount(id)
		}
	}
	return l, nil
}

// LockAll locks every account currently registered. Used by full-scan
// audits that need a consistent cut.
func (s *Store) LockAll() *Locked {
	for {
		// Lock only fails here when a registration was rolled back meanwhile.
		if l, err := s.Lock(s.IDs()...); err == nil {
			return l
		}
	}
}

// Locked is a set of accounts held under their entry mutexes.
type Locked struct {
	entries map[string]*entry
	order   []*entry
}

func (l *Locked) Get(id string) (Account, bool) {
	e, ok := l.entries[NormalizeID(id)]
	if !ok {
		return Account{}, false
	}
	return e.acct, true
}

// Put replaces the stored value of a locked account.
func (l *Locked) Put(a Account) error {
	e, ok := l.entries[a.ID]
	if !ok {
		return pkgerrors.New(pkgerrors.CodeInternal, "account not held by this lock").
			WithDetails(map[string]any{"account_id": a.ID})
	}
	e.acct = a
	return nil
}

// Accounts returns the held accounts sorted by id.
func (l *Locked) Accounts() []Account {
	out := make([]Account, len(l.order))
	for i, e := range l.order {
		out[i] = e.acct
	}
	return out
}

func (l *Locked) Unlock() {
	for i := len(l.order) - 1; i >= 0; i-- {
		l.order[i].mu.Unlock()
	}
	l.order = nil
}

func unknownAccount(id string) *pkgerrors.Error {
	return pkgerrors.New(pkgerrors.CodeUnknownAccount, "account not found").
		WithDetails(map[string]any{"account_id": id})
}
