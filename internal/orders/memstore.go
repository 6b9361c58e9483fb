package orders

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

type stockEntry struct {
	mu sync.Mutex
	p  Product
}

type memReservation struct {
	lines  []CartLine
	status ReservationStatus // empty while the reservation is being applied
}

// MemInventory keeps the catalog in process memory. Each product has its own
// lock; a reservation takes the locks of all its products in id order.
type MemInventory struct {
	products map[int64]*stockEntry // fixed after construction
	ids      []int64

	mu           sync.Mutex
	reservations map[string]*memReservation
}

func NewMemInventory(seed []Product) *MemInventory {
	inv := &MemInventory{
		products:     make(map[int64]*stockEntry, len(seed)),
		reservations: make(map[string]*memReservation),
	}
	for _, p := range seed {
		if _, dup := inv.products[p.ID]; !dup {
			inv.ids = append(inv.ids, p.ID)
		}
		inv.products[p.ID] = &stockEntry{p: p}
	}
	slices.Sort(inv.ids)
	return inv
}

func (m *MemInventory) Product(_ context.Context, id int64) (Product, error) {
	e, ok := m.products[id]
	if !ok {
		return Product{}, fmt.Errorf("product %d: %w", id, ErrProductNotFound)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.p, nil
}

func (m *MemInventory) Products(ctx context.Context) ([]Product, error) {
	out := make([]Product, 0, len(m.ids))
	for _, id := range m.ids {
		p, err := m.Product(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (m *MemInventory) Reserve(_ context.Context, orderID string, lines []CartLine) error {
	merged := mergeLines(lines)
	entries := make([]*stockEntry, 0, len(merged))
	for _, l := range merged {
		if l.Quantity <= 0 {
			return fmt.Errorf("product %d: %w", l.ProductID, ErrInvalidQuantity)
		}
		e, ok := m.products[l.ProductID]
		if !ok {
			return fmt.Errorf("product %d: %w", l.ProductID, ErrProductNotFound)
		}
		entries = append(entries, e)
	}

	// claim the order id so a repeated call does not reserve twice
	m.mu.Lock()
	if _, exists := m.reservations[orderID]; exists {
		m.mu.Unlock()
		return nil
	}
	r := &memReservation{}
	m.reservations[orderID] = r
	m.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
	}
	err := applyReservation(entries, merged)
	for _, e := range entries {
		e.mu.Unlock()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		delete(m.reservations, orderID)
		return err
	}
	r.lines = merged
	r.status = ReservationReserved
	return nil
}

// applyReservation checks every line before touching any counter.
// Caller holds the entry locks.
func applyReservation(entries []*stockEntry, lines []CartLine) error {
	for i, e := range entries {
		if e.p.Stock < lines[i].Quantity {
			return fmt.Errorf("%w for %s (requested %d, available %d)",
				ErrInsufficientStock, e.p.Name, lines[i].Quantity, e.p.Stock)
		}
	}
	for i, e := range entries {
		e.p.Stock -= lines[i].Quantity
	}
	return nil
}

func (m *MemInventory) Commit(_ context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reservations[orderID]
	if !ok || r.status == "" {
		return fmt.Errorf("order %s: %w", orderID, ErrReservationNotFound)
	}
	switch r.status {
	case ReservationCommitted:
		return nil
	case ReservationReleased:
		return fmt.Errorf("commit released reservation %s: %w", orderID, ErrInvalidOrderState)
	}
	r.status = ReservationCommitted
	return nil
}

func (m *MemInventory) Release(_ context.Context, orderID string) error {
	m.mu.Lock()
	r, ok := m.reservations[orderID]
	if !ok || r.status != ReservationReserved {
		m.mu.Unlock()
		return nil
	}
	r.status = ReservationReleased
	lines := r.lines
	m.mu.Unlock()

	for _, l := range lines {
		e := m.products[l.ProductID]
		e.mu.Lock()
		e.p.Stock += l.Quantity
		e.mu.Unlock()
	}
	return nil
}

// MemStore is the in-memory order store. Orders are kept in append order and
// are lost on restart.
type MemStore struct {
	mu    sync.RWMutex
	list  []Order
	byID  map[string]int
	byRef map[string]int
	now   func() time.Time
}

func NewMemStore() *MemStore {
	return &MemStore{
		byID:  make(map[string]int),
		byRef: make(map[string]int),
		now:   time.Now,
	}
}

func (s *MemStore) Append(_ context.Context, o Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[o.ID]; ok {
		return fmt.Errorf("order %s: %w", o.ID, ErrAlreadyExists)
	}
	o.Items = slices.Clone(o.Items)
	s.list = append(s.list, o)
	s.byID[o.ID] = len(s.list) - 1
	// synchronous orders share placeholder references and are never looked up by them
	if o.PaymentReference != "" && o.Status != StatusConfirmed {
		s.byRef[o.PaymentReference] = len(s.list) - 1
	}
	return nil
}

func (s *MemStore) Get(_ context.Context, id string) (Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.byID[id]
	if !ok {
		return Order{}, fmt.Errorf("order %s: %w", id, ErrOrderNotFound)
	}
	return s.copyAt(i), nil
}

func (s *MemStore) GetByPaymentRef(_ context.Context, ref string) (Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.byRef[ref]
	if !ok {
		return Order{}, fmt.Errorf("payment %s: %w", ref, ErrOrderNotFound)
	}
	return s.copyAt(i), nil
}

func (s *MemStore) Transition(_ context.Context, id string, from, to Status) (Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.byID[id]
	if !ok {
		return Order{}, fmt.Errorf("order %s: %w", id, ErrOrderNotFound)
	}
	cur := s.list[i].Status
	if cur != from || !CanTransition(from, to) {
		return Order{}, fmt.Errorf("order %s is %s, cannot move %s -> %s: %w", id, cur, from, to, ErrInvalidOrderState)
	}
	s.list[i].Status = to
	if to == StatusCapturing {
		s.list[i].CaptureAttempted = true
	}
	s.list[i].UpdatedAt = s.now().UTC()
	return s.copyAt(i), nil
}

func (s *MemStore) AttachPaymentRef(_ context.Context, id, ref string) (Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.byID[id]
	if !ok {
		return Order{}, fmt.Errorf("order %s: %w", id, ErrOrderNotFound)
	}
	if cur := s.list[i].Status; cur != StatusInitiated {
		return Order{}, fmt.Errorf("order %s is %s: %w", id, cur, ErrInvalidOrderState)
	}
	if _, taken := s.byRef[ref]; taken || ref == "" {
		return Order{}, fmt.Errorf("payment reference %q: %w", ref, ErrAlreadyExists)
	}
	s.list[i].PaymentReference = ref
	s.list[i].Status = StatusCreated
	s.list[i].UpdatedAt = s.now().UTC()
	s.byRef[ref] = i
	return s.copyAt(i), nil
}

func (s *MemStore) Stale(_ context.Context, statuses []Status, before time.Time) ([]Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Order
	for i, o := range s.list {
		if slices.Contains(statuses, o.Status) && o.CreatedAt.Before(before) {
			out = append(out, s.copyAt(i))
		}
	}
	return out, nil
}

// All returns every order in append order.
func (s *MemStore) All() []Order {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Order, 0, len(s.list))
	for i := range s.list {
		out = append(out, s.copyAt(i))
	}
	return out
}

func (s *MemStore) copyAt(i int) Order {
	o := s.list[i]
	o.Items = slices.Clone(o.Items)
	return o
}
