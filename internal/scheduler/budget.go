package scheduler

import "sync"

// budget tracks the run's remaining spend. Routed packages reserve their
// expected cost; completion replaces the reservation with the actual cost.
type budget struct {
	mu        sync.Mutex
	remaining float64
	reserved  map[string]float64
}

func newBudget(usd float64) *budget {
	return &budget{remaining: usd, reserved: make(map[string]float64)}
}

// Available is the remaining budget net of outstanding reservations.
func (b *budget) Available() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	avail := b.remaining
	for _, r := range b.reserved {
		avail -= r
	}
	return avail
}

// Reserve holds expected cost for a package at selection time.
func (b *budget) Reserve(packageID string, usd float64) {
	b.mu.Lock()
	b.reserved[packageID] = usd
	b.mu.Unlock()
}

// Commit replaces a reservation with the actual spend.
func (b *budget) Commit(packageID string, actualUSD float64) {
	b.mu.Lock()
	delete(b.reserved, packageID)
	b.remaining -= actualUSD
	b.mu.Unlock()
}

// Release drops a reservation without spending.
func (b *budget) Release(packageID string) {
	b.mu.Lock()
	delete(b.reserved, packageID)
	b.mu.Unlock()
}

// SpentRemaining returns the raw remaining figure (ignoring reservations).
func (b *budget) SpentRemaining() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.remaining
}
