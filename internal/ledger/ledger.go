// Package ledger is the credit gate in front of dispatch. All balance
// mutations go through one mutex so concurrent reservations cannot
// jointly overdraw the account.
package ledger

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrInsufficientCredits  = errors.New("insufficient credits")
	ErrReservationNotFound  = errors.New("reservation not found")
	ErrReservationExhausted = errors.New("reservation exhausted")
	ErrReservationClosed    = errors.New("reservation already closed")
)

type State string

const (
	StateReserved State = "reserved"
	StateClosed   State = "closed"
)

// Reservation invariant: Committed + Released <= Reserved. Once closed,
// Committed + Released == Reserved.
type Reservation struct {
	ID         string
	CampaignID string
	Reserved   decimal.Decimal
	Committed  decimal.Decimal
	Released   decimal.Decimal
	State      State
}

func (r *Reservation) remaining() decimal.Decimal {
	return r.Reserved.Sub(r.Committed).Sub(r.Released)
}

type Ledger struct {
	mu           sync.Mutex
	balance      decimal.Decimal
	reservations map[string]*Reservation
}

func New(balance decimal.Decimal) *Ledger {
	return &Ledger{
		balance:      balance,
		reservations: make(map[string]*Reservation),
	}
}

func (l *Ledger) Balance() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balance
}

// Reserve debits the balance for the whole estimated cost up front, or fails
// without any partial effect.
func (l *Ledger) Reserve(campaignID string, amount decimal.Decimal) (*Reservation, error) {
	if amount.IsNegative() {
		return nil, fmt.Errorf("reserve: negative amount %s", amount)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.balance.LessThan(amount) {
		return nil, ErrInsufficientCredits
	}
	l.balance = l.balance.Sub(amount)

	r := &Reservation{
		ID:         uuid.NewString(),
		CampaignID: campaignID,
		Reserved:   amount,
		State:      StateReserved,
	}
	l.reservations[r.ID] = r
	return r, nil
}

// Commit finalizes spend for one successful send. It refuses to exceed the
// reserved amount; callers treat ErrReservationExhausted as a stop signal.
func (l *Ledger) Commit(reservationID string, amount decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.reservations[reservationID]
	if !ok {
		return ErrReservationNotFound
	}
	if r.State != StateReserved {
		return ErrReservationClosed
	}
	if r.remaining().LessThan(amount) {
		return ErrReservationExhausted
	}
	r.Committed = r.Committed.Add(amount)
	return nil
}

// Release returns the unspent remainder to the balance and closes the
// reservation. Safe to call on an already-closed reservation.
func (l *Ledger) Release(reservationID string) (decimal.Decimal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.reservations[reservationID]
	if !ok {
		return decimal.Zero, ErrReservationNotFound
	}
	if r.State == StateClosed {
		return decimal.Zero, nil
	}
	rem := r.remaining()
	r.Released = r.Released.Add(rem)
	r.State = StateClosed
	l.balance = l.balance.Add(rem)
	return rem, nil
}

// ReservationForCampaign returns a copy of the campaign's reservation.
// Campaigns hold at most one.
func (l *Ledger) ReservationForCampaign(campaignID string) (Reservation, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range l.reservations {
		if r.CampaignID == campaignID {
			return *r, true
		}
	}
	return Reservation{}, false
}

// Get returns a copy of the reservation for inspection.
func (l *Ledger) Get(reservationID string) (Reservation, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.reservations[reservationID]
	if !ok {
		return Reservation{}, false
	}
	return *r, true
}
