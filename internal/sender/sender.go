// Package sender abstracts the outbound gateway. The engine only needs
// accept/reject semantics and the transient/permanent split; the concrete
// wire protocol lives behind this interface.
package sender

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"

	"github.com/google/uuid"
)

type Result struct {
	// GatewayMessageID correlates the later delivery receipt with this send.
	GatewayMessageID string
}

// Error is a send rejection. Transient errors (timeouts, overload) are worth
// retrying; permanent ones (invalid address, blocked content) are not.
type Error struct {
	Transient bool
	Reason    string
}

func (e *Error) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("send: %s: %s", kind, e.Reason)
}

func Transient(reason string) *Error { return &Error{Transient: true, Reason: reason} }
func Permanent(reason string) *Error { return &Error{Reason: reason} }

// IsTransient reports whether err should be retried. Unclassified errors
// (context deadline, network) count as transient.
func IsTransient(err error) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Transient
	}
	return true
}

type Sender interface {
	Send(ctx context.Context, address, body string) (Result, error)
}

// Func adapts a function to the Sender interface, mostly for tests.
type Func func(ctx context.Context, address, body string) (Result, error)

func (f Func) Send(ctx context.Context, address, body string) (Result, error) {
	return f(ctx, address, body)
}

// Simulated is a stand-in gateway for local runs: accepts most sends and
// fails a small share, half of those permanently.
type Simulated struct {
	mu          sync.Mutex
	rng         *rand.Rand
	FailureRate float64
}

func NewSimulated(seed int64, failureRate float64) *Simulated {
	return &Simulated{rng: rand.New(rand.NewSource(seed)), FailureRate: failureRate}
}

func (s *Simulated) Send(ctx context.Context, address, body string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	s.mu.Lock()
	roll := s.rng.Float64()
	s.mu.Unlock()

	if roll < s.FailureRate/2 {
		return Result{}, Permanent("address rejected by gateway")
	}
	if roll < s.FailureRate {
		return Result{}, Transient("gateway overloaded")
	}
	return Result{GatewayMessageID: uuid.NewString()}, nil
}
