package auth

import (
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v4"

	"github.com/compose-paas/backend/internal/model"
)

type ticket struct {
	userID  string
	expires time.Time
}

// Tickets is a store of one-time WebSocket login tickets with an absolute
// expiry.
type Tickets struct {
	mu      sync.Mutex
	tickets map[string]ticket
	ttl     time.Duration
	now     func() time.Time
}

// NewTickets creates a ticket store.
func NewTickets(ttl time.Duration) *Tickets {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Tickets{
		tickets: make(map[string]ticket),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Issue creates a ticket for userID.
func (t *Tickets) Issue(userID string) (string, time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	expires := t.now().Add(t.ttl)
	var id string
	for {
		id = shortuuid.New()
		if _, ok := t.tickets[id]; !ok {
			break
		}
	}
	t.tickets[id] = ticket{userID: userID, expires: expires}
	return id, expires
}

// Redeem consumes a ticket and returns its user.
func (t *Tickets) Redeem(id string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tk, ok := t.tickets[id]
	if !ok {
		return "", model.NewError(model.CodeUnauthorized, "unknown ticket")
	}
	delete(t.tickets, id)
	if t.now().After(tk.expires) {
		return "", model.NewError(model.CodeUnauthorized, "ticket expired")
	}
	return tk.userID, nil
}

// Sweep drops expired tickets.
func (t *Tickets) Sweep(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	var removed int
	for id, tk := range t.tickets {
		if now.After(tk.expires) {
			delete(t.tickets, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of outstanding tickets.
func (t *Tickets) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tickets)
}

// Authenticator accepts either a one-time ticket or a JWT.
type Authenticator struct {
	Tokens  *Tokens
	Tickets *Tickets
}

// Authenticate returns the user behind credential.
func (a *Authenticator) Authenticate(credential string) (string, error) {
	if credential == "" {
		return "", model.NewError(model.CodeUnauthorized, "missing credentials")
	}
	if a.Tickets != nil {
		if user, err := a.Tickets.Redeem(credential); err == nil {
			return user, nil
		}
	}
	if a.Tokens == nil {
		return "", model.NewError(model.CodeUnauthorized, "invalid credentials")
	}
	return a.Tokens.Validate(credential)
}
