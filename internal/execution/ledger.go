package execution

import (
	"container/list"
	"sync"
	"time"

	"github.com/aristath/tradecore/internal/botrun"
)

type intentKey struct {
	accountID     string
	correlationID string
}

type intentEntry struct {
	key     intentKey
	intent  botrun.OrderIntent
	expires time.Time
	elem    *list.Element
}

// IntentLedger is the in-memory idempotency table for OrderIntent, keyed by
// (account_id, correlation_id), bounded by capacity with LRU eviction.
// Entries past their TTL are dropped when Lookup meets them; there is no
// background sweep.
type IntentLedger struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	order    *list.List // most-recently-touched at the back
	entries  map[intentKey]*intentEntry
}

// NewIntentLedger builds a ledger bounded by capacity entries, each expiring
// after ttl.
func NewIntentLedger(capacity int, ttl time.Duration) *IntentLedger {
	return &IntentLedger{
		capacity: capacity,
		ttl:      ttl,
		order:    list.New(),
		entries:  make(map[intentKey]*intentEntry),
	}
}

// Lookup returns the existing intent for (accountID, correlationID), if any
// and not yet expired.
func (l *IntentLedger) Lookup(accountID, correlationID string) (botrun.OrderIntent, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := intentKey{accountID, correlationID}
	e, ok := l.entries[k]
	if !ok {
		return botrun.OrderIntent{}, false
	}
	if time.Now().After(e.expires) {
		l.removeLocked(e)
		return botrun.OrderIntent{}, false
	}
	l.order.MoveToBack(e.elem)
	return e.intent, true
}

// ReservePending registers a new pending intent, evicting the oldest entry
// if at capacity. Returns false if an entry already exists (caller must
// Lookup first to branch on fulfilled/pending).
func (l *IntentLedger) ReservePending(accountID, correlationID, symbol string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := intentKey{accountID, correlationID}
	if _, exists := l.entries[k]; exists {
		return false
	}
	if l.capacity > 0 && len(l.entries) >= l.capacity {
		if front := l.order.Front(); front != nil {
			l.removeLocked(front.Value.(*intentEntry))
		}
	}
	intent := botrun.OrderIntent{AccountID: accountID, CorrelationID: correlationID, Symbol: symbol, Status: botrun.IntentPending, CreatedAt: time.Now()}
	e := &intentEntry{key: k, intent: intent, expires: time.Now().Add(l.ttl)}
	e.elem = l.order.PushBack(e)
	l.entries[k] = e
	return true
}

// Fulfill marks a pending intent fulfilled with its result.
func (l *IntentLedger) Fulfill(accountID, correlationID, contractID string, buyPrice, payout float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[intentKey{accountID, correlationID}]
	if !ok {
		return
	}
	e.intent.Status = botrun.IntentFulfilled
	e.intent.ContractID = contractID
	e.intent.BuyPrice = buyPrice
	e.intent.Payout = payout
}

// Fail evicts a pending intent immediately (no failed status is kept), so a
// subsequent call with the same correlation id is free to retry (spec
// treats only fulfilled/pending as idempotency-blocking; failed releases).
func (l *IntentLedger) Fail(accountID, correlationID, reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[intentKey{accountID, correlationID}]
	if !ok {
		return
	}
	l.removeLocked(e)
	_ = reason
}

func (l *IntentLedger) removeLocked(e *intentEntry) {
	l.order.Remove(e.elem)
	delete(l.entries, e.key)
}
