// Package identifier implements the multi-key Identifier Index of spec.md
// §4.1 (component C1): one record-of-maps under a single writer lock, with
// atomic rekey and first-class duplicate detection.
package identifier

import (
	"errors"
	"sync"

	"github.com/your-org/lte-mme/internal/emm/context"
	"github.com/your-org/lte-mme/internal/emm/nas"
)

// ErrDuplicate is returned when an operation would make an identifier
// reachable from two different contexts at once.
var ErrDuplicate = errors.New("identifier index: identifier already bound to a different context")

// ErrNotFound is returned by Rekey/Remove when the context is not indexed.
var ErrNotFound = errors.New("identifier index: context not registered")

// Keys is the set of identifiers a context is currently reachable by. Any
// field may be the zero value / nil to mean "not set".
type Keys struct {
	RanID  *uint32
	IMSI   *string
	GUTI   *nas.GUTI
	EnbKey *context.EnbKey
}

// Update describes a rekey operation: for each identifier, either leave it
// alone (nil pointer, false clear flag), set it to a new value, or clear it.
type Update struct {
	RanID      *uint32
	ClearRanID bool

	IMSI      *string
	ClearIMSI bool

	GUTI      *nas.GUTI
	ClearGUTI bool

	EnbKey      *context.EnbKey
	ClearEnbKey bool
}

// Index is the C1 multi-key store. All four tables are mutated as one
// atomic unit under mu, matching spec.md §4.1's "single writer lock" design.
type Index struct {
	mu sync.RWMutex

	byRanID  map[uint32]*context.EMMContext
	byIMSI   map[string]*context.EMMContext
	byGUTI   map[nas.GUTI]*context.EMMContext
	byEnbKey map[context.EnbKey]*context.EMMContext

	// registered tracks exactly which keys each indexed context currently
	// holds, so Rekey/Remove can compute diffs without the context needing
	// to know anything about the index.
	registered map[*context.EMMContext]Keys
}

// New creates an empty index.
func New() *Index {
	return &Index{
		byRanID:    make(map[uint32]*context.EMMContext),
		byIMSI:     make(map[string]*context.EMMContext),
		byGUTI:     make(map[nas.GUTI]*context.EMMContext),
		byEnbKey:   make(map[context.EnbKey]*context.EMMContext),
		registered: make(map[*context.EMMContext]Keys),
	}
}

// LookupByRanID returns the context reachable by RAN id, if any.
func (ix *Index) LookupByRanID(id uint32) (*context.EMMContext, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	c, ok := ix.byRanID[id]
	return c, ok
}

// LookupByIMSI returns the context reachable by IMSI, if any.
func (ix *Index) LookupByIMSI(imsi string) (*context.EMMContext, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	c, ok := ix.byIMSI[imsi]
	return c, ok
}

// LookupByGUTI returns the context reachable by GUTI, if any.
func (ix *Index) LookupByGUTI(guti nas.GUTI) (*context.EMMContext, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	c, ok := ix.byGUTI[guti]
	return c, ok
}

// LookupByEnbKey returns the context reachable by (eNB id, eNB UE id).
func (ix *Index) LookupByEnbKey(key context.EnbKey) (*context.EMMContext, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	c, ok := ix.byEnbKey[key]
	return c, ok
}

// Insert registers a brand-new context under the given keys. It fails with
// ErrDuplicate if any key already resolves to a different context; on
// failure nothing is mutated.
func (ix *Index) Insert(c *context.EMMContext, keys Keys) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if err := ix.checkCollisions(c, keys); err != nil {
		return err
	}

	ix.apply(c, keys)
	ix.registered[c] = keys
	return nil
}

// Rekey applies a diff to the identifiers a context is reachable by. Either
// every change in upd succeeds, or none do — satisfying spec.md §4.1's
// atomicity requirement.
func (ix *Index) Rekey(c *context.EMMContext, upd Update) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	cur, ok := ix.registered[c]
	if !ok {
		return ErrNotFound
	}

	next := cur
	if upd.ClearRanID {
		next.RanID = nil
	} else if upd.RanID != nil {
		next.RanID = upd.RanID
	}
	if upd.ClearIMSI {
		next.IMSI = nil
	} else if upd.IMSI != nil {
		next.IMSI = upd.IMSI
	}
	if upd.ClearGUTI {
		next.GUTI = nil
	} else if upd.GUTI != nil {
		next.GUTI = upd.GUTI
	}
	if upd.ClearEnbKey {
		next.EnbKey = nil
	} else if upd.EnbKey != nil {
		next.EnbKey = upd.EnbKey
	}

	if err := ix.checkCollisions(c, next); err != nil {
		return err
	}

	ix.remove(c, cur)
	ix.apply(c, next)
	ix.registered[c] = next
	return nil
}

// Remove purges every index entry for c.
func (ix *Index) Remove(c *context.EMMContext) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	keys, ok := ix.registered[c]
	if !ok {
		return ErrNotFound
	}
	ix.remove(c, keys)
	delete(ix.registered, c)
	return nil
}

// checkCollisions reports ErrDuplicate if any key in keys currently maps to
// a context other than c. Must be called with mu held.
func (ix *Index) checkCollisions(c *context.EMMContext, keys Keys) error {
	if keys.RanID != nil {
		if existing, ok := ix.byRanID[*keys.RanID]; ok && existing != c {
			return ErrDuplicate
		}
	}
	if keys.IMSI != nil {
		if existing, ok := ix.byIMSI[*keys.IMSI]; ok && existing != c {
			return ErrDuplicate
		}
	}
	if keys.GUTI != nil {
		if existing, ok := ix.byGUTI[*keys.GUTI]; ok && existing != c {
			return ErrDuplicate
		}
	}
	if keys.EnbKey != nil {
		if existing, ok := ix.byEnbKey[*keys.EnbKey]; ok && existing != c {
			return ErrDuplicate
		}
	}
	return nil
}

// apply inserts keys -> c. Must be called with mu held.
func (ix *Index) apply(c *context.EMMContext, keys Keys) {
	if keys.RanID != nil {
		ix.byRanID[*keys.RanID] = c
	}
	if keys.IMSI != nil {
		ix.byIMSI[*keys.IMSI] = c
	}
	if keys.GUTI != nil {
		ix.byGUTI[*keys.GUTI] = c
	}
	if keys.EnbKey != nil {
		ix.byEnbKey[*keys.EnbKey] = c
	}
}

// remove deletes keys -> c, only if they still point at c. Must be called
// with mu held.
func (ix *Index) remove(c *context.EMMContext, keys Keys) {
	if keys.RanID != nil {
		if ix.byRanID[*keys.RanID] == c {
			delete(ix.byRanID, *keys.RanID)
		}
	}
	if keys.IMSI != nil {
		if ix.byIMSI[*keys.IMSI] == c {
			delete(ix.byIMSI, *keys.IMSI)
		}
	}
	if keys.GUTI != nil {
		if ix.byGUTI[*keys.GUTI] == c {
			delete(ix.byGUTI, *keys.GUTI)
		}
	}
	if keys.EnbKey != nil {
		if ix.byEnbKey[*keys.EnbKey] == c {
			delete(ix.byEnbKey, *keys.EnbKey)
		}
	}
}

// Len reports how many contexts are currently indexed (for stats/tests).
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.registered)
}

// All returns every currently-indexed context paired with its keys, for the
// admin-surface list endpoint. The returned slice is a snapshot; it is safe
// to use after the call, but may be stale the instant it returns.
func (ix *Index) All() []struct {
	Context *context.EMMContext
	Keys    Keys
} {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make([]struct {
		Context *context.EMMContext
		Keys    Keys
	}, 0, len(ix.registered))
	for c, keys := range ix.registered {
		out = append(out, struct {
			Context *context.EMMContext
			Keys    Keys
		}{Context: c, Keys: keys})
	}
	return out
}
