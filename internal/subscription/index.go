package subscription

import (
	"fmt"
	"sync"

	"github.com/Meteo-X/pixiu/internal/protocol"
)

// Index is the inverted mapping from routing-key dimensions to interested
// (session, filter) pairs. Lookups run once per ingested message and are
// read-locked; mutations (subscribe, unsubscribe, session close) are
// serialized under the write lock so readers always observe a fully
// applied add or remove across all three dimensions.
//
// Filters that wildcard every dimension never enter the per-dimension
// buckets; they live in a dedicated match-all set consulted once per
// lookup, so a popular firehose subscription cannot degrade bucket
// intersection into a full scan.
type Index struct {
	mu sync.RWMutex

	exchanges dimension
	symbols   dimension
	dataTypes dimension

	matchAll map[entry]struct{}

	// bySession mirrors every registered filter so removal can reverse
	// the bucket inserts without the caller re-supplying the filter.
	bySession map[string]map[string]Filter
}

// entry identifies one filter of one session inside a bucket.
type entry struct {
	session string
	filter  string
}

// dimension holds the exact-value buckets and the wildcard bucket for one
// routing-key dimension.
type dimension struct {
	exact map[string]map[entry]struct{}
	any   map[entry]struct{}
}

func newDimension() dimension {
	return dimension{
		exact: make(map[string]map[entry]struct{}),
		any:   make(map[entry]struct{}),
	}
}

func (d *dimension) add(values []string, e entry) {
	if len(values) == 0 {
		d.any[e] = struct{}{}
		return
	}
	for _, v := range values {
		bucket := d.exact[v]
		if bucket == nil {
			bucket = make(map[entry]struct{})
			d.exact[v] = bucket
		}
		bucket[e] = struct{}{}
	}
}

func (d *dimension) remove(values []string, e entry) {
	if len(values) == 0 {
		delete(d.any, e)
		return
	}
	for _, v := range values {
		bucket := d.exact[v]
		if bucket == nil {
			continue
		}
		delete(bucket, e)
		if len(bucket) == 0 {
			delete(d.exact, v)
		}
	}
}

// contains reports whether the entry matches this dimension for value v,
// either exactly or via the wildcard bucket.
func (d *dimension) contains(v string, e entry) bool {
	if _, ok := d.any[e]; ok {
		return true
	}
	if bucket := d.exact[v]; bucket != nil {
		_, ok := bucket[e]
		return ok
	}
	return false
}

// candidateCount sizes the exact∪any union for value v, used to pick the
// cheapest dimension to drive the intersection.
func (d *dimension) candidateCount(v string) int {
	return len(d.exact[v]) + len(d.any)
}

func NewIndex() *Index {
	return &Index{
		exchanges: newDimension(),
		symbols:   newDimension(),
		dataTypes: newDimension(),
		matchAll:  make(map[entry]struct{}),
		bySession: make(map[string]map[string]Filter),
	}
}

// Add registers a filter under the given session and filter id. The
// filter id must be unique within the session; reusing one is an internal
// fault.
func (idx *Index) Add(sessionID, filterID string, f Filter) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	filters := idx.bySession[sessionID]
	if filters == nil {
		filters = make(map[string]Filter)
		idx.bySession[sessionID] = filters
	}
	if _, exists := filters[filterID]; exists {
		return fmt.Errorf("filter id %q already registered for session %s", filterID, sessionID)
	}
	filters[filterID] = f

	e := entry{session: sessionID, filter: filterID}
	if f.MatchAll() {
		idx.matchAll[e] = struct{}{}
		return nil
	}
	idx.exchanges.add(f.Exchanges, e)
	idx.symbols.add(f.Symbols, e)
	idx.dataTypes.add(f.DataTypes, e)
	return nil
}

// Remove drops one filter. Returns ErrNotFound if the session has no such
// filter.
func (idx *Index) Remove(sessionID, filterID string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	filters := idx.bySession[sessionID]
	f, ok := filters[filterID]
	if !ok {
		return fmt.Errorf("session %s: filter %q: %w", sessionID, filterID, ErrNotFound)
	}
	idx.removeLocked(sessionID, filterID, f)
	return nil
}

// RemoveAll drops every filter of a session. Called when the session
// enters Closing, before its socket resources are released.
func (idx *Index) RemoveAll(sessionID string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	for filterID, f := range idx.bySession[sessionID] {
		idx.removeLocked(sessionID, filterID, f)
	}
}

func (idx *Index) removeLocked(sessionID, filterID string, f Filter) {
	e := entry{session: sessionID, filter: filterID}
	if f.MatchAll() {
		delete(idx.matchAll, e)
	} else {
		idx.exchanges.remove(f.Exchanges, e)
		idx.symbols.remove(f.Symbols, e)
		idx.dataTypes.remove(f.DataTypes, e)
	}

	filters := idx.bySession[sessionID]
	delete(filters, filterID)
	if len(filters) == 0 {
		delete(idx.bySession, sessionID)
	}
}

// Lookup returns the distinct ids of sessions with at least one filter
// matching the key. A session matching through several filters appears
// once. Order is unspecified.
func (idx *Index) Lookup(key protocol.RoutingKey) []string {
	var out []string
	idx.ForEachMatch(key, func(id string) {
		out = append(out, id)
	})
	return out
}

// ForEachMatch invokes fn once per distinct matching session while
// holding the read lock. Because unsubscribe and removeAll serialize
// behind that lock, a mutation returning to its caller guarantees that
// no in-flight dispatch can still deliver through the removed filter.
func (idx *Index) ForEachMatch(key protocol.RoutingKey, fn func(sessionID string)) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	sessions := make(map[string]struct{}, len(idx.matchAll))
	for e := range idx.matchAll {
		sessions[e.session] = struct{}{}
	}

	// Drive the intersection from the smallest exact∪any union; probe
	// the other two dimensions per candidate.
	type dimVal struct {
		d *dimension
		v string
	}
	dims := [3]dimVal{
		{&idx.exchanges, key.Exchange},
		{&idx.symbols, key.Symbol},
		{&idx.dataTypes, key.DataType},
	}
	smallest := 0
	for i := 1; i < len(dims); i++ {
		if dims[i].d.candidateCount(dims[i].v) < dims[smallest].d.candidateCount(dims[smallest].v) {
			smallest = i
		}
	}
	drive := dims[smallest]
	probe1 := dims[(smallest+1)%3]
	probe2 := dims[(smallest+2)%3]

	check := func(e entry) {
		if _, seen := sessions[e.session]; seen {
			return
		}
		if probe1.d.contains(probe1.v, e) && probe2.d.contains(probe2.v, e) {
			sessions[e.session] = struct{}{}
		}
	}
	for e := range drive.d.exact[drive.v] {
		check(e)
	}
	for e := range drive.d.any {
		check(e)
	}

	for id := range sessions {
		fn(id)
	}
}

// FilterCount returns how many filters a session currently holds.
func (idx *Index) FilterCount(sessionID string) int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.bySession[sessionID])
}

// SessionCount returns how many sessions hold at least one filter.
func (idx *Index) SessionCount() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.bySession)
}
