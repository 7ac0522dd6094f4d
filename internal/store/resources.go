// Package store holds the in-memory resource containers and the shared
// model lock that every long-lived task coordinates through.
//
// Containers are not internally synchronized. All access, including reads,
// happens while holding the owning Model's lock; commit hooks run inside
// that critical section so observers see mutations in clock order.
package store

import (
	"errors"
	"fmt"
	"sort"

	"github.com/nmos-go/nmosnode/internal/nmos"
)

var (
	ErrDuplicateID = errors.New("duplicate resource id")
	ErrNotFound    = errors.New("resource not found")
)

// Hook observes a committed mutation. pre is nil for inserts, post is nil
// for forgotten resources, and post.Data is nil for erased ones. Hooks run
// under the model write lock and may mutate subscription and grain
// resources, which never re-trigger observer fan-out.
type Hook func(pre, post *nmos.Resource)

type healthEntry struct {
	health int64
	id     string
}

// Resources is a multi-indexed container of nmos.Resource. updated and
// created values are issued by a strictly increasing clock, so both indices
// are kept as sorted slices with unique keys.
type Resources struct {
	// Now supplies the wall-clock TAI time and is replaceable in tests.
	Now func() nmos.TAI

	byID       map[string]*nmos.Resource
	byType     map[nmos.ResourceType]map[string]*nmos.Resource
	updatedIdx []*nmos.Resource
	createdIdx []*nmos.Resource
	healthIdx  []healthEntry
	mostRecent nmos.TAI
	hooks      []Hook
}

func NewResources() *Resources {
	return &Resources{
		Now:    nmos.TAINow,
		byID:   map[string]*nmos.Resource{},
		byType: map[nmos.ResourceType]map[string]*nmos.Resource{},
	}
}

// OnCommit registers a mutation observer.
func (rs *Resources) OnCommit(h Hook) {
	rs.hooks = append(rs.hooks, h)
}

// NextUpdate issues the next value of the store clock: the wall-clock TAI
// time, or one nanosecond past the most recent update if the wall clock has
// not advanced. Committing a mutation with the returned value keeps updated
// timestamps strictly increasing and usable as cursors.
func (rs *Resources) NextUpdate() nmos.TAI {
	next := rs.Now()
	if min := rs.mostRecent.PlusNanosecond(); next.Before(min) {
		next = min
	}
	rs.mostRecent = next
	return next
}

// MostRecentUpdate returns the greatest updated value ever issued. It never
// goes backwards, even when the newest resource is forgotten.
func (rs *Resources) MostRecentUpdate() nmos.TAI { return rs.mostRecent }

// Insert adds a resource. The created and updated timestamps are assigned
// here. A zero Health defaults to the current TAI seconds. Inserting over a
// live id fails with ErrDuplicateID; inserting over an erased one replaces
// it.
func (rs *Resources) Insert(r nmos.Resource) error {
	if existing, ok := rs.byID[r.ID]; ok {
		if !existing.IsErased() {
			return fmt.Errorf("%w: %s %s", ErrDuplicateID, r.Type, r.ID)
		}
		rs.remove(existing)
	}
	ts := rs.NextUpdate()
	r.Created, r.Updated = ts, ts
	if r.Health == 0 {
		r.Health = ts.Seconds
	}
	if r.SubResources == nil {
		r.SubResources = map[string]struct{}{}
	}
	setDataVersion(&r, ts)

	rp := &r
	rs.byID[rp.ID] = rp
	typed, ok := rs.byType[rp.Type]
	if !ok {
		typed = map[string]*nmos.Resource{}
		rs.byType[rp.Type] = typed
	}
	typed[rp.ID] = rp
	rs.updatedIdx = append(rs.updatedIdx, rp)
	rs.createdIdx = append(rs.createdIdx, rp)
	rs.healthInsert(rp.Health, rp.ID)
	rs.commit(nil, rp)
	return nil
}

// Modify applies mutator to a live resource and bumps its updated timestamp.
// Mutators must replace Data with a fresh document rather than editing the
// old one in place, so that snapshots held by observers stay stable. An
// error from the mutator aborts the commit.
func (rs *Resources) Modify(id string, mutator func(*nmos.Resource) error) error {
	rp, ok := rs.byID[id]
	if !ok || rp.IsErased() {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	pre := *rp
	if err := mutator(rp); err != nil {
		return err
	}
	rs.updatedRemove(rp)
	rp.Updated = rs.NextUpdate()
	rs.updatedIdx = append(rs.updatedIdx, rp)
	setDataVersion(rp, rp.Updated)
	rs.commit(&pre, rp)
	return nil
}

// Erase clears a resource and all of its sub-resources. With forget the
// entries are removed outright; otherwise they are retained with nil Data
// so observers can see the removal, to be garbage-collected later with
// ForgetErased. Either way the store clock advances.
func (rs *Resources) Erase(id string, forget bool) error {
	rp, ok := rs.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	for sid := range rp.SubResources {
		if err := rs.Erase(sid, forget); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
	}
	pre := *rp
	if forget {
		rs.NextUpdate()
		rs.remove(rp)
		rs.commit(&pre, nil)
		return nil
	}
	if rp.IsErased() {
		return nil
	}
	rp.Data = nil
	rs.healthRemove(rp.Health, rp.ID)
	rp.Health = nmos.HealthForever
	rs.updatedRemove(rp)
	rp.Updated = rs.NextUpdate()
	rs.updatedIdx = append(rs.updatedIdx, rp)
	rs.commit(&pre, rp)
	return nil
}

// ForgetErased removes erased resources whose updated timestamp is older
// than the cutoff. No commit hooks fire; observers saw the erase already.
func (rs *Resources) ForgetErased(before nmos.TAI) int {
	var victims []string
	for id, rp := range rs.byID {
		if rp.IsErased() && rp.Updated.Before(before) {
			victims = append(victims, id)
		}
	}
	for _, id := range victims {
		rs.remove(rs.byID[id])
	}
	return len(victims)
}

// Get returns the resource with the given id, erased or live.
func (rs *Resources) Get(id string) (*nmos.Resource, bool) {
	rp, ok := rs.byID[id]
	return rp, ok
}

// Find returns the live resource with the given id and type.
func (rs *Resources) Find(id string, t nmos.ResourceType) (*nmos.Resource, bool) {
	rp, ok := rs.byID[id]
	if !ok || rp.Type != t || rp.IsErased() {
		return nil, false
	}
	return rp, true
}

// EachOfType visits live resources of one type in unspecified order until fn
// returns false.
func (rs *Resources) EachOfType(t nmos.ResourceType, fn func(*nmos.Resource) bool) {
	for _, rp := range rs.byType[t] {
		if rp.IsErased() {
			continue
		}
		if !fn(rp) {
			return
		}
	}
}

// CountOfType counts live resources of one type.
func (rs *Resources) CountOfType(t nmos.ResourceType) int {
	n := 0
	for _, rp := range rs.byType[t] {
		if !rp.IsErased() {
			n++
		}
	}
	return n
}

// Len counts all resources including erased ones.
func (rs *Resources) Len() int { return len(rs.byID) }

// EachByCreated visits resources in ascending created order.
func (rs *Resources) EachByCreated(fn func(*nmos.Resource) bool) {
	for _, rp := range rs.createdIdx {
		if !fn(rp) {
			return
		}
	}
}

// EachByUpdatedDesc visits resources in descending updated order. Safe
// against mutations of the visited resource because the iteration works on
// a snapshot of the index.
func (rs *Resources) EachByUpdatedDesc(fn func(*nmos.Resource) bool) {
	snapshot := make([]*nmos.Resource, len(rs.updatedIdx))
	copy(snapshot, rs.updatedIdx)
	for i := len(snapshot) - 1; i >= 0; i-- {
		if !fn(snapshot[i]) {
			return
		}
	}
}

// RangeUpdated visits resources with since < updated <= until, ascending
// when asc is true, else descending.
func (rs *Resources) RangeUpdated(since, until nmos.TAI, asc bool, fn func(*nmos.Resource) bool) {
	rs.rangeIdx(rs.updatedIdx, func(r *nmos.Resource) nmos.TAI { return r.Updated }, since, until, asc, fn)
}

// RangeCreated is RangeUpdated over the created index.
func (rs *Resources) RangeCreated(since, until nmos.TAI, asc bool, fn func(*nmos.Resource) bool) {
	rs.rangeIdx(rs.createdIdx, func(r *nmos.Resource) nmos.TAI { return r.Created }, since, until, asc, fn)
}

func (rs *Resources) rangeIdx(idx []*nmos.Resource, key func(*nmos.Resource) nmos.TAI, since, until nmos.TAI, asc bool, fn func(*nmos.Resource) bool) {
	lo := sort.Search(len(idx), func(i int) bool { return key(idx[i]).After(since) })
	hi := sort.Search(len(idx), func(i int) bool { return key(idx[i]).After(until) })
	if asc {
		for i := lo; i < hi; i++ {
			if !fn(idx[i]) {
				return
			}
		}
		return
	}
	for i := hi - 1; i >= lo; i-- {
		if !fn(idx[i]) {
			return
		}
	}
}

// SetHealth refreshes a resource's health timestamp. Health never moves
// backwards and HealthForever is never changed by heartbeats. No commit
// hooks fire and the store clock does not advance.
func (rs *Resources) SetHealth(id string, health int64) error {
	rp, ok := rs.byID[id]
	if !ok || rp.IsErased() {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if rp.Health == nmos.HealthForever || health < rp.Health {
		return nil
	}
	rs.healthRemove(rp.Health, rp.ID)
	rp.Health = health
	rs.healthInsert(rp.Health, rp.ID)
	return nil
}

// LeastHealth returns the minimum health across live resources, excluding
// HealthForever. Returns HealthForever when nothing expires.
func (rs *Resources) LeastHealth() int64 {
	if len(rs.healthIdx) == 0 {
		return nmos.HealthForever
	}
	return rs.healthIdx[0].health
}

// --- index maintenance ---

func (rs *Resources) remove(rp *nmos.Resource) {
	delete(rs.byID, rp.ID)
	if typed, ok := rs.byType[rp.Type]; ok {
		delete(typed, rp.ID)
	}
	rs.updatedRemove(rp)
	rs.createdRemove(rp)
	rs.healthRemove(rp.Health, rp.ID)
}

func (rs *Resources) updatedRemove(rp *nmos.Resource) {
	i := sort.Search(len(rs.updatedIdx), func(i int) bool {
		return !rs.updatedIdx[i].Updated.Before(rp.Updated)
	})
	if i < len(rs.updatedIdx) && rs.updatedIdx[i] == rp {
		rs.updatedIdx = append(rs.updatedIdx[:i], rs.updatedIdx[i+1:]...)
	}
}

func (rs *Resources) createdRemove(rp *nmos.Resource) {
	i := sort.Search(len(rs.createdIdx), func(i int) bool {
		return !rs.createdIdx[i].Created.Before(rp.Created)
	})
	if i < len(rs.createdIdx) && rs.createdIdx[i] == rp {
		rs.createdIdx = append(rs.createdIdx[:i], rs.createdIdx[i+1:]...)
	}
}

func (rs *Resources) healthInsert(health int64, id string) {
	if health == nmos.HealthForever {
		return
	}
	e := healthEntry{health, id}
	i := sort.Search(len(rs.healthIdx), func(i int) bool { return !healthLess(rs.healthIdx[i], e) })
	rs.healthIdx = append(rs.healthIdx, healthEntry{})
	copy(rs.healthIdx[i+1:], rs.healthIdx[i:])
	rs.healthIdx[i] = e
}

func (rs *Resources) healthRemove(health int64, id string) {
	if health == nmos.HealthForever {
		return
	}
	e := healthEntry{health, id}
	i := sort.Search(len(rs.healthIdx), func(i int) bool { return !healthLess(rs.healthIdx[i], e) })
	if i < len(rs.healthIdx) && rs.healthIdx[i] == e {
		rs.healthIdx = append(rs.healthIdx[:i], rs.healthIdx[i+1:]...)
	}
}

func healthLess(a, b healthEntry) bool {
	if a.health != b.health {
		return a.health < b.health
	}
	return a.id < b.id
}

func (rs *Resources) commit(pre, post *nmos.Resource) {
	for _, h := range rs.hooks {
		h(pre, post)
	}
}

// setDataVersion mirrors the updated timestamp into the document's version
// field, which IS-04 requires to change on every modification.
func setDataVersion(r *nmos.Resource, ts nmos.TAI) {
	if r.Data == nil {
		return
	}
	if _, ok := r.Data["version"]; ok {
		r.Data["version"] = ts.String()
	}
}
