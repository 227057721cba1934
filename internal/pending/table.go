// Package pending implements the pending-request bookkeeping spec.md §4.F
// and §4.H describe: every forwarded request that expects a response is
// tracked in one global list (for response matching) and simultaneously in
// its owner's list (a client, or a zombie left behind by a disconnected
// client with outstanding requests).
//
// spec.md §9 flags the source's raw-pointer cyclic ownership between
// client, pending-request, and zombie as a pattern to re-architect: this
// package models pending requests as records in an arena addressed by
// stable integer handles. Callers (internal/network) hold handles, never
// pointers, so a client or zombie can be torn down without leaving a
// dangling reference, and the arena backing store is free to grow without
// invalidating anything callers hold onto.
package pending

// SavedHeader is the subset of a request header needed to match a later
// response (spec.md §4.D's uid/function_id/sequence_number triple).
type SavedHeader struct {
	UID            uint32
	FunctionID     uint8
	SequenceNumber uint8
}

// Matches reports whether resp (a response header) matches the request
// this SavedHeader came from.
func (h SavedHeader) Matches(resp SavedHeader) bool {
	return h.UID == resp.UID && h.FunctionID == resp.FunctionID && h.SequenceNumber == resp.SequenceNumber
}

// OwnerKind distinguishes a live client from the zombie left behind when a
// client disconnects with requests still outstanding.
type OwnerKind uint8

const (
	OwnerClient OwnerKind = iota
	OwnerZombie
)

// OwnerKey identifies an owner list. IDs are assigned by the caller
// (internal/network), typically a client slot index or zombie sequence
// number; pending never interprets them.
type OwnerKey struct {
	Kind OwnerKind
	ID   uint64
}

const noHandle = -1

type record struct {
	header                  SavedHeader
	owner                   OwnerKey
	globalPrev, globalNext  int
	ownerPrev, ownerNext    int
	inUse                   bool
}

type ownerList struct {
	head, tail int
	count      int
}

// Table holds every in-flight pending request, indexed both globally and
// per owner.
type Table struct {
	arena       []record
	holes       []int
	globalHead  int
	globalTail  int
	globalCount int
	owners      map[OwnerKey]*ownerList

	// MaxPerOwner bounds how many pending requests a single owner may hold
	// before Add begins evicting the oldest (spec.md §4.F:
	// network_client_expects_response). Zero means DefaultMaxPerOwner.
	MaxPerOwner int
}

// DefaultMaxPerOwner is the 32768 cap spec.md §4.F and §5 specify.
const DefaultMaxPerOwner = 32768

// NewTable builds an empty pending-request table.
func NewTable() *Table {
	return &Table{
		globalHead: noHandle,
		globalTail: noHandle,
		owners:     make(map[OwnerKey]*ownerList),
	}
}

func (t *Table) maxPerOwner() int {
	if t.MaxPerOwner > 0 {
		return t.MaxPerOwner
	}
	return DefaultMaxPerOwner
}

// Add links a new pending request for owner, evicting the oldest entries
// of that same owner first if it is already at capacity. It returns the
// new entry's handle and how many older entries were evicted to make room.
func (t *Table) Add(owner OwnerKey, header SavedHeader) (handle int, evicted int) {
	ol := t.ownerListFor(owner)
	for ol.count >= t.maxPerOwner() {
		t.Remove(ol.head)
		evicted++
	}

	h := t.alloc()
	r := &t.arena[h]
	r.header = header
	r.owner = owner
	r.inUse = true

	t.linkGlobalTail(h)
	t.linkOwnerTail(ol, h)

	return h, evicted
}

func (t *Table) alloc() int {
	if n := len(t.holes); n > 0 {
		h := t.holes[n-1]
		t.holes = t.holes[:n-1]
		return h
	}
	t.arena = append(t.arena, record{})
	return len(t.arena) - 1
}

func (t *Table) ownerListFor(owner OwnerKey) *ownerList {
	ol, ok := t.owners[owner]
	if !ok {
		ol = &ownerList{head: noHandle, tail: noHandle}
		t.owners[owner] = ol
	}
	return ol
}

func (t *Table) linkGlobalTail(h int) {
	r := &t.arena[h]
	r.globalPrev = t.globalTail
	r.globalNext = noHandle
	if t.globalTail != noHandle {
		t.arena[t.globalTail].globalNext = h
	} else {
		t.globalHead = h
	}
	t.globalTail = h
	t.globalCount++
}

func (t *Table) unlinkGlobal(h int) {
	r := &t.arena[h]
	if r.globalPrev != noHandle {
		t.arena[r.globalPrev].globalNext = r.globalNext
	} else {
		t.globalHead = r.globalNext
	}
	if r.globalNext != noHandle {
		t.arena[r.globalNext].globalPrev = r.globalPrev
	} else {
		t.globalTail = r.globalPrev
	}
	t.globalCount--
}

func (t *Table) linkOwnerTail(ol *ownerList, h int) {
	r := &t.arena[h]
	r.ownerPrev = ol.tail
	r.ownerNext = noHandle
	if ol.tail != noHandle {
		t.arena[ol.tail].ownerNext = h
	} else {
		ol.head = h
	}
	ol.tail = h
	ol.count++
}

func (t *Table) unlinkOwner(ol *ownerList, h int) {
	r := &t.arena[h]
	if r.ownerPrev != noHandle {
		t.arena[r.ownerPrev].ownerNext = r.ownerNext
	} else {
		ol.head = r.ownerNext
	}
	if r.ownerNext != noHandle {
		t.arena[r.ownerNext].ownerPrev = r.ownerPrev
	} else {
		ol.tail = r.ownerPrev
	}
	ol.count--
}

// Remove unlinks and frees the entry identified by handle. It is a no-op
// if handle is not currently in use.
func (t *Table) Remove(handle int) {
	if handle < 0 || handle >= len(t.arena) || !t.arena[handle].inUse {
		return
	}
	r := &t.arena[handle]
	owner := r.owner

	t.unlinkGlobal(handle)
	if ol, ok := t.owners[owner]; ok {
		t.unlinkOwner(ol, handle)
		if ol.count == 0 {
			delete(t.owners, owner)
		}
	}

	*r = record{}
	t.holes = append(t.holes, handle)
}

// Header returns the saved request header for handle.
func (t *Table) Header(handle int) SavedHeader { return t.arena[handle].header }

// OwnerOf returns the owner of the pending request identified by handle.
func (t *Table) OwnerOf(handle int) OwnerKey { return t.arena[handle].owner }

// GlobalCount returns the total number of pending requests across all
// owners.
func (t *Table) GlobalCount() int { return t.globalCount }

// OwnerCount returns how many pending requests owner currently holds.
func (t *Table) OwnerCount(owner OwnerKey) int {
	if ol, ok := t.owners[owner]; ok {
		return ol.count
	}
	return 0
}

// FindMatch implements spec.md §4.F's network_dispatch_response matching
// rule: walk the global list head to tail, returning the first entry whose
// saved header matches resp.
func (t *Table) FindMatch(resp SavedHeader) (handle int, ok bool) {
	for h := t.globalHead; h != noHandle; h = t.arena[h].globalNext {
		if t.arena[h].header.Matches(resp) {
			return h, true
		}
	}
	return 0, false
}

// DropByUID removes every pending request addressed to uid, regardless of
// owner, and returns how many were dropped (spec.md §4.F: enumerate
// connected/disconnected callbacks invalidate stale pending requests for
// that device).
func (t *Table) DropByUID(uid uint32) int {
	dropped := 0
	h := t.globalHead
	for h != noHandle {
		next := t.arena[h].globalNext
		if t.arena[h].header.UID == uid {
			t.Remove(h)
			dropped++
		}
		h = next
	}
	return dropped
}

// Reparent moves every pending request owned by from to to in O(1) list
// splice plus O(n) per-node owner-field updates, implementing spec.md
// §4.H's zombie creation: "re-parent the client's pending list by
// detaching the sentinel ... setting zombie* on each node". The global
// list is untouched; only ownership bookkeeping changes.
func (t *Table) Reparent(from, to OwnerKey) {
	fromList, ok := t.owners[from]
	if !ok || fromList.count == 0 {
		return
	}
	delete(t.owners, from)

	toList := t.ownerListFor(to)
	for h := fromList.head; h != noHandle; h = t.arena[h].ownerNext {
		t.arena[h].owner = to
	}

	if toList.head == noHandle {
		toList.head = fromList.head
		toList.tail = fromList.tail
		toList.count = fromList.count
		return
	}
	t.arena[toList.tail].ownerNext = fromList.head
	t.arena[fromList.head].ownerPrev = toList.tail
	toList.tail = fromList.tail
	toList.count += fromList.count
}

// RemoveOwner drops every pending request belonging to owner (used when a
// zombie's drain timer fires or its count reaches zero) and returns how
// many were removed.
func (t *Table) RemoveOwner(owner OwnerKey) int {
	ol, ok := t.owners[owner]
	if !ok {
		return 0
	}
	count := 0
	h := ol.head
	for h != noHandle {
		next := t.arena[h].ownerNext
		t.Remove(h)
		count++
		h = next
	}
	return count
}
