// Package hardware implements spec.md §4.E's per-stack recipient table and
// §4.F's top-level request fan-out that ties every registered Stack
// together: hardware_dispatch_request routes by UID when a stack has
// already learned the device, and falls back to a forced broadcast when no
// stack claims to know it yet (devices announce their UID lazily, on their
// first response).
package hardware

// recipientEntry pairs a UID with the opaque routing value its owning
// stack attached when it first learned that UID.
type recipientEntry struct {
	uid    uint32
	opaque any
}

// RecipientTable is a single stack's upsert-by-UID, linear-scan lookup
// table (spec.md §4.E). Stacks are small in practice (tens of devices per
// transport), so the source's linear scan is kept as-is rather than
// promoted to a map — matching spec.md §4.E verbatim.
type RecipientTable struct {
	entries []recipientEntry
}

// Add upserts uid's opaque routing value.
func (t *RecipientTable) Add(uid uint32, opaque any) {
	for i := range t.entries {
		if t.entries[i].uid == uid {
			t.entries[i].opaque = opaque
			return
		}
	}
	t.entries = append(t.entries, recipientEntry{uid: uid, opaque: opaque})
}

// Get returns uid's opaque routing value, or ok=false if the stack has
// never learned this UID.
func (t *RecipientTable) Get(uid uint32) (opaque any, ok bool) {
	for _, e := range t.entries {
		if e.uid == uid {
			return e.opaque, true
		}
	}
	return nil, false
}

// Remove drops uid from the table, if present.
func (t *RecipientTable) Remove(uid uint32) {
	for i := range t.entries {
		if t.entries[i].uid == uid {
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
			return
		}
	}
}

// Each calls fn for every known recipient, in registration order.
func (t *RecipientTable) Each(fn func(uid uint32, opaque any)) {
	for _, e := range t.entries {
		fn(e.uid, e.opaque)
	}
}

// Len returns the number of known recipients.
func (t *RecipientTable) Len() int { return len(t.entries) }
