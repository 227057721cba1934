package network

import "time"

// Zombie is the bookkeeping left behind when a client disconnects with
// pending requests still outstanding (spec.md §4.H). It owns the
// re-parented pending-request list until either every request is matched
// or its drain timer fires, whichever comes first.
type Zombie struct {
	id       uint64
	count    int
	finished bool
	timer    *time.Timer
}
