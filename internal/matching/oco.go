package matching

import "github.com/google/uuid"

// ocoLinks tracks the two order ids sharing a link_id (§9: "a separate
// linkage map keyed by link_id, not... direct pointers between Order
// records"). Either leg filling (even partially) or activating cancels the
// other; if both legs would activate in the same matching step, the limit
// leg wins per §4.3.
type ocoLinks struct {
	legs map[uuid.UUID][2]int64 // link_id -> (limitLegID, stopLegID)
}

func newOCOLinks() *ocoLinks {
	return &ocoLinks{legs: make(map[uuid.UUID][2]int64)}
}

// Link records a new OCO pair.
func (o *ocoLinks) Link(linkID uuid.UUID, limitLegID, stopLegID int64) {
	o.legs[linkID] = [2]int64{limitLegID, stopLegID}
}

// Other returns the sibling order id for orderID's OCO pair, if any.
func (o *ocoLinks) Other(linkID uuid.UUID, orderID int64) (int64, bool) {
	pair, ok := o.legs[linkID]
	if !ok {
		return 0, false
	}
	if pair[0] == orderID {
		return pair[1], true
	}
	if pair[1] == orderID {
		return pair[0], true
	}
	return 0, false
}

// Unlink removes the pair, called once either leg resolves.
func (o *ocoLinks) Unlink(linkID uuid.UUID) {
	delete(o.legs, linkID)
}
