package domain

// Customer segments as reported by the classification service.
const (
	SegmentVIP     = "vip"
	SegmentRegular = "regular"
)

// CustomerProfile is the classification of an identified customer. The
// engine treats Segment as opaque.
type CustomerProfile struct {
	Segment         string `json:"segment"`
	CompletedOrders int    `json:"completed_orders"`
}

// Customer identifies the shopper. An empty ID is an anonymous checkout.
type Customer struct {
	ID string
}

// IsAnonymous reports whether the checkout has no customer identity.
func (c Customer) IsAnonymous() bool {
	return c.ID == ""
}
