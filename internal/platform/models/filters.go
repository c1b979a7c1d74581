package models

type WebhookFilter struct {
	Enabled *bool
	Event   string
	Limit   int
	Offset  int
}

type DeliveryFilter struct {
	Status DeliveryStatus
	Limit  int
	Offset int
}

// DeliveryCursor is the position after the last row of a keyset page. Key is
// the ordering timestamp of that row.
type DeliveryCursor struct {
	Key int64
	ID  string
}
