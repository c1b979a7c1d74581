package context

// Key is the type of values the router and middleware put on the request
// context.
type Key string

const (
	Claims    Key = "claims"
	Tenant    Key = "tenant"
	Params    Key = "params"
	RequestID Key = "request_id"
)
