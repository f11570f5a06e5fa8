package core

// Route is a UTF-8 string key used to locate handlers, typically derived
// from a serialized message-type name (e.g. "orders.OrderPlaced").
type Route string

// RouteHierarchy is an ordered sequence of routes, most-specific first
// (concrete type, then each base type), used by MessageRouter to match a
// single outbound message against each route in turn.
type RouteHierarchy []Route

// RouteRegistrationOptions are bit flags controlling how a route
// registration behaves.
type RouteRegistrationOptions uint8

const (
	// OptTransient marks a registration as ephemeral, tied to the
	// registering session rather than durable across restarts.
	OptTransient RouteRegistrationOptions = 1 << iota
	// OptPublishOnly marks an endpoint as eligible for publish dispatch
	// only; it is never selected for point-to-point dispatch.
	OptPublishOnly
	// OptLocalDispatchOnly marks a route as visible only within the
	// process that registered it.
	OptLocalDispatchOnly
)

// Has reports whether all bits in mask are set.
func (o RouteRegistrationOptions) Has(mask RouteRegistrationOptions) bool {
	return o&mask == mask
}

// RouteTarget names one registered handler for a route: the logical
// endpoint that owns it and the options it was registered with.
type RouteTarget struct {
	EndPoint EndPointAddress
	Options  RouteRegistrationOptions
}
