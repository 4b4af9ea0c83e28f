package bus

import "time"

// Event is a notification published on the bus. Kinds are dotted names
// grouped by namespace: "table.*" after a store commit, "link.*" for the
// transport connection, "transport.*" for inbound network events and
// "message.*" for outbox results.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
