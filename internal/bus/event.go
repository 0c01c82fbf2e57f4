package bus

import "time"

// Event kinds. Subscribers filter by namespace prefix ("session.", "groups.").
const (
	SessionSignedIn    = "session.signed_in"
	SessionSignedOut   = "session.signed_out"
	SessionInvalidated = "session.invalidated"

	FriendsRefreshed = "friends.refreshed"

	DirectSnapshot = "direct.snapshot"

	GroupsList     = "groups.list"
	GroupsDetails  = "groups.details"
	GroupsSnapshot = "groups.snapshot"

	PollError = "poll.error"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
