package types

// PaymentStatus is shared by orders and payment rows; it is independent of the
// order lifecycle status.
type PaymentStatus string

const (
	PaymentPending           PaymentStatus = "pending"
	PaymentSucceeded         PaymentStatus = "succeeded"
	PaymentFailed            PaymentStatus = "failed"
	PaymentRefunded          PaymentStatus = "refunded"
	PaymentPartiallyRefunded PaymentStatus = "partially_refunded"
)

// Settled reports whether the money has moved. A failure must never overwrite
// a settled status.
func (s PaymentStatus) Settled() bool {
	switch s {
	case PaymentSucceeded, PaymentRefunded, PaymentPartiallyRefunded:
		return true
	}
	return false
}

// ActorType identifies who requested a status change.
type ActorType string

const (
	ActorSystem ActorType = "system"
	ActorAdmin  ActorType = "admin"
	ActorClient ActorType = "client"
)

// Actor is recorded on every status event.
type Actor struct {
	Type ActorType `json:"type"`
	ID   string    `json:"id,omitempty"`
}

// SystemActor is used by webhook and scheduler driven transitions.
var SystemActor = Actor{Type: ActorSystem, ID: "reconciler"}
