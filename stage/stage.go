// Package stage is the custody state machine. Everything here is pure: it
// decides whether a transition is legal and never touches a store.
package stage

import "fmt"

// State is a product's position in the custody sequence.
type State string

const (
	None         State = "NONE"
	Harvested    State = "HARVESTED"
	Manufactured State = "MANUFACTURED"
	InTransit    State = "IN_TRANSIT"
	Delivered    State = "DELIVERED"
	Consumed     State = "CONSUMED"
)

var sequence = []State{None, Harvested, Manufactured, InTransit, Delivered, Consumed}

func (s State) index() int {
	for i, v := range sequence {
		if v == s {
			return i
		}
	}
	return -1
}

func (s State) Valid() bool { return s.index() >= 0 }

func ParseState(s string) (State, error) {
	st := State(s)
	if !st.Valid() {
		return "", fmt.Errorf("stage: unknown state %q", s)
	}
	return st, nil
}

// Kind is the stage a record belongs to.
type Kind string

const (
	KindHarvest        Kind = "harvest"
	KindManufacturing  Kind = "manufacturing"
	KindTransportation Kind = "transportation"
	KindConsumer       Kind = "consumer"
)

// Kinds lists record kinds in custody order.
var Kinds = []Kind{KindHarvest, KindManufacturing, KindTransportation, KindConsumer}

func (k Kind) Order() int {
	for i, v := range Kinds {
		if v == k {
			return i
		}
	}
	return -1
}

func (k Kind) Valid() bool { return k.Order() >= 0 }

func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.Valid() {
		return "", fmt.Errorf("stage: unknown record kind %q", s)
	}
	return k, nil
}

// KindOf returns the record kind that reaching s writes.
func KindOf(s State) Kind {
	switch s {
	case Harvested:
		return KindHarvest
	case Manufactured:
		return KindManufacturing
	case InTransit, Delivered:
		return KindTransportation
	case Consumed:
		return KindConsumer
	}
	return ""
}

// ShipmentStatus is the sub-state of a transportation record.
type ShipmentStatus string

const (
	ShipmentInitiated ShipmentStatus = "INITIATED"
	ShipmentInTransit ShipmentStatus = "IN_TRANSIT"
	ShipmentDelivered ShipmentStatus = "DELIVERED"
)

func (s ShipmentStatus) Valid() bool {
	switch s {
	case ShipmentInitiated, ShipmentInTransit, ShipmentDelivered:
		return true
	}
	return false
}

// StateFor maps a shipment status onto the product state it implies.
func (s ShipmentStatus) StateFor() State {
	if s == ShipmentDelivered {
		return Delivered
	}
	return InTransit
}
