package stage

// ValidateTransition decides whether a product in current may move to
// requested. hasShipment reports whether a transportation record exists.
//
// Only the immediate successor is accepted, with one exception: once a
// shipment exists, IN_TRANSIT may move to IN_TRANSIT or DELIVERED as a
// shipment update.
func ValidateTransition(current, requested State, hasShipment bool) error {
	if !current.Valid() || !requested.Valid() {
		return reject(CodeUnknown, current, requested, "unknown state")
	}
	if current == Consumed {
		return reject(CodeTerminal, current, requested, "product already consumed")
	}
	if requested == Harvested {
		if current != None {
			return reject(CodeExists, current, requested, "product already exists")
		}
		return nil
	}
	if current == None {
		return reject(CodeNoHarvest, current, requested, "no prior harvest")
	}

	switch {
	case current == Manufactured && requested == InTransit:
		if hasShipment {
			return reject(CodeShipmentExists, current, requested, "shipment already recorded")
		}
		return nil
	case current == InTransit && (requested == InTransit || requested == Delivered):
		if !hasShipment {
			return reject(CodeNoShipment, current, requested, "no shipment record to update")
		}
		return nil
	case current == Delivered && requested == Delivered:
		return reject(CodeShipmentFinal, current, requested, "shipment already delivered")
	}

	ci, ri := current.index(), requested.index()
	switch {
	case ri == ci+1 && requested != Delivered:
		return nil
	case ri == ci:
		return reject(CodeExists, current, requested, "%s record already exists", KindOf(requested))
	case ri < ci:
		return reject(CodeBackward, current, requested, "cannot move from %s back to %s", current, requested)
	default:
		return reject(CodeSkip, current, requested, "cannot skip from %s to %s", current, requested)
	}
}

// ValidateShipmentUpdate checks a change of shipment sub-state.
func ValidateShipmentUpdate(from, to ShipmentStatus) error {
	if !from.Valid() || !to.Valid() {
		return reject(CodeUnknown, from.StateFor(), to.StateFor(), "unknown shipment status %q -> %q", from, to)
	}
	if from == ShipmentDelivered {
		return reject(CodeShipmentFinal, Delivered, to.StateFor(), "shipment already delivered")
	}
	if to == ShipmentInitiated {
		return reject(CodeBackward, from.StateFor(), InTransit, "shipment cannot return to %s", ShipmentInitiated)
	}
	return nil
}

// ValidateAmendment checks a same-stage update of an existing record. Only
// the manufacturing record is amendable, and only until the product ships.
// Shipment progress goes through ValidateShipmentUpdate instead.
func ValidateAmendment(current State, kind Kind) error {
	if kind == KindManufacturing && current == Manufactured {
		return nil
	}
	if current == None {
		return reject(CodeNoHarvest, current, current, "no prior harvest")
	}
	return reject(CodeAmendmentClosed, current, current, "%s record can no longer be amended", kind)
}

// Replay checks that kinds (in any order) form a prefix of the custody
// sequence with no repeats.
func Replay(kinds []Kind) error {
	seen := make([]bool, len(Kinds))
	for _, k := range kinds {
		o := k.Order()
		if o < 0 {
			return reject(CodeUnknown, None, None, "unknown record kind %q", k)
		}
		if seen[o] {
			return reject(CodeOutOfOrder, None, None, "duplicate %s record", k)
		}
		seen[o] = true
	}
	gap := false
	for i, ok := range seen {
		if !ok {
			gap = true
			continue
		}
		if gap {
			return reject(CodeOutOfOrder, None, None, "%s record without its predecessors", Kinds[i])
		}
	}
	return nil
}

// StateOf derives a product's state from the kinds of its records and the
// shipment sub-state of its transportation record.
func StateOf(kinds []Kind, shipment ShipmentStatus) (State, error) {
	if err := Replay(kinds); err != nil {
		return None, err
	}
	switch len(kinds) {
	case 0:
		return None, nil
	case 1:
		return Harvested, nil
	case 2:
		return Manufactured, nil
	case 3:
		return shipment.StateFor(), nil
	default:
		return Consumed, nil
	}
}
