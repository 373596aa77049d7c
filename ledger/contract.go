package ledger

import "math"

// Shipment status values the contract tracks.
const (
	shipmentDelivered = "DELIVERED"
)

type product struct {
	harvest       string
	manufacturing string
	transport     string
	consumption   string
	shipment      string
}

// custodyContract holds the state of one deployed custody contract. It only
// enforces what keeps the log consistent with the correlation keys: which
// record ids belong to which product and in what order they appeared.
type custodyContract struct {
	products map[string]*product
	hashes   map[string]string // recordId -> latest content hash
}

func newCustodyContract() *custodyContract {
	return &custodyContract{products: map[string]*product{}, hashes: map[string]string{}}
}

func stringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

// apply checks tx against the current state. On success it returns the
// mutation to run once the entry is durable. A nil mutation with a nil error
// is an idempotent replay.
func (c *custodyContract) apply(tx Transaction) (func(), error) {
	productID := stringArg(tx.Args, ArgProductID)
	recordID := stringArg(tx.Args, ArgRecordID)
	hash := stringArg(tx.Args, ArgContentHash)
	for k, v := range map[string]string{ArgProductID: productID, ArgRecordID: recordID, ArgContentHash: hash} {
		if v == "" {
			return nil, revertf("missing argument %q", k)
		}
	}

	p := c.products[productID]
	if prev, seen := c.hashes[recordID]; seen && IsCreateOp(tx.Op) {
		if prev != hash {
			return nil, revertf("record %s already anchored with different content", recordID)
		}
		if !owns(p, tx.Op, recordID) {
			return nil, revertf("record %s belongs to another product or stage", recordID)
		}
		return nil, nil
	}

	var set func(*product)
	switch tx.Op {
	case OpCreateProduct:
		if p != nil {
			return nil, revertf("product %s already exists", productID)
		}
		if err := checkCoordinates(tx.Args); err != nil {
			return nil, err
		}
		return func() {
			c.products[productID] = &product{harvest: recordID}
			c.hashes[recordID] = hash
		}, nil
	case OpAddHarvestData:
		if p == nil {
			return nil, revertf("unknown product %s", productID)
		}
		if p.harvest != recordID {
			return nil, revertf("record %s is not the harvest of %s", recordID, productID)
		}
		if err := checkCoordinates(tx.Args); err != nil {
			return nil, err
		}
	case OpAddManufacturingData:
		if p == nil {
			return nil, revertf("unknown product %s", productID)
		}
		if p.manufacturing != "" {
			return nil, revertf("manufacturing already recorded for %s", productID)
		}
		set = func(p *product) { p.manufacturing = recordID }
	case OpUpdateManufacturingData:
		if p == nil || p.manufacturing != recordID {
			return nil, revertf("no manufacturing record %s for %s", recordID, productID)
		}
		if p.transport != "" {
			return nil, revertf("product %s already shipped", productID)
		}
	case OpAddTransportationData:
		if p == nil || p.manufacturing == "" {
			return nil, revertf("product %s has no manufacturing record", productID)
		}
		if p.transport != "" {
			return nil, revertf("shipment already recorded for %s", productID)
		}
		status := stringArg(tx.Args, "status")
		set = func(p *product) { p.transport = recordID; p.shipment = status }
	case OpUpdateTransportationData:
		if p == nil || p.transport != recordID {
			return nil, revertf("no shipment record %s for %s", recordID, productID)
		}
		status := stringArg(tx.Args, "status")
		if p.shipment == shipmentDelivered && status != shipmentDelivered {
			return nil, revertf("shipment for %s already delivered", productID)
		}
		set = func(p *product) { p.shipment = status }
	case OpRecordConsumption:
		if p == nil || p.transport == "" || p.shipment != shipmentDelivered {
			return nil, revertf("product %s has not been delivered", productID)
		}
		if p.consumption != "" {
			return nil, revertf("consumption already recorded for %s", productID)
		}
		set = func(p *product) { p.consumption = recordID }
	default:
		return nil, revertf("unknown operation %q", tx.Op)
	}

	return func() {
		if set != nil {
			set(p)
		}
		c.hashes[recordID] = hash
	}, nil
}

// IsCreateOp reports whether op introduces a new record id, as opposed to
// updating one the contract already holds.
func IsCreateOp(op string) bool {
	switch op {
	case OpCreateProduct, OpAddManufacturingData, OpAddTransportationData, OpRecordConsumption:
		return true
	}
	return false
}

func owns(p *product, op, recordID string) bool {
	if p == nil {
		return false
	}
	switch op {
	case OpCreateProduct:
		return p.harvest == recordID
	case OpAddManufacturingData:
		return p.manufacturing == recordID
	case OpAddTransportationData:
		return p.transport == recordID
	case OpRecordConsumption:
		return p.consumption == recordID
	}
	return false
}

// checkCoordinates validates the optional micro-degree coordinates carried by
// harvest operations.
func checkCoordinates(args map[string]any) error {
	for key, limit := range map[string]float64{"latitude": 90e6, "longitude": 180e6} {
		raw, ok := args[key]
		if !ok {
			continue
		}
		v, ok := raw.(float64)
		if !ok || v != math.Trunc(v) || math.Abs(v) > limit {
			return revertf("invalid %s", key)
		}
	}
	return nil
}
