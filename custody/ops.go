package custody

import (
	"context"

	"github.com/Moon-Elf/ecotrace/stage"
)

// InitiateHarvest creates a product and its harvest record. The product id
// is assigned here.
func (c *Coordinator) InitiateHarvest(ctx context.Context, payload map[string]any) (Result, error) {
	return c.ApplyTransition(ctx, Request{Target: stage.Harvested, Payload: payload})
}

// CreateManufacturingRecord processes harvested material into a product.
// The material id is the product id assigned at harvest.
func (c *Coordinator) CreateManufacturingRecord(ctx context.Context, materialID string, payload map[string]any) (Result, error) {
	return c.ApplyTransition(ctx, Request{ProductID: materialID, Target: stage.Manufactured, Payload: payload})
}

func (c *Coordinator) UpdateManufacturingRecord(ctx context.Context, materialID string, patch map[string]any) (Result, error) {
	return c.ApplyTransition(ctx, Request{ProductID: materialID, Target: stage.Manufactured, Payload: patch, Amend: true})
}

func (c *Coordinator) CreateTransportationRecord(ctx context.Context, productID string, payload map[string]any) (Result, error) {
	return c.ApplyTransition(ctx, Request{ProductID: productID, Target: stage.InTransit, Payload: payload})
}

// UpdateTransportationRecord moves the shipment on. A status of DELIVERED
// completes it; anything else keeps the product IN_TRANSIT.
func (c *Coordinator) UpdateTransportationRecord(ctx context.Context, productID string, patch map[string]any) (Result, error) {
	target := stage.InTransit
	if s, _ := patch["status"].(string); stage.ShipmentStatus(s) == stage.ShipmentDelivered {
		target = stage.Delivered
	}
	return c.ApplyTransition(ctx, Request{ProductID: productID, Target: target, Payload: patch})
}

func (c *Coordinator) RecordConsumption(ctx context.Context, productID string, payload map[string]any) (Result, error) {
	return c.ApplyTransition(ctx, Request{ProductID: productID, Target: stage.Consumed, Payload: payload})
}
