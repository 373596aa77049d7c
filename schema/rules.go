package schema

import (
	"encoding/json"
	"fmt"

	exprlang "github.com/expr-lang/expr"

	"github.com/Moon-Elf/ecotrace/stage"
)

var builtin = map[stage.Kind][]Rule{
	stage.KindHarvest: {
		{Field: "forestId", Expr: `present(forestId)`, Message: "is required"},
		{Field: "forestId", Expr: `known(forestId, forests)`, Message: "is not a registered forest"},
		{Field: "woodType", Expr: `present(woodType)`, Message: "is required"},
		{Field: "woodType", Expr: `known(woodType, woodTypes)`, Message: "is not a registered wood type"},
		{Field: "certificationId", Expr: `present(certificationId)`, Message: "is required"},
		{Field: "certificationId", Expr: `known(certificationId, certifications)`, Message: "is not a registered certification"},
		{Field: "location.latitude", Expr: `between(location?.latitude, -90, 90)`, Message: "must be a number in [-90, 90]"},
		{Field: "location.longitude", Expr: `between(location?.longitude, -180, 180)`, Message: "must be a number in [-180, 180]"},
	},
	stage.KindManufacturing: {
		{Field: "harvestId", Expr: `present(harvestId)`, Message: "is required"},
		{Field: "productType", Expr: `present(productType)`, Message: "is required"},
		{Field: "facilityId", Expr: `present(facilityId)`, Message: "is required"},
		// Metrics may be filled in by a later amendment.
		{Field: "energyKWh", Expr: `energyKWh == nil || nonNegative(energyKWh)`, Message: "must be a non-negative number"},
		{Field: "outputQuantity", Expr: `outputQuantity == nil || nonNegative(outputQuantity)`, Message: "must be a non-negative number"},
	},
	stage.KindTransportation: {
		{Field: "shipmentId", Expr: `present(shipmentId)`, Message: "is required"},
		{Field: "route", Expr: `size(route) > 0 && all(route, {present(#.origin) && present(#.destination)})`, Message: "must list legs with origin and destination"},
		{Field: "status", Expr: `status in ["INITIATED", "IN_TRANSIT", "DELIVERED"]`, Message: "must be INITIATED, IN_TRANSIT or DELIVERED"},
		{Field: "metrics.fuelConsumption", Expr: `nonNegative(metrics?.fuelConsumption)`, Message: "must be a non-negative number"},
		{Field: "metrics.distance", Expr: `nonNegative(metrics?.distance)`, Message: "must be a non-negative number"},
	},
	stage.KindConsumer: {
		{Field: "consumerId", Expr: `consumerId == nil || present(consumerId)`, Message: "must be a non-empty string"},
		{Field: "note", Expr: `note == nil || isString(note)`, Message: "must be a string"},
	},
}

var helpers = []exprlang.Option{
	exprlang.Function("present", arity(1, func(p ...any) (any, error) {
		s, ok := p[0].(string)
		return ok && s != "", nil
	})),
	exprlang.Function("isString", arity(1, func(p ...any) (any, error) {
		_, ok := p[0].(string)
		return ok, nil
	})),
	exprlang.Function("known", arity(2, func(p ...any) (any, error) {
		list, _ := p[1].([]any)
		if len(list) == 0 {
			return true, nil
		}
		s, ok := p[0].(string)
		if !ok {
			return false, nil
		}
		for _, v := range list {
			if v == s {
				return true, nil
			}
		}
		return false, nil
	})),
	exprlang.Function("between", arity(3, func(p ...any) (any, error) {
		v, ok := Number(p[0])
		lo, _ := Number(p[1])
		hi, _ := Number(p[2])
		return ok && v >= lo && v <= hi, nil
	})),
	exprlang.Function("nonNegative", arity(1, func(p ...any) (any, error) {
		v, ok := Number(p[0])
		return ok && v >= 0, nil
	})),
	exprlang.Function("size", arity(1, func(p ...any) (any, error) {
		switch v := p[0].(type) {
		case []any:
			return len(v), nil
		case []map[string]any:
			return len(v), nil
		case nil:
			return 0, nil
		default:
			return 0, fmt.Errorf("not a list")
		}
	})),
}

func arity(n int, fn func(...any) (any, error)) func(...any) (any, error) {
	return func(p ...any) (any, error) {
		if len(p) != n {
			return nil, fmt.Errorf("expected %d arguments, got %d", n, len(p))
		}
		return fn(p...)
	}
}

// Number reads a JSON or Go numeric value as float64.
func Number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
