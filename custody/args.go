package custody

import (
	"fmt"
	"math"

	"github.com/Moon-Elf/ecotrace/ledger"
	"github.com/Moon-Elf/ecotrace/offchain"
	"github.com/Moon-Elf/ecotrace/schema"
	"github.com/Moon-Elf/ecotrace/stage"
)

// mirrored lists the payload facts each record kind copies onto the ledger.
var mirrored = map[stage.Kind][]string{
	stage.KindHarvest:        {"forestId", "woodType", "certificationId"},
	stage.KindManufacturing:  {"productType", "facilityId"},
	stage.KindTransportation: {"shipmentId", "status"},
	stage.KindConsumer:       {"consumerId"},
}

// ledgerArgs builds the contract arguments for rec. The record id is the
// correlation key; the content hash binds the entry to the off-chain payload.
func ledgerArgs(rec offchain.Record) (map[string]any, error) {
	args := map[string]any{
		ledger.ArgProductID:   rec.ProductID,
		ledger.ArgRecordID:    rec.RecordID,
		ledger.ArgContentHash: rec.ContentHash,
	}
	for _, k := range mirrored[rec.Kind] {
		if v, ok := rec.Payload[k].(string); ok && v != "" {
			args[k] = v
		}
	}
	if rec.Kind == stage.KindHarvest {
		loc, _ := rec.Payload["location"].(map[string]any)
		for _, k := range []string{"latitude", "longitude"} {
			v, ok := schema.Number(loc[k])
			if !ok {
				continue
			}
			micro, err := microDegrees(v)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			args[k] = micro
		}
	}
	return args, nil
}

// microDegrees scales a coordinate to an integer count of 1e-6 degrees.
func microDegrees(deg float64) (int64, error) {
	if math.IsNaN(deg) || math.IsInf(deg, 0) || math.Abs(deg) > 180 {
		return 0, fmt.Errorf("coordinate %v out of range", deg)
	}
	return int64(math.Round(deg * 1e6)), nil
}
