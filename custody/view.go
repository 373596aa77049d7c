package custody

import (
	"context"
	"math"
	"time"

	"github.com/Moon-Elf/ecotrace/offchain"
	"github.com/Moon-Elf/ecotrace/schema"
	"github.com/Moon-Elf/ecotrace/stage"
)

// CarbonUnit is the unit of every footprint figure.
const CarbonUnit = "kg CO2e"

// CarbonFactors convert recorded activity into emissions.
type CarbonFactors struct {
	// KgPerKWh applies to manufacturing energyKWh.
	KgPerKWh float64 `yaml:"kg_per_kwh" json:"kgPerKWh"`
	// KgPerLitre applies to transportation metrics.fuelConsumption.
	KgPerLitre float64 `yaml:"kg_per_litre" json:"kgPerLitre"`
}

var DefaultCarbonFactors = CarbonFactors{KgPerKWh: 0.4, KgPerLitre: 2.68}

func (f CarbonFactors) withDefaults() CarbonFactors {
	if f.KgPerKWh <= 0 {
		f.KgPerKWh = DefaultCarbonFactors.KgPerKWh
	}
	if f.KgPerLitre <= 0 {
		f.KgPerLitre = DefaultCarbonFactors.KgPerLitre
	}
	return f
}

type CarbonBreakdown struct {
	Manufacturing  float64 `json:"manufacturing"`
	Transportation float64 `json:"transportation"`
}

type Carbon struct {
	TotalCarbonFootprint float64         `json:"totalCarbonFootprint"`
	Unit                 string          `json:"unit"`
	Breakdown            CarbonBreakdown `json:"breakdown"`
}

type StageSummary struct {
	Kind            stage.Kind            `json:"kind"`
	RecordID        string                `json:"recordId"`
	LedgerStatus    offchain.LedgerStatus `json:"ledgerStatus"`
	TxRef           string                `json:"txRef,omitempty"`
	LastLedgerError string                `json:"lastLedgerError,omitempty"`
	Payload         map[string]any        `json:"payload"`
	UpdatedAt       time.Time             `json:"updatedAt"`
}

type ConsumerView struct {
	ProductID string         `json:"productId"`
	State     stage.State    `json:"state"`
	Stages    []StageSummary `json:"stages"`
	Carbon    Carbon         `json:"carbon"`
}

// LookupConsumerView is read-only and takes no product lock.
func (c *Coordinator) LookupConsumerView(ctx context.Context, productID string) (ConsumerView, error) {
	set, err := c.load(ctx, productID)
	if err != nil {
		return ConsumerView{}, err
	}
	if len(set.Records) == 0 {
		return ConsumerView{}, notFound(productID)
	}
	state, err := set.State()
	if err != nil {
		return ConsumerView{}, validationError(err)
	}
	view := ConsumerView{ProductID: productID, State: state, Carbon: c.footprint(set)}
	for _, r := range set.Records {
		view.Stages = append(view.Stages, StageSummary{
			Kind:            r.Kind,
			RecordID:        r.RecordID,
			LedgerStatus:    r.LedgerStatus,
			TxRef:           r.TxRef,
			LastLedgerError: r.LastLedgerError,
			Payload:         r.Payload,
			UpdatedAt:       r.UpdatedAt,
		})
	}
	return view, nil
}

func (c *Coordinator) footprint(set offchain.RecordSet) Carbon {
	var b CarbonBreakdown
	if r, ok := set.Get(stage.KindManufacturing); ok {
		if kwh, ok := schema.Number(r.Payload["energyKWh"]); ok {
			b.Manufacturing = round2(kwh * c.carbon.KgPerKWh)
		}
	}
	if r, ok := set.Get(stage.KindTransportation); ok {
		metrics, _ := r.Payload["metrics"].(map[string]any)
		if litres, ok := schema.Number(metrics["fuelConsumption"]); ok {
			b.Transportation = round2(litres * c.carbon.KgPerLitre)
		}
	}
	return Carbon{
		TotalCarbonFootprint: round2(b.Manufacturing + b.Transportation),
		Unit:                 CarbonUnit,
		Breakdown:            b,
	}
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
