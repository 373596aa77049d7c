package stage

import "testing"

func TestValidateTransition(t *testing.T) {
	cases := []struct {
		current, requested State
		shipment           bool
		code               string
	}{
		{None, Harvested, false, ""},
		{Harvested, Manufactured, false, ""},
		{Manufactured, InTransit, false, ""},
		{InTransit, InTransit, true, ""},
		{InTransit, Delivered, true, ""},
		{Delivered, Consumed, true, ""},

		{None, Manufactured, false, CodeNoHarvest},
		{None, InTransit, false, CodeNoHarvest},
		{Harvested, Harvested, false, CodeExists},
		{Delivered, Harvested, true, CodeExists},
		{Harvested, InTransit, false, CodeSkip},
		{Manufactured, Delivered, false, CodeSkip},
		{InTransit, Consumed, true, CodeSkip},
		{Manufactured, Manufactured, false, CodeExists},
		{Manufactured, Harvested, false, CodeExists},
		{InTransit, Manufactured, true, CodeBackward},
		{Delivered, InTransit, true, CodeBackward},
		{Manufactured, InTransit, true, CodeShipmentExists},
		{InTransit, Delivered, false, CodeNoShipment},
		{InTransit, InTransit, false, CodeNoShipment},
		{Delivered, Delivered, true, CodeShipmentFinal},
		{Consumed, Consumed, true, CodeTerminal},
		{Consumed, Harvested, true, CodeTerminal},
		{State("LOST"), Harvested, false, CodeUnknown},
	}
	for _, tc := range cases {
		err := ValidateTransition(tc.current, tc.requested, tc.shipment)
		if got := CodeOf(err); got != tc.code {
			t.Errorf("%s -> %s (shipment=%v): got %q (%v) want %q", tc.current, tc.requested, tc.shipment, got, err, tc.code)
		}
	}
}

// Every accepted transition either advances by exactly one state or is a
// shipment update; nothing ever moves backwards.
func TestTransitionsNeverSkipOrRegress(t *testing.T) {
	for _, cur := range sequence {
		for _, req := range sequence {
			for _, ship := range []bool{false, true} {
				if ValidateTransition(cur, req, ship) != nil {
					continue
				}
				ci, ri := cur.index(), req.index()
				update := cur == InTransit && (req == InTransit || req == Delivered) && ship
				if ri != ci+1 && !update {
					t.Fatalf("accepted %s -> %s (shipment=%v)", cur, req, ship)
				}
			}
		}
	}
}

func TestValidateShipmentUpdate(t *testing.T) {
	cases := []struct {
		from, to ShipmentStatus
		code     string
	}{
		{ShipmentInitiated, ShipmentInTransit, ""},
		{ShipmentInitiated, ShipmentDelivered, ""},
		{ShipmentInTransit, ShipmentInTransit, ""},
		{ShipmentInTransit, ShipmentDelivered, ""},
		{ShipmentInitiated, ShipmentInitiated, CodeBackward},
		{ShipmentInTransit, ShipmentInitiated, CodeBackward},
		{ShipmentDelivered, ShipmentDelivered, CodeShipmentFinal},
		{ShipmentDelivered, ShipmentInTransit, CodeShipmentFinal},
		{ShipmentInitiated, "LOST", CodeUnknown},
	}
	for _, tc := range cases {
		if got := CodeOf(ValidateShipmentUpdate(tc.from, tc.to)); got != tc.code {
			t.Errorf("%s -> %s: got %q want %q", tc.from, tc.to, got, tc.code)
		}
	}
}

func TestValidateAmendment(t *testing.T) {
	if err := ValidateAmendment(Manufactured, KindManufacturing); err != nil {
		t.Fatalf("amend while manufactured: %v", err)
	}
	if CodeOf(ValidateAmendment(InTransit, KindManufacturing)) != CodeAmendmentClosed {
		t.Fatalf("amendment after shipping should be closed")
	}
	if CodeOf(ValidateAmendment(Harvested, KindHarvest)) != CodeAmendmentClosed {
		t.Fatalf("harvest records are not amendable")
	}
	if CodeOf(ValidateAmendment(None, KindManufacturing)) != CodeNoHarvest {
		t.Fatalf("amending a missing product should report no harvest")
	}
}

func TestStateOf(t *testing.T) {
	cases := []struct {
		kinds    []Kind
		shipment ShipmentStatus
		want     State
		code     string
	}{
		{nil, "", None, ""},
		{[]Kind{KindHarvest}, "", Harvested, ""},
		{[]Kind{KindManufacturing, KindHarvest}, "", Manufactured, ""},
		{[]Kind{KindHarvest, KindManufacturing, KindTransportation}, ShipmentInitiated, InTransit, ""},
		{[]Kind{KindHarvest, KindManufacturing, KindTransportation}, ShipmentDelivered, Delivered, ""},
		{Kinds, ShipmentDelivered, Consumed, ""},
		{[]Kind{KindManufacturing}, "", None, CodeOutOfOrder},
		{[]Kind{KindHarvest, KindTransportation}, ShipmentInitiated, None, CodeOutOfOrder},
		{[]Kind{KindHarvest, KindHarvest}, "", None, CodeOutOfOrder},
		{[]Kind{"forest"}, "", None, CodeUnknown},
	}
	for i, tc := range cases {
		got, err := StateOf(tc.kinds, tc.shipment)
		if CodeOf(err) != tc.code {
			t.Fatalf("case %d: error %v want code %q", i, err, tc.code)
		}
		if tc.code == "" && got != tc.want {
			t.Fatalf("case %d: got %s want %s", i, got, tc.want)
		}
	}
}

func TestKindOf(t *testing.T) {
	want := map[State]Kind{
		Harvested:    KindHarvest,
		Manufactured: KindManufacturing,
		InTransit:    KindTransportation,
		Delivered:    KindTransportation,
		Consumed:     KindConsumer,
		None:         "",
	}
	for s, k := range want {
		if got := KindOf(s); got != k {
			t.Fatalf("KindOf(%s): got %q want %q", s, got, k)
		}
	}
}
