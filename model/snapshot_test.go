package model

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/Moon-Elf/ecotrace/custody"
	"github.com/Moon-Elf/ecotrace/offchain"
	"github.com/Moon-Elf/ecotrace/stage"
)

func TestSnapshot_Transition_JSONShape(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	rec := offchain.Record{
		RecordID:     "rec-1",
		ProductID:    "prod-1",
		Kind:         stage.KindHarvest,
		Payload:      map[string]any{"forestId": "F1"},
		ContentHash:  "bafk-content",
		LedgerStatus: offchain.LedgerConfirmed,
		TxRef:        "bafk-tx",
		Version:      2,
		CreatedAt:    at,
		UpdatedAt:    at,
	}
	res := custody.Result{
		ProductID: "prod-1",
		State:     stage.Harvested,
		Record:    rec,
		Records:   offchain.RecordSet{ProductID: "prod-1"},
		Encoded:   []byte(`{"productId":"prod-1"}`),
	}

	b, err := json.MarshalIndent(Envelope{Data: TransitionOf(res)}, "", "  ")
	if err != nil {
		t.Fatalf("MarshalIndent failed: %v", err)
	}

	const want = "{\n" +
		"  \"data\": {\n" +
		"    \"productId\": \"prod-1\",\n" +
		"    \"state\": \"HARVESTED\",\n" +
		"    \"record\": {\n" +
		"      \"recordId\": \"rec-1\",\n" +
		"      \"kind\": \"harvest\",\n" +
		"      \"payload\": {\n" +
		"        \"forestId\": \"F1\"\n" +
		"      },\n" +
		"      \"contentHash\": \"bafk-content\",\n" +
		"      \"ledgerStatus\": \"confirmed\",\n" +
		"      \"txRef\": \"bafk-tx\",\n" +
		"      \"version\": 2,\n" +
		"      \"createdAt\": \"2024-05-01T12:00:00Z\",\n" +
		"      \"updatedAt\": \"2024-05-01T12:00:00Z\"\n" +
		"    },\n" +
		"    \"records\": [],\n" +
		"    \"token\": {\n" +
		"      \"productId\": \"prod-1\"\n" +
		"    }\n" +
		"  }\n" +
		"}"

	if string(b) != want {
		t.Fatalf("snapshot mismatch:\n%s", string(b))
	}
}

func TestSnapshot_Error_JSONShape(t *testing.T) {
	err := &custody.Error{Code: custody.CodeLedgerRejected, Reason: "NetworkTimeout", Retryable: true, RecordID: "rec-1"}
	ce := FromError(err)
	ce.Message = "timed out"

	b, merr := json.MarshalIndent(Envelope{Error: ce}, "", "  ")
	if merr != nil {
		t.Fatalf("MarshalIndent failed: %v", merr)
	}
	const want = "{\n" +
		"  \"error\": {\n" +
		"    \"code\": \"LedgerRejected\",\n" +
		"    \"reason\": \"NetworkTimeout\",\n" +
		"    \"retryable\": true,\n" +
		"    \"message\": \"timed out\",\n" +
		"    \"recordId\": \"rec-1\"\n" +
		"  }\n" +
		"}"
	if string(b) != want {
		t.Fatalf("snapshot mismatch:\n%s", string(b))
	}
}

func TestFromErrorFallsBackToInternal(t *testing.T) {
	ce := FromError(errors.New("boom"))
	if ce.Code != ErrInternal {
		t.Fatalf("got %s", ce.Code)
	}
	nf := FromError(&custody.Error{Code: custody.CodeNotFound})
	if nf.Code != ErrNotFound {
		t.Fatalf("got %s", nf.Code)
	}
}
