package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Moon-Elf/ecotrace/cidutil"
	"github.com/Moon-Elf/ecotrace/custody"
	"github.com/Moon-Elf/ecotrace/ledger"
	"github.com/Moon-Elf/ecotrace/model"
	"github.com/Moon-Elf/ecotrace/offchain"
	"github.com/Moon-Elf/ecotrace/schema"
	"github.com/Moon-Elf/ecotrace/token"
)

type stubLedger struct {
	mu  sync.Mutex
	n   int
	err error
}

func (l *stubLedger) fail(err error) {
	l.mu.Lock()
	l.err = err
	l.mu.Unlock()
}

func (l *stubLedger) Submit(ctx context.Context, op string, args map[string]any) (ledger.PendingRef, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.n++
	return ledger.PendingRef(fmt.Sprintf("pending-%d", l.n)), nil
}

func (l *stubLedger) AwaitConfirmation(ctx context.Context, ref ledger.PendingRef, timeout time.Duration) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return "", l.err
	}
	return cidutil.SumString([]byte(ref)), nil
}

func (l *stubLedger) Entry(ctx context.Context, txHash string) (ledger.Entry, error) {
	return ledger.Entry{}, ledger.ErrUnknownTx
}

var refs = schema.ReferenceData{
	Forests:        []string{"F1", "F2"},
	WoodTypes:      []string{"Pine", "Oak"},
	Certifications: []string{"C1"},
}

func newServer(t *testing.T) (*httptest.Server, *stubLedger) {
	t.Helper()
	l := &stubLedger{}
	checker, err := schema.New(refs, nil)
	if err != nil {
		t.Fatal(err)
	}
	coord, err := custody.New(custody.Options{Store: offchain.NewMemory(), Ledger: l, Schema: checker})
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(New(coord, refs, nil).Routes())
	t.Cleanup(srv.Close)
	return srv, l
}

type envelope struct {
	RequestID string            `json:"request_id"`
	Data      json.RawMessage   `json:"data"`
	Error     *model.CodedError `json:"error"`
}

func call(t *testing.T, srv *httptest.Server, method, path string, body any) (int, envelope) {
	t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = strings.NewReader(b)
	default:
		buf, err := json.Marshal(b)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequest(method, srv.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("%s %s: decode: %v", method, path, err)
	}
	if !strings.HasPrefix(env.RequestID, "req_") || resp.Header.Get("X-Request-ID") != env.RequestID {
		t.Fatalf("request id missing or mismatched: %q / %q", env.RequestID, resp.Header.Get("X-Request-ID"))
	}
	return resp.StatusCode, env
}

func harvestBody() model.StageRequest {
	return model.StageRequest{Payload: map[string]any{
		"forestId":        "F1",
		"woodType":        "Pine",
		"location":        map[string]any{"latitude": 45.5, "longitude": -122.6},
		"certificationId": "C1",
	}}
}

func harvest(t *testing.T, srv *httptest.Server) model.Transition {
	t.Helper()
	code, env := call(t, srv, http.MethodPost, "/api/harvest/create", harvestBody())
	if code != http.StatusCreated {
		t.Fatalf("harvest: status %d: %+v", code, env.Error)
	}
	var tr model.Transition
	if err := json.Unmarshal(env.Data, &tr); err != nil {
		t.Fatal(err)
	}
	return tr
}

func TestCustodyFlowOverHTTP(t *testing.T) {
	srv, _ := newServer(t)
	tr := harvest(t, srv)
	if tr.State != "HARVESTED" || tr.Record.LedgerStatus != offchain.LedgerConfirmed || len(tr.Token) == 0 {
		t.Fatalf("unexpected harvest result: %+v", tr)
	}

	code, env := call(t, srv, http.MethodPost, "/api/manufacturing/create", model.StageRequest{
		ProductID: tr.ProductID,
		Payload:   map[string]any{"productType": "Plank", "facilityId": "MILL-7", "energyKWh": 50, "outputQuantity": 12},
	})
	if code != http.StatusCreated {
		t.Fatalf("manufacturing: %d %+v", code, env.Error)
	}
	code, env = call(t, srv, http.MethodPost, "/api/transportation/create", model.StageRequest{
		ProductID: tr.ProductID,
		Payload:   map[string]any{
			"shipmentId": "S1",
			"route":      []any{map[string]any{"origin": "Mill", "destination": "Depot"}},
			"metrics":    map[string]any{"fuelConsumption": 10, "distance": 80},
		},
	})
	if code != http.StatusCreated {
		t.Fatalf("transportation: %d %+v", code, env.Error)
	}
	code, env = call(t, srv, http.MethodPut, "/api/transportation/"+tr.ProductID, model.StageRequest{
		Payload: map[string]any{"status": "DELIVERED"},
	})
	if code != http.StatusOK {
		t.Fatalf("deliver: %d %+v", code, env.Error)
	}

	code, env = call(t, srv, http.MethodGet, "/api/consumer/"+tr.ProductID, nil)
	if code != http.StatusOK {
		t.Fatalf("consumer: %d %+v", code, env.Error)
	}
	var view custody.ConsumerView
	if err := json.Unmarshal(env.Data, &view); err != nil {
		t.Fatal(err)
	}
	if view.State != "DELIVERED" || view.Carbon.TotalCarbonFootprint != 46.8 || view.Carbon.Unit != custody.CarbonUnit {
		t.Fatalf("unexpected view: %+v", view)
	}
}

func TestQRRoundTripThroughScan(t *testing.T) {
	srv, _ := newServer(t)
	tr := harvest(t, srv)

	resp, err := http.Get(srv.URL + "/api/products/" + tr.ProductID + "/qr?size=256")
	if err != nil {
		t.Fatal(err)
	}
	png, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || resp.Header.Get("content-type") != "image/png" {
		t.Fatalf("qr: %d %s", resp.StatusCode, resp.Header.Get("content-type"))
	}
	if cd := resp.Header.Get("content-disposition"); !strings.Contains(cd, "product-"+tr.ProductID+"-qr.png") {
		t.Fatalf("content-disposition: %q", cd)
	}

	resp, err = http.Post(srv.URL+"/api/tokens/scan", "image/png", bytes.NewReader(png))
	if err != nil {
		t.Fatal(err)
	}
	var env envelope
	_ = json.NewDecoder(resp.Body).Decode(&env)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("scan: %d %+v", resp.StatusCode, env.Error)
	}
	var rep custody.Reconciliation
	if err := json.Unmarshal(env.Data, &rep); err != nil {
		t.Fatal(err)
	}
	if rep.Stale || rep.ProductID != tr.ProductID {
		t.Fatalf("fresh token reported stale: %+v", rep)
	}
}

func TestScanRejectsUnreadableImage(t *testing.T) {
	srv, _ := newServer(t)
	resp, err := http.Post(srv.URL+"/api/tokens/scan", "image/png", strings.NewReader("not a png"))
	if err != nil {
		t.Fatal(err)
	}
	var env envelope
	_ = json.NewDecoder(resp.Body).Decode(&env)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity || env.Error.Code != model.ErrTokenDecodeRejected || env.Error.Reason != string(token.UnreadableCapture) {
		t.Fatalf("got %d %+v", resp.StatusCode, env.Error)
	}
	if !env.Error.Retryable {
		t.Fatalf("unreadable capture should be retryable")
	}
}

func TestResumeAcceptsStringAndObjectTokens(t *testing.T) {
	srv, _ := newServer(t)
	tr := harvest(t, srv)

	for name, raw := range map[string]json.RawMessage{
		"object": tr.Token,
		"string": json.RawMessage(fmt.Sprintf("%q", string(tr.Token))),
	} {
		t.Run(name, func(t *testing.T) {
			code, env := call(t, srv, http.MethodPost, "/api/tokens/resume", model.ResumeRequest{Token: raw})
			if code != http.StatusOK {
				t.Fatalf("resume: %d %+v", code, env.Error)
			}
		})
	}

	code, env := call(t, srv, http.MethodPost, "/api/tokens/resume", `{"token":{"productId":"x"}}`)
	if code != http.StatusUnprocessableEntity || env.Error.Code != model.ErrTokenDecodeRejected {
		t.Fatalf("got %d %+v", code, env.Error)
	}
}

func TestValidationErrorsAre422(t *testing.T) {
	srv, _ := newServer(t)

	code, env := call(t, srv, http.MethodPost, "/api/manufacturing/create", model.StageRequest{
		ProductID: "7f8c2f62-1c8f-4e53-9c1d-000000000000",
		Payload:   map[string]any{"productType": "Plank", "facilityId": "MILL-7", "energyKWh": 1, "outputQuantity": 1},
	})
	if code != http.StatusUnprocessableEntity || env.Error.Code != model.ErrValidationRejected {
		t.Fatalf("got %d %+v", code, env.Error)
	}

	body := harvestBody()
	body.Payload["forestId"] = "NOPE"
	code, env = call(t, srv, http.MethodPost, "/api/harvest/create", body)
	if code != http.StatusUnprocessableEntity || len(env.Error.Violations) == 0 {
		t.Fatalf("got %d %+v", code, env.Error)
	}
}

func TestBadRequests(t *testing.T) {
	srv, _ := newServer(t)
	cases := map[string]string{
		"unknown field":   `{"payload":{},"extra":1}`,
		"missing payload": `{}`,
		"not json":        `{`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			code, env := call(t, srv, http.MethodPost, "/api/harvest/create", body)
			if code != http.StatusBadRequest || env.Error.Code != model.ErrInvalidRequest {
				t.Fatalf("got %d %+v", code, env.Error)
			}
		})
	}
}

func TestLedgerFailureThenResubmit(t *testing.T) {
	srv, l := newServer(t)
	l.fail(ledger.Reject(ledger.NetworkTimeout, errors.New("no block")))

	code, env := call(t, srv, http.MethodPost, "/api/harvest/create", harvestBody())
	if code != http.StatusBadGateway || env.Error.Code != model.ErrLedgerRejected || !env.Error.Retryable {
		t.Fatalf("got %d %+v", code, env.Error)
	}
	recordID := env.Error.RecordID
	if recordID == "" {
		t.Fatalf("record id missing from ledger error")
	}

	l.fail(nil)
	code, env = call(t, srv, http.MethodPost, "/api/records/"+recordID+"/resubmit", nil)
	if code != http.StatusOK {
		t.Fatalf("resubmit: %d %+v", code, env.Error)
	}
	var out model.ResubmitResponse
	if err := json.Unmarshal(env.Data, &out); err != nil {
		t.Fatal(err)
	}
	if out.Record.RecordID != recordID || out.Record.LedgerStatus != offchain.LedgerConfirmed {
		t.Fatalf("unexpected record: %+v", out.Record)
	}
}

func TestUserRejectedIsConflict(t *testing.T) {
	srv, l := newServer(t)
	l.fail(ledger.Reject(ledger.UserRejected, errors.New("declined")))
	code, env := call(t, srv, http.MethodPost, "/api/harvest/create", harvestBody())
	if code != http.StatusConflict || env.Error.Reason != string(ledger.UserRejected) || env.Error.Retryable {
		t.Fatalf("got %d %+v", code, env.Error)
	}

	code, env = call(t, srv, http.MethodPost, "/api/records/resubmit", nil)
	if code != http.StatusOK {
		t.Fatalf("sweep: %d %+v", code, env.Error)
	}
	var sweep custody.SweepResult
	if err := json.Unmarshal(env.Data, &sweep); err != nil {
		t.Fatal(err)
	}
	if len(sweep.Skipped) != 1 || len(sweep.Confirmed) != 0 {
		t.Fatalf("declined record should be skipped: %+v", sweep)
	}
}

func TestUnknownProductIs404(t *testing.T) {
	srv, _ := newServer(t)
	for _, path := range []string{"/api/consumer/missing", "/api/products/missing/token"} {
		code, env := call(t, srv, http.MethodGet, path, nil)
		if code != http.StatusNotFound || env.Error.Code != model.ErrNotFound {
			t.Fatalf("%s: got %d %+v", path, code, env.Error)
		}
	}
}

func TestReferenceData(t *testing.T) {
	srv, _ := newServer(t)
	code, env := call(t, srv, http.MethodGet, "/api/reference/wood-types", nil)
	if code != http.StatusOK {
		t.Fatalf("got %d", code)
	}
	var got []string
	if err := json.Unmarshal(env.Data, &got); err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0] != "Pine" {
		t.Fatalf("got %v", got)
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  *model.CodedError
		want int
	}{
		{&model.CodedError{Code: model.ErrOffchainWriteFailed}, 503},
		{&model.CodedError{Code: model.ErrConcurrentTransition}, 409},
		{&model.CodedError{Code: model.ErrLedgerRejected, Retryable: true}, 502},
		{&model.CodedError{Code: model.ErrLedgerRejected}, 409},
		{&model.CodedError{Code: model.ErrInternal}, 500},
	}
	for _, tc := range cases {
		if got := statusFor(tc.err); got != tc.want {
			t.Fatalf("%s: got %d want %d", tc.err.Code, got, tc.want)
		}
	}
}
