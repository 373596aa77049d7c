// Package token is the provenance token handed from one custody actor to the
// next. A token is advisory: it names a product, the minimal facts the next
// stage needs, and the ledger transactions confirmed so far. The off-chain
// record stays authoritative.
//
// Wire format (JSON, keys sorted):
//
//	{"productId":"…","schemaVersion":1,"stage":"HARVESTED","stagePayload":{…},"txRefs":["bafk…"]}
package token

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"github.com/Moon-Elf/ecotrace/cidutil"
	"github.com/Moon-Elf/ecotrace/stage"
)

// SchemaVersion is the only version this codec reads or writes.
const SchemaVersion = 1

type Token struct {
	SchemaVersion int            `json:"schemaVersion"`
	ProductID     string         `json:"productId"`
	Stage         stage.State    `json:"stage"`
	StagePayload  map[string]any `json:"stagePayload"`
	TxRefs        []string       `json:"txRefs"`
}

// Reason classifies a decode failure.
type Reason string

const (
	SchemaMismatch Reason = "SchemaMismatch"
	Malformed      Reason = "Malformed"
	// UnreadableCapture means no payload could be read from an image. The
	// actor may simply scan again.
	UnreadableCapture Reason = "UnreadableCapture"
)

type DecodeError struct {
	Reason  Reason
	Message string
	Cause   error
}

func (e *DecodeError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("token: %s: %s", e.Reason, e.Message)
}

func (e *DecodeError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Retryable reports whether capturing again might succeed.
func (e *DecodeError) Retryable() bool { return e != nil && e.Reason == UnreadableCapture }

func reject(reason Reason, format string, args ...any) error {
	return &DecodeError{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// ReasonOf returns the decode reason carried by err, or "".
func ReasonOf(err error) Reason {
	var e *DecodeError
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}

// requiredFields lists the stage payload keys each state must carry.
var requiredFields = map[stage.State][]string{
	stage.Harvested:    {"forestId", "woodType", "certificationId"},
	stage.Manufactured: {"productType", "facilityId"},
	stage.InTransit:    {"shipmentId", "status"},
	stage.Delivered:    {"shipmentId", "status"},
	stage.Consumed:     {},
}

// maxRefs is the number of stage records a product in each state has, so the
// most confirmed references a token can carry.
var maxRefs = map[stage.State]int{
	stage.Harvested:    1,
	stage.Manufactured: 2,
	stage.InTransit:    3,
	stage.Delivered:    3,
	stage.Consumed:     4,
}

// ForRecord builds the token for a product in state, keeping only the
// payload fields the next stage needs.
func ForRecord(productID string, state stage.State, payload map[string]any, txRefs []string) Token {
	sp := map[string]any{}
	for _, k := range requiredFields[state] {
		if v, ok := payload[k]; ok {
			sp[k] = v
		}
	}
	return Token{
		SchemaVersion: SchemaVersion,
		ProductID:     productID,
		Stage:         state,
		StagePayload:  sp,
		TxRefs:        append([]string{}, txRefs...),
	}
}

// Validate applies every check Decode applies to a decoded token.
func (t Token) Validate() error {
	if t.SchemaVersion != SchemaVersion {
		return reject(SchemaMismatch, "unsupported schema version %d", t.SchemaVersion)
	}
	if t.ProductID == "" {
		return reject(SchemaMismatch, "missing productId")
	}
	if _, err := uuid.Parse(t.ProductID); err != nil {
		return reject(Malformed, "productId is not a uuid")
	}
	fields, ok := requiredFields[t.Stage]
	if !ok {
		return reject(SchemaMismatch, "unknown stage %q", t.Stage)
	}
	if t.StagePayload == nil {
		return reject(SchemaMismatch, "missing stagePayload")
	}
	for _, f := range fields {
		s, ok := t.StagePayload[f].(string)
		if !ok || s == "" {
			return reject(SchemaMismatch, "stage %s requires stagePayload.%s", t.Stage, f)
		}
	}
	if t.TxRefs == nil {
		return reject(SchemaMismatch, "missing txRefs")
	}
	if len(t.TxRefs) > maxRefs[t.Stage] {
		return reject(Malformed, "%d txRefs exceed the %d records of stage %s", len(t.TxRefs), maxRefs[t.Stage], t.Stage)
	}
	for i, ref := range t.TxRefs {
		if _, err := cidutil.Parse(ref); err != nil {
			return reject(Malformed, "txRefs[%d] is not a transaction hash", i)
		}
	}
	return nil
}

// Encode renders t in canonical form. Invalid tokens are refused so nothing
// this package writes can fail Decode.
func Encode(t Token) ([]byte, error) {
	if t.TxRefs == nil {
		t.TxRefs = []string{}
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(canonical(t)); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// canonical orders top-level keys alphabetically by going through a map.
func canonical(t Token) map[string]any {
	return map[string]any{
		"productId":     t.ProductID,
		"schemaVersion": t.SchemaVersion,
		"stage":         t.Stage,
		"stagePayload":  t.StagePayload,
		"txRefs":        t.TxRefs,
	}
}

// Decode parses and validates a token. It is total: every input yields a
// Token or a *DecodeError.
func Decode(data []byte) (tok Token, err error) {
	defer func() {
		if r := recover(); r != nil {
			tok, err = Token{}, reject(Malformed, "unparseable token")
		}
	}()

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return Token{}, &DecodeError{Reason: Malformed, Message: "not a JSON object", Cause: err}
	}
	rawVersion, ok := probe["schemaVersion"]
	if !ok {
		return Token{}, reject(SchemaMismatch, "missing schemaVersion")
	}
	version, err := strconv.Atoi(string(bytes.TrimSpace(rawVersion)))
	if err != nil {
		return Token{}, reject(Malformed, "schemaVersion is not an integer")
	}
	if version != SchemaVersion {
		return Token{}, reject(SchemaMismatch, "unsupported schema version %d", version)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	dec.UseNumber()
	if err := dec.Decode(&tok); err != nil {
		reason := Malformed
		if bytes.Contains([]byte(err.Error()), []byte("unknown field")) {
			reason = SchemaMismatch
		}
		return Token{}, &DecodeError{Reason: reason, Message: err.Error(), Cause: err}
	}
	if err := tok.Validate(); err != nil {
		return Token{}, err
	}
	return tok, nil
}
