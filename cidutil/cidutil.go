// Package cidutil derives the content identifiers used across EcoTrace.
//
// Every hash that crosses a store boundary (payload content hashes, ledger
// transaction hashes, block keys) is a CIDv1 with the "raw" multicodec and a
// sha2-256 multihash, so an identifier can always be re-derived from bytes.
package cidutil

import (
	"encoding/json"
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// Sum returns the raw sha2-256 CIDv1 for data.
func Sum(data []byte) (cid.Cid, error) {
	mh, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return cid.Undef, err
	}
	return cid.NewCidV1(cid.Raw, mh), nil
}

// SumString is Sum rendered in the default multibase. It returns "" only if
// hashing fails, which sha2-256 with default length does not.
func SumString(data []byte) string {
	id, err := Sum(data)
	if err != nil {
		return ""
	}
	return id.String()
}

// CanonicalJSON marshals v with map keys sorted (encoding/json guarantees
// this for maps) and without HTML escaping side effects on hashing.
func CanonicalJSON(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("cidutil: canonical json: %w", err)
	}
	return b, nil
}

// ContentHash is the content hash of a JSON-marshalable value, as stored in
// off-chain records and mirrored on the ledger.
func ContentHash(v any) (string, error) {
	b, err := CanonicalJSON(v)
	if err != nil {
		return "", err
	}
	id, err := Sum(b)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// Parse decodes s and rejects undefined or non-sha2-256 identifiers.
func Parse(s string) (cid.Cid, error) {
	id, err := cid.Decode(s)
	if err != nil {
		return cid.Undef, err
	}
	if !id.Defined() {
		return cid.Undef, fmt.Errorf("cidutil: undefined cid")
	}
	dec, err := multihash.Decode(id.Hash())
	if err != nil {
		return cid.Undef, err
	}
	if dec.Code != multihash.SHA2_256 {
		return cid.Undef, fmt.Errorf("cidutil: unsupported multihash 0x%x", dec.Code)
	}
	return id, nil
}
