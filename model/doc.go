// Package model defines stable boundary types for the HTTP API.
//
// Records, ledger entries and tokens keep their own encodings; these structs
// are only the JSON envelopes clients read and write.
package model
