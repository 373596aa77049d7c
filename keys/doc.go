// Package keys holds the signing material of custody actors.
//
// Each actor (a forest operator, a mill, a carrier) owns a root seed. Role
// seeds are derived from it deterministically, so one actor can sign as
// "harvester" on one device and "transporter" on another without sharing the
// root. Seeds drive both supported schemes: ed25519 and dilithium3.
//
// Addresses identify a signer on the ledger and carry the scheme:
//
//	ed25519:<base64 public key>
//	dilithium3:<base64 public key>
package keys
