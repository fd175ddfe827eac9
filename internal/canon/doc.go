// Package canon produces canonical JSON and domain-separated hashes.
//
// Canonical JSON follows RFC 8785 for the value shapes the loan workflow
// hashes: object keys sorted by UTF-16 code units, no insignificant
// whitespace, NFC-normalized strings, no HTML escaping. Floats and null are
// rejected because their encodings are not stable across languages.
//
// Identifiers derived from canonical bytes (offer IDs, simulated credit
// reports) are therefore identical on every replay of a step and on every
// machine.
package canon
