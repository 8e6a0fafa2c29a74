// Package event defines the two event shapes that flow through SessionSync
// and the conversions between them.
//
// Raw is the transport-normalized shape: every transport variant, regardless
// of wire framing, flattens its messages into Raw before handing them to the
// ingestion pipeline. Canonical is the store-resident shape produced by
// Normalize.
//
// Deduplication operates on Fingerprint, a SHA-256 hash of the fully
// serialized Raw event. The same logical server event can arrive on more
// than one transport (relay bridge plus network push), so event_id alone is
// not a reliable identity for delivery dedup.
package event
