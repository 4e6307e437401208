// Package codec converts marketplace records to and from the ledger's BCS
// struct layout.
//
// BCS is little-endian for fixed-width integers, prefixes every vector with
// its ULEB128 length and encodes Option<T> as a vector of zero or one T.
// Byte payloads read from the indexer arrive either as a JSON array of
// integers or as a hex string; ByteData normalizes both before parsing.
package codec
