// Package bundle implements the node's content-addressed bundle cache.
//
// A bundle is an opaque blob of worker code addressed by the SHA-256 hex
// digest of its bytes (Fingerprint). Clients reserve a slot with Create,
// check for a previous upload with Describe, and stream the bytes with
// PutData; because the key is the content digest, any number of clients
// uploading the same bundle converge on a single stored artifact.
//
// Artifacts are written atomically: PutData stages to a temp file in the
// scratch directory and renames it over {fingerprint}.js, so a crashed or
// aborted upload never leaves a readable half-artifact. The metadata index
// lives in a bbolt database beside the artifacts. A record whose size is
// still zero is a reservation, not a bundle: Describe reports it absent,
// which is what forces the uploader to finish before anyone can spawn
// workers from the fingerprint.
//
// The cache is a convenience, not a store of record. On startup, when the
// index has grown past a small bound, the whole cache is wiped rather than
// evicted piecemeal: clients re-upload on the next miss.
package bundle
