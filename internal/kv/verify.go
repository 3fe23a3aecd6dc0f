package kv

// VerifyFunc is the pluggable signature-verification hook spec.md's
// external KV collaborator calls for on every RawPut that carries a
// signature: it reports whether value may be attributed to signerID.
// A nil VerifyFunc accepts every write unconditionally.
type VerifyFunc func(key string, value []byte, signerID string, signature []byte) error
