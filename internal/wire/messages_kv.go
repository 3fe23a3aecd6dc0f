package wire

// Package-external collaborator messages for the replicated KV store
// (spec.md §6: "KV messages ... are defined by the external KV
// collaborator"). They ride the same connection-manager send path as
// every other message, addressed by target key rather than by a
// peer-connection the core already knows about.

// RawPut stores a value under key, optionally signed. VectorClock is the
// writer's view of the value's causal history for conflict detection.
type RawPut struct {
	Base
	RequestMeta

	Key         string            `json:"key"`
	Value       []byte            `json:"value"`
	VectorClock map[string]uint64 `json:"vector_clock"`
	Signature   []byte            `json:"signature,omitempty"`
	SignerID    string            `json:"signer_id,omitempty"`
}

func (*RawPut) Tag() string { return "RawPut" }

func init() { Register("RawPut", func() Message { return &RawPut{} }) }

// RawPutReply answers RawPut. RejectReason is VERIFY_ERROR or
// OVERWRITE_FORBIDDEN on signature policy failure, empty on success.
type RawPutReply struct {
	Base
	ReplyMeta

	OK           bool   `json:"ok"`
	RejectReason string `json:"reject_reason,omitempty"`
}

func (*RawPutReply) Tag() string { return "RawPutReply" }

func init() { Register("RawPutReply", func() Message { return &RawPutReply{} }) }

// RawGet fetches the current value for key from whichever node owns it.
type RawGet struct {
	Base
	RequestMeta

	Key string `json:"key"`
}

func (*RawGet) Tag() string { return "RawGet" }

func init() { Register("RawGet", func() Message { return &RawGet{} }) }

// RawGetReply answers RawGet.
type RawGetReply struct {
	Base
	ReplyMeta

	Found       bool              `json:"found"`
	Value       []byte            `json:"value,omitempty"`
	VectorClock map[string]uint64 `json:"vector_clock,omitempty"`
	Tombstone   bool              `json:"tombstone,omitempty"`
	Signed      bool              `json:"signed,omitempty"`
}

func (*RawGetReply) Tag() string { return "RawGetReply" }

func init() { Register("RawGetReply", func() Message { return &RawGetReply{} }) }

// RawGetReplica fetches a value from a specific replica (not necessarily
// the owner), used for replica reads and read-repair.
type RawGetReplica struct {
	Base
	RequestMeta

	Key string `json:"key"`
}

func (*RawGetReplica) Tag() string { return "RawGetReplica" }

func init() { Register("RawGetReplica", func() Message { return &RawGetReplica{} }) }

// RawGetReplicaReply answers RawGetReplica.
type RawGetReplicaReply struct {
	Base
	ReplyMeta

	Found       bool              `json:"found"`
	Value       []byte            `json:"value,omitempty"`
	VectorClock map[string]uint64 `json:"vector_clock,omitempty"`
	Tombstone   bool              `json:"tombstone,omitempty"`
	Signed      bool              `json:"signed,omitempty"`
}

func (*RawGetReplicaReply) Tag() string { return "RawGetReplicaReply" }

func init() { Register("RawGetReplicaReply", func() Message { return &RawGetReplicaReply{} }) }

// RawReplicate pushes a value to a successor replica; fire-and-forget,
// no reply expected (the replication factor tolerates loss).
type RawReplicate struct {
	Base

	Key         string            `json:"key"`
	Value       []byte            `json:"value"`
	VectorClock map[string]uint64 `json:"vector_clock"`
	Tombstone   bool              `json:"tombstone,omitempty"`
	Signed      bool              `json:"signed,omitempty"`
}

func (*RawReplicate) Tag() string { return "RawReplicate" }

func init() { Register("RawReplicate", func() Message { return &RawReplicate{} }) }

// RawReplicate1 is a single-key, single-value bulk-seed variant. kv.Engine
// handles it, but no code path sends it: SeedFromSuccessor pulls the
// initial replica set with an mcast range query instead.
type RawReplicate1 struct {
	Base

	Key         string            `json:"key"`
	Value       []byte            `json:"value"`
	VectorClock map[string]uint64 `json:"vector_clock"`
	Signed      bool              `json:"signed,omitempty"`
}

func (*RawReplicate1) Tag() string { return "RawReplicate1" }

func init() { Register("RawReplicate1", func() Message { return &RawReplicate1{} }) }

// RawDelete soft-deletes key at whichever node owns it: the owner turns
// this into a tombstoned Value that still replicates normally, so the
// deletion itself is never lost the way a hard delete would be.
type RawDelete struct {
	Base
	RequestMeta

	Key string `json:"key"`
}

func (*RawDelete) Tag() string { return "RawDelete" }

func init() { Register("RawDelete", func() Message { return &RawDelete{} }) }

// RawDeleteReply answers RawDelete.
type RawDeleteReply struct {
	Base
	ReplyMeta

	OK           bool   `json:"ok"`
	RejectReason string `json:"reject_reason,omitempty"`
}

func (*RawDeleteReply) Tag() string { return "RawDeleteReply" }

func init() { Register("RawDeleteReply", func() Message { return &RawDeleteReply{} }) }
