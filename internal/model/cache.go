package model

import "github.com/23skdu/longbow-bodkin/internal/device"

// KVCache holds one layer's attention keys and values for positions already
// processed, in the flattened (batch*seqLen, embed) layout.
//
// The caller owns a cache across forward calls. The model only reads an
// incoming cache and returns a new one built from fresh tensors; it never
// mutates the incoming tensors, so a cache from step N stays valid after
// step N+1 has produced its successor. Within one decoding session the
// sequence length grows monotonically and all layers advance in lockstep.
type KVCache struct {
	Key   device.Tensor
	Value device.Tensor
	Batch int
	// SeqLen is the number of cached positions per batch entry.
	SeqLen int
}
