package model

import (
	"math"

	"github.com/23skdu/longbow-bodkin/internal/device"
)

// Linear is a fused affine transform y = xW + b over the last dimension.
// Leading dimensions pass through unchanged; a trailing-dimension mismatch
// is a contract violation and panics in the device layer.
type Linear struct {
	W device.Tensor // (in, out)
	B device.Tensor // (1, out)
}

func NewLinear(in, out int, backend device.Backend) *Linear {
	return &Linear{
		W: backend.NewTensor(in, out, nil),
		B: backend.NewTensor(1, out, nil),
	}
}

func (l *Linear) Forward(x device.Tensor) device.Tensor {
	return l.W.Linear(x, l.W, l.B)
}

// LayerNorm implements per-row layer normalization with learned scale and
// shift, using the biased variance estimator. The unbiased estimator produces
// numerically different, checkpoint-incompatible results.
type LayerNorm struct {
	Gamma device.Tensor
	Beta  device.Tensor
	Eps   float32
}

func NewLayerNorm(size int, eps float32, backend device.Backend) *LayerNorm {
	ones := make([]float32, size)
	for i := range ones {
		ones[i] = 1.0
	}

	return &LayerNorm{
		Gamma: backend.NewTensor(1, size, ones),
		Beta:  backend.NewTensor(1, size, nil), // Zeros
		Eps:   eps,
	}
}

// Forward performs LayerNorm in-place and returns the input.
func (l *LayerNorm) Forward(input device.Tensor) device.Tensor {
	input.LayerNorm(l.Gamma, l.Beta, l.Eps)
	return input
}

// CausalSelfAttention is masked multi-head self-attention with a single fused
// QKV projection (3x width) and an output projection back to the embed width.
type CausalSelfAttention struct {
	Backend   device.Backend
	NumHeads  int
	HeadDim   int
	EmbedSize int
	// Scale divides raw scores by sqrt(HeadDim) when set.
	Scale bool

	CAttn *Linear // (embed, 3*embed)
	CProj *Linear // (embed, embed)
}

func NewCausalSelfAttention(config Config, scale bool, backend device.Backend) *CausalSelfAttention {
	return &CausalSelfAttention{
		Backend:   backend,
		NumHeads:  config.NumHeads,
		HeadDim:   config.EmbedSize / config.NumHeads,
		EmbedSize: config.EmbedSize,
		Scale:     scale,
		CAttn:     NewLinear(config.EmbedSize, 3*config.EmbedSize, backend),
		CProj:     NewLinear(config.EmbedSize, config.EmbedSize, backend),
	}
}

// Forward computes attention over x (batch*seqLen, embed). When past is
// non-nil its keys and values are concatenated ahead of the fresh ones,
// extending the visible range. The returned cache holds the full key/value
// sequence in fresh tensors; past is never mutated.
func (a *CausalSelfAttention) Forward(x device.Tensor, batchSize, seqLen int, past *KVCache) (device.Tensor, KVCache) {
	rows, _ := x.Dims()
	e := a.EmbedSize

	qkv := a.CAttn.Forward(x)
	q := qkv.Slice(0, rows, 0, e)
	k := qkv.Slice(0, rows, e, 2*e)
	v := qkv.Slice(0, rows, 2*e, 3*e)
	a.Backend.PutTensor(qkv)

	pastLen := 0
	fullK, fullV := k, v
	if past != nil && past.SeqLen > 0 {
		pastLen = past.SeqLen
		fullK = a.Backend.ConcatSeq(past.Key, k, batchSize, pastLen, seqLen)
		fullV = a.Backend.ConcatSeq(past.Value, v, batchSize, pastLen, seqLen)
		a.Backend.PutTensor(k)
		a.Backend.PutTensor(v)
	}

	present := KVCache{
		Key:    fullK,
		Value:  fullV,
		Batch:  batchSize,
		SeqLen: pastLen + seqLen,
	}

	scale := float32(1.0)
	if a.Scale {
		scale = float32(1.0 / math.Sqrt(float64(a.HeadDim)))
	}

	ctx := q.CausalAttention(fullK, fullV, batchSize, seqLen, pastLen, a.NumHeads, scale)
	a.Backend.PutTensor(q)

	out := a.CProj.Forward(ctx)
	a.Backend.PutTensor(ctx)

	return out, present
}

// MLP is the position-wise feed-forward half of a block: project to 4x the
// embed width, GELU, project back.
type MLP struct {
	Backend device.Backend
	CFc     *Linear // (embed, 4*embed)
	CProj   *Linear // (4*embed, embed)
}

func NewMLP(config Config, backend device.Backend) *MLP {
	inter := 4 * config.EmbedSize
	return &MLP{
		Backend: backend,
		CFc:     NewLinear(config.EmbedSize, inter, backend),
		CProj:   NewLinear(inter, config.EmbedSize, backend),
	}
}

func (m *MLP) Forward(x device.Tensor) device.Tensor {
	h := m.CFc.W.LinearActivation(x, m.CFc.W, m.CFc.B, device.ActivationGELU)
	out := m.CProj.Forward(h)
	m.Backend.PutTensor(h)
	return out
}

// Block is one pre-norm transformer layer:
//
//	x = x + attn(ln_1(x))
//	x = x + mlp(ln_2(x))
//
// The residuals add the pre-normalization hidden state, not the normalized
// one; the addition order is part of the numerical contract.
type Block struct {
	Backend device.Backend
	Ln1     *LayerNorm
	Attn    *CausalSelfAttention
	Ln2     *LayerNorm
	Mlp     *MLP
}

func NewBlock(config Config, scale bool, backend device.Backend) *Block {
	eps := config.epsilon()
	return &Block{
		Backend: backend,
		Ln1:     NewLayerNorm(config.EmbedSize, eps, backend),
		Attn:    NewCausalSelfAttention(config, scale, backend),
		Ln2:     NewLayerNorm(config.EmbedSize, eps, backend),
		Mlp:     NewMLP(config, backend),
	}
}

func (b *Block) Forward(x device.Tensor, batchSize, seqLen int, past *KVCache) (device.Tensor, KVCache) {
	r, c := x.Dims()

	// LayerNorm is in-place, so normalize a copy and keep x for the residual
	normed := b.Backend.GetTensor(r, c)
	normed.Copy(x)
	b.Ln1.Forward(normed)

	attnOut, present := b.Attn.Forward(normed, batchSize, seqLen, past)
	b.Backend.PutTensor(normed)
	attnOut.Add(x)

	hidden := attnOut

	normed2 := b.Backend.GetTensor(r, c)
	normed2.Copy(hidden)
	b.Ln2.Forward(normed2)

	mlpOut := b.Mlp.Forward(normed2)
	b.Backend.PutTensor(normed2)
	mlpOut.Add(hidden)
	b.Backend.PutTensor(hidden)

	return mlpOut, present
}
