package model

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/23skdu/longbow-bodkin/internal/device"
)

// IgnoreIndex marks label positions excluded from the cross-entropy loss.
const IgnoreIndex = -1

// Transformer is the GPT-2 decoder stack: token/position embeddings, a list
// of pre-norm blocks threading hidden state and per-layer caches, and a final
// layer normalization.
type Transformer struct {
	Config  Config
	Backend device.Backend

	Wte    device.Tensor // token embedding table (vocab, embed)
	Wpe    device.Tensor // position embedding table (ctx, embed)
	Blocks []*Block
	LnF    *LayerNorm
}

func NewTransformer(config Config, backend device.Backend) (*Transformer, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}

	blocks := make([]*Block, config.NumLayers)
	for i := range blocks {
		blocks[i] = NewBlock(config, true, backend)
	}

	return &Transformer{
		Config:  config,
		Backend: backend,
		Wte:     backend.NewTensor(config.VocabSize, config.EmbedSize, nil),
		Wpe:     backend.NewTensor(config.ContextSize, config.EmbedSize, nil),
		Blocks:  blocks,
		LnF:     NewLayerNorm(config.EmbedSize, config.epsilon(), backend),
	}, nil
}

// Forward runs the stack over a rectangular batch of token ids.
//
// positionIDs and tokenTypeIDs are optional (nil skips them): absent position
// ids default to pastLen..pastLen+seqLen-1 so positional encoding continues
// correctly during incremental decoding; absent token-type ids contribute
// nothing (no implicit zero broadcast). past is either nil or one KVCache per
// layer, all with the same batch and sequence length.
//
// Returns the final hidden states (batch*seqLen, embed) and the updated
// per-layer caches in layer order.
func (m *Transformer) Forward(inputIDs, positionIDs, tokenTypeIDs [][]int, past []KVCache) (device.Tensor, []KVCache, error) {
	start := time.Now()

	batchSize, seqLen, err := checkIDs("Transformer.Forward", inputIDs, m.Config.VocabSize)
	if err != nil {
		return nil, nil, err
	}

	pastLen := 0
	if past != nil {
		if len(past) != m.Config.NumLayers {
			return nil, nil, shapeErrorf("Transformer.Forward",
				"got %d cache entries for %d layers", len(past), m.Config.NumLayers)
		}
		pastLen = past[0].SeqLen
		for i, p := range past {
			if p.SeqLen != pastLen || p.Batch != batchSize {
				return nil, nil, shapeErrorf("Transformer.Forward",
					"cache entry %d is (batch=%d, seq=%d), want (batch=%d, seq=%d): layers must advance in lockstep",
					i, p.Batch, p.SeqLen, batchSize, pastLen)
			}
		}
	}

	if pastLen+seqLen > m.Config.ContextSize {
		return nil, nil, shapeErrorf("Transformer.Forward",
			"visible sequence %d+%d exceeds context size %d", pastLen, seqLen, m.Config.ContextSize)
	}

	tokenIdx := flattenIDs(inputIDs)

	var posIdx []int
	if positionIDs != nil {
		pb, ps, err := checkIDs("Transformer.Forward(positionIDs)", positionIDs, m.Config.ContextSize)
		if err != nil {
			return nil, nil, err
		}
		if pb != batchSize || ps != seqLen {
			return nil, nil, shapeErrorf("Transformer.Forward",
				"position ids shape (%d, %d) does not match input (%d, %d)", pb, ps, batchSize, seqLen)
		}
		posIdx = flattenIDs(positionIDs)
	} else {
		posIdx = make([]int, batchSize*seqLen)
		for b := 0; b < batchSize; b++ {
			for t := 0; t < seqLen; t++ {
				posIdx[b*seqLen+t] = pastLen + t
			}
		}
	}

	hidden := m.Wte.Gather(tokenIdx)
	posEmbeds := m.Wpe.Gather(posIdx)
	hidden.Add(posEmbeds)
	m.Backend.PutTensor(posEmbeds)

	if tokenTypeIDs != nil {
		tb, ts, err := checkIDs("Transformer.Forward(tokenTypeIDs)", tokenTypeIDs, m.Config.VocabSize)
		if err != nil {
			return nil, nil, err
		}
		if tb != batchSize || ts != seqLen {
			return nil, nil, shapeErrorf("Transformer.Forward",
				"token type ids shape (%d, %d) does not match input (%d, %d)", tb, ts, batchSize, seqLen)
		}
		// Token types share the token embedding table
		typeEmbeds := m.Wte.Gather(flattenIDs(tokenTypeIDs))
		hidden.Add(typeEmbeds)
		m.Backend.PutTensor(typeEmbeds)
	}

	presents := make([]KVCache, len(m.Blocks))
	for i, block := range m.Blocks {
		var layerPast *KVCache
		if past != nil {
			layerPast = &past[i]
		}
		next, present := block.Forward(hidden, batchSize, seqLen, layerPast)
		m.Backend.PutTensor(hidden)
		hidden = next
		presents[i] = present
	}

	m.LnF.Forward(hidden)

	forwardPasses.Inc()
	tokensProcessed.Add(float64(batchSize * seqLen))
	forwardDuration.Observe(time.Since(start).Seconds())

	return hidden, presents, nil
}

// Parameters returns every learned tensor keyed by component/layer name, in
// the GPT-2 checkpoint naming convention. The returned tensors are the live
// parameter storage, not copies.
func (m *Transformer) Parameters() map[string]device.Tensor {
	params := map[string]device.Tensor{
		"wte":    m.Wte,
		"wpe":    m.Wpe,
		"ln_f.g": m.LnF.Gamma,
		"ln_f.b": m.LnF.Beta,
	}
	for i, block := range m.Blocks {
		prefix := fmt.Sprintf("h.%d.", i)
		params[prefix+"ln_1.g"] = block.Ln1.Gamma
		params[prefix+"ln_1.b"] = block.Ln1.Beta
		params[prefix+"attn.c_attn.w"] = block.Attn.CAttn.W
		params[prefix+"attn.c_attn.b"] = block.Attn.CAttn.B
		params[prefix+"attn.c_proj.w"] = block.Attn.CProj.W
		params[prefix+"attn.c_proj.b"] = block.Attn.CProj.B
		params[prefix+"ln_2.g"] = block.Ln2.Gamma
		params[prefix+"ln_2.b"] = block.Ln2.Beta
		params[prefix+"mlp.c_fc.w"] = block.Mlp.CFc.W
		params[prefix+"mlp.c_fc.b"] = block.Mlp.CFc.B
		params[prefix+"mlp.c_proj.w"] = block.Mlp.CProj.W
		params[prefix+"mlp.c_proj.b"] = block.Mlp.CProj.B
	}
	return params
}

// LMHead projects hidden states to vocabulary logits through the transpose of
// the token embedding table. Decoder is a view over the same storage as wte,
// never a copy: any update to the embedding table is immediately visible
// through the head. There is no bias term.
type LMHead struct {
	Backend device.Backend
	Decoder device.Tensor // (embed, vocab) transpose view of wte
}

func NewLMHead(wte device.Tensor, backend device.Backend) *LMHead {
	return &LMHead{
		Backend: backend,
		Decoder: wte.T(),
	}
}

func (h *LMHead) Forward(hidden device.Tensor) device.Tensor {
	r, _ := hidden.Dims()
	_, vocab := h.Decoder.Dims()

	logits := h.Backend.GetTensor(r, vocab)
	logits.Mul(hidden, h.Decoder)
	return logits
}

// LMHeadModel is the complete forward graph: transformer stack plus the
// weight-tied language-model head.
type LMHeadModel struct {
	Config      Config
	Backend     device.Backend
	Transformer *Transformer
	LMHead      *LMHead
}

// NewLMHeadModel creates a model on the CPU backend with randomly
// initialized weights.
func NewLMHeadModel(config Config) (*LMHeadModel, error) {
	return NewLMHeadModelWithBackend(config, device.NewCPUBackend())
}

func NewLMHeadModelWithBackend(config Config, backend device.Backend) (*LMHeadModel, error) {
	transformer, err := NewTransformer(config, backend)
	if err != nil {
		return nil, err
	}

	m := &LMHeadModel{
		Config:      config,
		Backend:     backend,
		Transformer: transformer,
		LMHead:      NewLMHead(transformer.Wte, backend),
	}
	m.initWeights()
	return m, nil
}

// initWeights draws projection and embedding weights from N(0, 0.02),
// leaving biases zero and norm scales at one.
func (m *LMHeadModel) initWeights() {
	for name, p := range m.Transformer.Parameters() {
		if len(name) >= 2 && (name[len(name)-2:] == ".b" || name[len(name)-2:] == ".g") {
			continue
		}
		normalInit(p, 0.02)
	}
}

func normalInit(t device.Tensor, std float64) {
	r, c := t.Dims()
	data := make([]float32, r*c)
	for i := range data {
		data[i] = float32(rand.NormFloat64() * std)
	}
	t.CopyFromFloat32(data)
}

// Parameters exposes the transformer's named tensors. The head adds none of
// its own: its decoder matrix is the wte storage.
func (m *LMHeadModel) Parameters() map[string]device.Tensor {
	return m.Transformer.Parameters()
}

// Forward returns logits (batch*seqLen, vocab) and the updated per-layer
// caches.
func (m *LMHeadModel) Forward(inputIDs, positionIDs, tokenTypeIDs [][]int, past []KVCache) (device.Tensor, []KVCache, error) {
	hidden, presents, err := m.Transformer.Forward(inputIDs, positionIDs, tokenTypeIDs, past)
	if err != nil {
		return nil, nil, err
	}

	logits := m.LMHead.Forward(hidden)
	m.Backend.PutTensor(hidden)
	return logits, presents, nil
}

// Loss computes the mean cross-entropy between the flattened logits and
// labels, skipping positions labeled IgnoreIndex. With every position
// ignored the loss is 0. Labels are consumed as given; callers wanting
// next-token loss supply pre-shifted labels.
func (m *LMHeadModel) Loss(inputIDs, positionIDs, tokenTypeIDs, labels [][]int, past []KVCache) (float32, []KVCache, error) {
	batchSize := len(inputIDs)
	if len(labels) != batchSize {
		return 0, nil, shapeErrorf("LMHeadModel.Loss",
			"labels batch %d does not match input batch %d", len(labels), batchSize)
	}
	for i := range labels {
		if len(labels[i]) != len(inputIDs[i]) {
			return 0, nil, shapeErrorf("LMHeadModel.Loss",
				"labels row %d length %d does not match input length %d", i, len(labels[i]), len(inputIDs[i]))
		}
		for _, l := range labels[i] {
			if l != IgnoreIndex && (l < 0 || l >= m.Config.VocabSize) {
				return 0, nil, shapeErrorf("LMHeadModel.Loss",
					"label %d out of range [0, %d)", l, m.Config.VocabSize)
			}
		}
	}

	logits, presents, err := m.Forward(inputIDs, positionIDs, tokenTypeIDs, past)
	if err != nil {
		return 0, nil, err
	}
	defer m.Backend.PutTensor(logits)

	flat := flattenIDs(labels)
	data := logits.ToHost()
	_, vocab := logits.Dims()

	var total float64
	count := 0
	for i, label := range flat {
		if label == IgnoreIndex {
			continue
		}
		row := data[i*vocab : (i+1)*vocab]

		// Log-softmax with max subtraction
		max := row[0]
		for _, v := range row {
			if v > max {
				max = v
			}
		}
		var sumExp float64
		for _, v := range row {
			sumExp += math.Exp(float64(v - max))
		}
		logProb := float64(row[label]-max) - math.Log(sumExp)

		total -= logProb
		count++
	}

	if count == 0 {
		return 0, presents, nil
	}
	return float32(total / float64(count)), presents, nil
}

// checkIDs validates a rectangular, non-empty id batch with every value in
// [0, limit), returning its dimensions.
func checkIDs(op string, ids [][]int, limit int) (int, int, error) {
	if len(ids) == 0 || len(ids[0]) == 0 {
		return 0, 0, shapeErrorf(op, "empty input batch")
	}
	seqLen := len(ids[0])
	for i, row := range ids {
		if len(row) != seqLen {
			return 0, 0, shapeErrorf(op, "row %d has length %d, want %d (batch must be rectangular)",
				i, len(row), seqLen)
		}
		for _, id := range row {
			if id < 0 || id >= limit {
				return 0, 0, shapeErrorf(op, "id %d out of range [0, %d)", id, limit)
			}
		}
	}
	return len(ids), seqLen, nil
}

func flattenIDs(ids [][]int) []int {
	flat := make([]int, 0, len(ids)*len(ids[0]))
	for _, row := range ids {
		flat = append(flat, row...)
	}
	return flat
}
