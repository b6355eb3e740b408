package model

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		VocabSize:   10,
		ContextSize: 16,
		EmbedSize:   8,
		NumLayers:   2,
		NumHeads:    2,
	}
}

func TestHeadsMustDivideEmbedSize(t *testing.T) {
	config := testConfig()
	config.NumHeads = 3

	_, err := NewLMHeadModel(config)
	require.Error(t, err)

	var shapeErr *ShapeError
	require.True(t, errors.As(err, &shapeErr), "construction must fail with a ShapeError")
}

func TestForwardFullSequence(t *testing.T) {
	m, err := NewLMHeadModel(testConfig())
	require.NoError(t, err)

	logits, presents, err := m.Forward([][]int{{1, 2, 3, 4}}, nil, nil, nil)
	require.NoError(t, err)

	r, c := logits.Dims()
	require.Equal(t, 4, r, "one logit row per input position")
	require.Equal(t, 10, c, "logit width is the vocab size")

	require.Len(t, presents, 2)
	for i, p := range presents {
		require.Equal(t, 1, p.Batch, "layer %d", i)
		require.Equal(t, 4, p.SeqLen, "layer %d", i)

		kr, kc := p.Key.Dims()
		vr, vc := p.Value.Dims()
		require.Equal(t, 4, kr, "layer %d key rows", i)
		require.Equal(t, 8, kc, "layer %d key cols", i)
		require.Equal(t, 4, vr, "layer %d value rows", i)
		require.Equal(t, 8, vc, "layer %d value cols", i)
	}
}

func TestForwardIncremental(t *testing.T) {
	m, err := NewLMHeadModel(testConfig())
	require.NoError(t, err)

	_, presents, err := m.Forward([][]int{{1, 2, 3, 4}}, nil, nil, nil)
	require.NoError(t, err)

	logits, next, err := m.Forward([][]int{{5}}, nil, nil, presents)
	require.NoError(t, err)

	r, c := logits.Dims()
	require.Equal(t, 1, r)
	require.Equal(t, 10, c)

	require.Len(t, next, 2)
	for i, p := range next {
		require.Equal(t, 5, p.SeqLen, "layer %d cache must grow to 5", i)
		kr, _ := p.Key.Dims()
		require.Equal(t, 5, kr, "layer %d", i)
	}

	// The incoming cache is owned by the caller and stays untouched
	for i, p := range presents {
		require.Equal(t, 4, p.SeqLen, "layer %d input cache must not grow in place", i)
	}
}

// The core consistency law: a full-sequence pass and a token-by-token pass
// with cache carried forward must agree at every position.
func TestCacheConsistency(t *testing.T) {
	m, err := NewLMHeadModel(testConfig())
	require.NoError(t, err)

	tokens := []int{3, 1, 4, 1, 5, 9}
	full, _, err := m.Forward([][]int{tokens}, nil, nil, nil)
	require.NoError(t, err)

	var past []KVCache
	for pos, tok := range tokens {
		step, next, err := m.Forward([][]int{{tok}}, nil, nil, past)
		require.NoError(t, err)
		past = next

		for j := 0; j < m.Config.VocabSize; j++ {
			require.InDelta(t, float64(full.At(pos, j)), float64(step.At(0, j)), 1e-4,
				"position %d, vocab %d", pos, j)
		}
	}
}

func TestBatchedForward(t *testing.T) {
	m, err := NewLMHeadModel(testConfig())
	require.NoError(t, err)

	// Two identical sequences in one batch must produce identical rows
	logits, presents, err := m.Forward([][]int{{7, 8, 9}, {7, 8, 9}}, nil, nil, nil)
	require.NoError(t, err)

	r, _ := logits.Dims()
	require.Equal(t, 6, r)
	for t1 := 0; t1 < 3; t1++ {
		for j := 0; j < 10; j++ {
			require.InDelta(t, float64(logits.At(t1, j)), float64(logits.At(3+t1, j)), 1e-5)
		}
	}

	for _, p := range presents {
		require.Equal(t, 2, p.Batch)
		kr, _ := p.Key.Dims()
		require.Equal(t, 6, kr)
	}
}

func TestWeightTying(t *testing.T) {
	m, err := NewLMHeadModel(testConfig())
	require.NoError(t, err)

	wte := m.Parameters()["wte"]
	wte.Set(3, 2, 0.75)

	// The head's decoder is the transpose view of the same storage
	require.Equal(t, float32(0.75), m.LMHead.Decoder.At(2, 3),
		"mutating the embedding table must be visible through the head")
}

func TestWeightTyingAffectsLogits(t *testing.T) {
	m, err := NewLMHeadModel(testConfig())
	require.NoError(t, err)

	before, _, err := m.Forward([][]int{{0}}, nil, nil, nil)
	require.NoError(t, err)

	// Bump token 9's embedding row. The hidden state for token 0 is
	// unchanged, so any movement in logit 9 comes through the tied storage.
	// The bump is non-uniform because the final norm leaves rows mean-free.
	wte := m.Parameters()["wte"]
	for j := 0; j < m.Config.EmbedSize; j++ {
		wte.Set(9, j, wte.At(9, j)+float32(j+1))
	}

	after, _, err := m.Forward([][]int{{0}}, nil, nil, nil)
	require.NoError(t, err)

	diff := math.Abs(float64(after.At(0, 9) - before.At(0, 9)))
	require.Greater(t, diff, 1e-3, "logits must observe the mutated shared storage")
}

func TestExplicitPositionIDs(t *testing.T) {
	m, err := NewLMHeadModel(testConfig())
	require.NoError(t, err)

	implicit, _, err := m.Forward([][]int{{1, 2, 3}}, nil, nil, nil)
	require.NoError(t, err)

	explicit, _, err := m.Forward([][]int{{1, 2, 3}}, [][]int{{0, 1, 2}}, nil, nil)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		for j := 0; j < 10; j++ {
			require.Equal(t, implicit.At(i, j), explicit.At(i, j))
		}
	}
}

func TestTokenTypeEmbeddings(t *testing.T) {
	m, err := NewLMHeadModel(testConfig())
	require.NoError(t, err)

	without, _, err := m.Forward([][]int{{1, 2}}, nil, nil, nil)
	require.NoError(t, err)

	with, _, err := m.Forward([][]int{{1, 2}}, nil, [][]int{{5, 5}}, nil)
	require.NoError(t, err)

	differs := false
	for i := 0; i < 2 && !differs; i++ {
		for j := 0; j < 10; j++ {
			if with.At(i, j) != without.At(i, j) {
				differs = true
				break
			}
		}
	}
	require.True(t, differs, "token type embeddings must contribute when supplied")
}

func TestForwardShapeErrors(t *testing.T) {
	m, err := NewLMHeadModel(testConfig())
	require.NoError(t, err)

	cases := map[string]func() error{
		"ragged batch": func() error {
			_, _, err := m.Forward([][]int{{1, 2}, {3}}, nil, nil, nil)
			return err
		},
		"token id out of range": func() error {
			_, _, err := m.Forward([][]int{{10}}, nil, nil, nil)
			return err
		},
		"empty input": func() error {
			_, _, err := m.Forward([][]int{}, nil, nil, nil)
			return err
		},
		"context overflow": func() error {
			ids := make([]int, 17)
			_, _, err := m.Forward([][]int{ids}, nil, nil, nil)
			return err
		},
		"position ids shape mismatch": func() error {
			_, _, err := m.Forward([][]int{{1, 2}}, [][]int{{0}}, nil, nil)
			return err
		},
		"wrong cache count": func() error {
			_, _, err := m.Forward([][]int{{1}}, nil, nil, make([]KVCache, 1))
			return err
		},
	}

	for name, run := range cases {
		err := run()
		require.Error(t, err, name)
		var shapeErr *ShapeError
		require.True(t, errors.As(err, &shapeErr), "%s must be a ShapeError", name)
	}
}

func TestCacheLockstepValidation(t *testing.T) {
	m, err := NewLMHeadModel(testConfig())
	require.NoError(t, err)

	_, presents, err := m.Forward([][]int{{1, 2, 3}}, nil, nil, nil)
	require.NoError(t, err)

	// Desynchronize one layer's cache
	presents[1].SeqLen = 2

	_, _, err = m.Forward([][]int{{4}}, nil, nil, presents)
	require.Error(t, err)
	var shapeErr *ShapeError
	require.True(t, errors.As(err, &shapeErr))
}

func TestLossIgnoresAllPositions(t *testing.T) {
	m, err := NewLMHeadModel(testConfig())
	require.NoError(t, err)

	loss, presents, err := m.Loss(
		[][]int{{1, 2, 3}}, nil, nil,
		[][]int{{IgnoreIndex, IgnoreIndex, IgnoreIndex}}, nil)
	require.NoError(t, err)
	require.Equal(t, float32(0), loss, "all-ignored labels define a loss of 0")
	require.Len(t, presents, 2, "caches still advance when labels are supplied")
}

func TestLossMatchesLogits(t *testing.T) {
	m, err := NewLMHeadModel(testConfig())
	require.NoError(t, err)

	input := [][]int{{1, 2, 3}}
	labels := [][]int{{2, IgnoreIndex, 4}}

	logits, _, err := m.Forward(input, nil, nil, nil)
	require.NoError(t, err)

	var want float64
	for _, pos := range []struct{ row, label int }{{0, 2}, {2, 4}} {
		max := math.Inf(-1)
		for j := 0; j < 10; j++ {
			if v := float64(logits.At(pos.row, j)); v > max {
				max = v
			}
		}
		var sumExp float64
		for j := 0; j < 10; j++ {
			sumExp += math.Exp(float64(logits.At(pos.row, j)) - max)
		}
		want -= float64(logits.At(pos.row, pos.label)) - max - math.Log(sumExp)
	}
	want /= 2

	loss, _, err := m.Loss(input, nil, nil, labels, nil)
	require.NoError(t, err)
	require.InDelta(t, want, float64(loss), 1e-5)
}

func TestLossRejectsBadLabels(t *testing.T) {
	m, err := NewLMHeadModel(testConfig())
	require.NoError(t, err)

	_, _, err = m.Loss([][]int{{1}}, nil, nil, [][]int{{12}}, nil)
	require.Error(t, err)

	_, _, err = m.Loss([][]int{{1, 2}}, nil, nil, [][]int{{1}}, nil)
	require.Error(t, err)
}

func TestParameterNames(t *testing.T) {
	m, err := NewLMHeadModel(testConfig())
	require.NoError(t, err)

	params := m.Parameters()
	require.Len(t, params, 4+12*m.Config.NumLayers)

	for _, name := range []string{
		"wte", "wpe", "ln_f.g", "ln_f.b",
		"h.0.attn.c_attn.w", "h.1.mlp.c_proj.b",
	} {
		require.Contains(t, params, name)
	}

	r, c := params["h.0.attn.c_attn.w"].Dims()
	require.Equal(t, 8, r)
	require.Equal(t, 24, c, "fused QKV projection is 3x the embed width")
}
