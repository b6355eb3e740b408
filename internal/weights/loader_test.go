package weights

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-bodkin/internal/device"
	"github.com/23skdu/longbow-bodkin/internal/model"
)

func testModel(t *testing.T) *model.LMHeadModel {
	t.Helper()
	m, err := model.NewLMHeadModel(model.Config{
		VocabSize:   20,
		ContextSize: 8,
		EmbedSize:   4,
		NumLayers:   1,
		NumHeads:    2,
	})
	require.NoError(t, err)
	return m
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.bodkin")

	src := testModel(t)
	require.NoError(t, Save(path, src.Parameters(), DtypeF32))

	dst := testModel(t)
	require.NoError(t, NewLoader(dst.Parameters()).Load(path))

	srcParams := src.Parameters()
	for name, got := range dst.Parameters() {
		require.Equal(t, srcParams[name].ToHost(), got.ToHost(), "tensor %q", name)
	}
}

func TestSaveLoadF16(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.f16.bodkin")

	src := testModel(t)
	require.NoError(t, Save(path, src.Parameters(), DtypeF16))

	dst := testModel(t)
	require.NoError(t, NewLoader(dst.Parameters()).Load(path))

	srcParams := src.Parameters()
	for name, got := range dst.Parameters() {
		want := srcParams[name].ToHost()
		have := got.ToHost()
		require.Len(t, have, len(want), "tensor %q", name)
		for i := range want {
			// Half precision keeps ~3 decimal digits
			require.InDelta(t, float64(want[i]), float64(have[i]), 1e-2, "tensor %q index %d", name, i)
		}
	}
}

func TestLoadRejectsShapeMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.bodkin")

	src := testModel(t)
	require.NoError(t, Save(path, src.Parameters(), DtypeF32))

	other, err := model.NewLMHeadModel(model.Config{
		VocabSize:   20,
		ContextSize: 8,
		EmbedSize:   8, // wider model
		NumLayers:   1,
		NumHeads:    2,
	})
	require.NoError(t, err)

	err = NewLoader(other.Parameters()).Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "in checkpoint")
}

func TestLoadRejectsUnknownTensor(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.bodkin")

	backend := device.NewCPUBackend()
	stray := map[string]device.Tensor{"not_a_param": backend.NewTensor(2, 2, nil)}
	require.NoError(t, Save(path, stray, DtypeF32))

	err := NewLoader(testModel(t).Parameters()).Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "no matching parameter")
}

func TestLoadRejectsTruncatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.bodkin")

	src := testModel(t)
	require.NoError(t, Save(path, src.Parameters(), DtypeF32))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw[:len(raw)/2], 0o644))

	err = NewLoader(testModel(t).Parameters()).Load(path)
	require.Error(t, err)
}
