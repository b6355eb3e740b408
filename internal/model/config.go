package model

// Config holds the hyperparameters of a GPT-2 style decoder stack.
// It is created once at model construction and read-only thereafter.
type Config struct {
	// VocabSize is the number of token ids.
	VocabSize int
	// ContextSize is the maximum visible sequence length (past + new).
	ContextSize int
	// EmbedSize is the hidden/embedding width.
	EmbedSize int
	// NumLayers is the number of transformer blocks.
	NumLayers int
	// NumHeads is the number of attention heads per block.
	NumHeads int
	// LayerNormEpsilon is the variance floor for layer normalization.
	// Zero selects the default of 1e-12. Pretrained-checkpoint parity
	// depends on this exact value.
	LayerNormEpsilon float32
}

// DefaultGPT2SmallConfig returns the configuration of the 117M GPT-2 model.
func DefaultGPT2SmallConfig() Config {
	return Config{
		VocabSize:   50257,
		ContextSize: 1024,
		EmbedSize:   768,
		NumLayers:   12,
		NumHeads:    12,
	}
}

func (c Config) epsilon() float32 {
	if c.LayerNormEpsilon == 0 {
		return 1e-12
	}
	return c.LayerNormEpsilon
}

func (c Config) validate() error {
	if c.VocabSize <= 0 || c.ContextSize <= 0 || c.EmbedSize <= 0 || c.NumLayers <= 0 || c.NumHeads <= 0 {
		return shapeErrorf("Config", "all dimensions must be positive, got %+v", c)
	}
	if c.EmbedSize%c.NumHeads != 0 {
		return shapeErrorf("Config", "embed size %d not divisible by %d heads", c.EmbedSize, c.NumHeads)
	}
	return nil
}
