package device

// Tensor represents a 2D array of float32 data owned by a compute backend.
//
// Higher-rank values use a flattened batch-major layout: a hidden state of
// shape (batch, seq, embed) is stored as (batch*seq, embed) with row index
// b*seq+t, and attention heads are the column ranges [h*headDim, (h+1)*headDim)
// within a row.
type Tensor interface {
	// Dims returns the dimensions (rows, cols) of the tensor.
	Dims() (int, int)

	// At returns the value at (i, j).
	// This is slow and should be used for debugging or infrequent access.
	At(i, j int) float32

	// Set sets the value at (i, j).
	Set(i, j int, v float32)

	// Data returns the underlying slice if contiguous (nil for transposed views).
	Data() []float32

	// ToHost copies the data to a fresh Go slice in logical row-major order.
	ToHost() []float32

	// CopyFromFloat32 copies data from a Go slice into the tensor.
	CopyFromFloat32(data []float32)

	// Copy copies content from another tensor of the same dimensions.
	Copy(from Tensor)

	// Slice copies rows [i, k) and cols [j, l) into a new tensor.
	Slice(i, k, j, l int) Tensor

	// T returns a transposed view sharing the underlying storage.
	T() Tensor

	// Mul performs matrix multiplication into the receiver: t = a * b
	Mul(a, b Tensor)

	// Add performs element-wise addition: t = t + other
	Add(other Tensor)

	// Scale performs: t = t * val
	Scale(val float32)

	// AddBias adds a bias vector (broadcast) to each row.
	AddBias(bias Tensor)

	// Softmax normalizes each row in-place, subtracting the row max
	// before exponentiating.
	Softmax()

	// Gelu applies the GELU activation in-place.
	Gelu()

	// LayerNorm normalizes each row in-place using the biased variance
	// estimator (divisor = count), then applies elementwise gamma and beta.
	LayerNorm(gamma, beta Tensor, eps float32)

	// Gather collects rows by index into a new tensor.
	Gather(indices []int) Tensor

	// Linear performs a fused MatMul + bias add over the receiver's backend:
	// result = input * weight + bias. A nil bias skips the add.
	Linear(input, weight, bias Tensor) Tensor

	// LinearActivation performs Linear followed by an activation.
	LinearActivation(input, weight, bias Tensor, activation ActivationType) Tensor

	// CausalAttention performs fused masked multi-head scaled dot-product
	// attention with the receiver as the query tensor.
	//
	// The receiver is (batch*newLen, hidden); k and v are
	// (batch*(pastLen+newLen), hidden) and already include any cached prefix.
	// Query row i (absolute position pastLen+i) attends only to key positions
	// j <= pastLen+i; masked scores are pinned to maskBias before softmax.
	// Returns (batch*newLen, hidden).
	CausalAttention(k, v Tensor, batchSize, newLen, pastLen, numHeads int, scale float32) Tensor
}

type ActivationType int

const (
	ActivationIdentity ActivationType = iota
	ActivationGELU
)

// maskBias is the additive bias applied to causally masked attention scores.
// Pretrained-checkpoint parity depends on this exact constant.
const maskBias = -1e10

// Backend creates tensors and manages their memory.
type Backend interface {
	Name() string
	NewTensor(r, c int, data []float32) Tensor

	// GetTensor gets a zeroed tensor from the pool or creates a new one.
	GetTensor(r, c int) Tensor

	// PutTensor returns a tensor to the pool.
	PutTensor(t Tensor)

	// ConcatSeq concatenates two batch-major flattened tensors along the
	// sequence axis: for every batch b, the aLen rows of a belonging to b are
	// followed by the bLen rows of b. The result is a fresh
	// (batchSize*(aLen+bLen), cols) tensor; neither input is mutated.
	ConcatSeq(a, b Tensor, batchSize, aLen, bLen int) Tensor

	// Synchronize blocks until all queued operations are complete.
	Synchronize()
}
