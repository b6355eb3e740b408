package device

import (
	"log"
	"math"
	"runtime"
	"sync"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/23skdu/longbow-bodkin/internal/simd"
)

// ensure interface compliance
var _ Backend = (*CPUBackend)(nil)
var _ Tensor = (*CPUTensor)(nil)

// numWorkers defines the default parallelism for CPU operations
var numWorkers = runtime.NumCPU()

type CPUBackend struct {
	pool sync.Pool
}

func NewCPUBackend() *CPUBackend {
	return &CPUBackend{
		pool: sync.Pool{
			New: func() interface{} {
				return &CPUTensor{}
			},
		},
	}
}

func (b *CPUBackend) Name() string {
	return "CPU"
}

func (b *CPUBackend) NewTensor(r, c int, data []float32) Tensor {
	size := r * c
	t := &CPUTensor{
		backend: b,
		rows:    r,
		cols:    c,
	}

	if data == nil {
		t.data = make([]float32, size)
	} else {
		if len(data) != size {
			log.Panicf("NewTensor: data length %d does not match %dx%d", len(data), r, c)
		}
		t.data = make([]float32, size)
		copy(t.data, data)
	}

	return t
}

func (b *CPUBackend) GetTensor(r, c int) Tensor {
	v := b.pool.Get()
	ct, ok := v.(*CPUTensor)
	if !ok || ct == nil {
		ct = &CPUTensor{}
	}

	ct.backend = b
	ct.rows = r
	ct.cols = c
	ct.trans = false
	size := r * c
	if cap(ct.data) < size {
		poolMisses.Inc()
		ct.data = make([]float32, size)
	} else {
		poolHits.Inc()
		ct.data = ct.data[:size]
		for i := range ct.data {
			ct.data[i] = 0.0
		}
	}
	return ct
}

func (b *CPUBackend) PutTensor(t Tensor) {
	ct, ok := t.(*CPUTensor)
	if !ok {
		return // Don't pool foreign tensors
	}

	ct.rows = 0
	ct.cols = 0
	ct.trans = false
	// Data is zeroed when retrieved by GetTensor
	b.pool.Put(ct)
}

func (b *CPUBackend) ConcatSeq(a, t Tensor, batchSize, aLen, bLen int) Tensor {
	at, ok1 := a.(*CPUTensor)
	bt, ok2 := t.(*CPUTensor)
	if !ok1 || !ok2 {
		log.Panic("ConcatSeq: mixed backends not supported")
	}
	if at.trans || bt.trans {
		log.Panic("ConcatSeq not supported on transposed tensor views")
	}

	ar, ac := at.Dims()
	br, bc := bt.Dims()
	if ac != bc {
		log.Panicf("ConcatSeq: column mismatch %d vs %d", ac, bc)
	}
	if ar != batchSize*aLen || br != batchSize*bLen {
		log.Panicf("ConcatSeq: row mismatch, got %d/%d rows for batch=%d aLen=%d bLen=%d",
			ar, br, batchSize, aLen, bLen)
	}

	out := b.NewTensor(batchSize*(aLen+bLen), ac, nil).(*CPUTensor)
	totalLen := aLen + bLen
	for i := 0; i < batchSize; i++ {
		dst := out.data[i*totalLen*ac:]
		copy(dst[:aLen*ac], at.data[i*aLen*ac:(i+1)*aLen*ac])
		copy(dst[aLen*ac:totalLen*ac], bt.data[i*bLen*ac:(i+1)*bLen*ac])
	}
	return out
}

func (b *CPUBackend) Synchronize() {
	// CPU is always synchronous
}

type CPUTensor struct {
	backend *CPUBackend
	data    []float32
	rows    int
	cols    int
	trans   bool // Transposed view flag
}

func (t *CPUTensor) Dims() (int, int) {
	if t.trans {
		return t.cols, t.rows
	}
	return t.rows, t.cols
}

func (t *CPUTensor) At(i, j int) float32 {
	if t.trans {
		// Logical (i, j) -> Physical (j, i)
		return t.data[j*t.cols+i]
	}
	return t.data[i*t.cols+j]
}

func (t *CPUTensor) Set(i, j int, v float32) {
	if t.trans {
		t.data[j*t.cols+i] = v
	} else {
		t.data[i*t.cols+j] = v
	}
}

func (t *CPUTensor) Data() []float32 {
	// If transposed, data is not contiguous in logical order
	if t.trans {
		return nil
	}
	return t.data
}

func (t *CPUTensor) ToHost() []float32 {
	if t.trans {
		rows, cols := t.Dims()
		out := make([]float32, rows*cols)
		for i := 0; i < rows; i++ {
			for j := 0; j < cols; j++ {
				out[i*cols+j] = t.At(i, j)
			}
		}
		return out
	}

	out := make([]float32, len(t.data))
	copy(out, t.data)
	return out
}

func (t *CPUTensor) CopyFromFloat32(data []float32) {
	if len(data) != len(t.data) {
		log.Panicf("CopyFromFloat32: size mismatch %d vs %d", len(data), len(t.data))
	}
	copy(t.data, data)
}

func (t *CPUTensor) Copy(from Tensor) {
	ft, ok := from.(*CPUTensor)
	if !ok {
		log.Panic("Copying between different backends not supported")
	}

	tr, tc := t.Dims()
	fr, fc := ft.Dims()

	if tr != fr || tc != fc {
		log.Panicf("Copy: dimension mismatch. Target: %dx%d, Source: %dx%d", tr, tc, fr, fc)
	}

	if !t.trans && !ft.trans {
		copy(t.data, ft.data)
	} else {
		for i := 0; i < tr; i++ {
			for j := 0; j < tc; j++ {
				t.Set(i, j, ft.At(i, j))
			}
		}
	}
}

func (t *CPUTensor) Slice(i, k, j, l int) Tensor {
	sliceRows := k - i
	sliceCols := l - j

	if sliceRows <= 0 || sliceCols <= 0 {
		log.Panic("Slice: invalid dimensions")
	}

	// This is a copy, not a view.
	out := t.backend.NewTensor(sliceRows, sliceCols, nil)
	for rowIdx := 0; rowIdx < sliceRows; rowIdx++ {
		for colIdx := 0; colIdx < sliceCols; colIdx++ {
			out.Set(rowIdx, colIdx, t.At(i+rowIdx, j+colIdx))
		}
	}
	return out
}

func (t *CPUTensor) T() Tensor {
	return &CPUTensor{
		backend: t.backend,
		data:    t.data, // Share data
		rows:    t.rows,
		cols:    t.cols,
		trans:   !t.trans, // Toggle transpose state
	}
}

// Mul performs t = a * b via BLAS sgemm. Transposed views are handled with
// transpose flags rather than materialized copies.
func (t *CPUTensor) Mul(a, b Tensor) {
	ma, ok1 := a.(*CPUTensor)
	mb, ok2 := b.(*CPUTensor)

	if !ok1 || !ok2 {
		log.Panic("Mixed backend Mul not supported")
	}
	if t.trans {
		log.Panic("Mul result must not be a transposed view")
	}

	ar, ac := ma.Dims()
	br, bc := mb.Dims()

	if ac != br {
		log.Panicf("Mul: dimension mismatch. A cols (%d) != B rows (%d)", ac, br)
	}

	tr, tc := t.Dims()
	if tr != ar || tc != bc {
		log.Panicf("Mul: result tensor dimension mismatch. Expected %dx%d, got %dx%d", ar, bc, tr, tc)
	}

	tA := blas.NoTrans
	if ma.trans {
		tA = blas.Trans
	}
	tB := blas.NoTrans
	if mb.trans {
		tB = blas.Trans
	}

	ga := blas32.General{Rows: ma.rows, Cols: ma.cols, Stride: ma.cols, Data: ma.data}
	gb := blas32.General{Rows: mb.rows, Cols: mb.cols, Stride: mb.cols, Data: mb.data}
	gc := blas32.General{Rows: t.rows, Cols: t.cols, Stride: t.cols, Data: t.data}

	blas32.Gemm(tA, tB, 1, ga, gb, 0, gc)
}

func (t *CPUTensor) Add(other Tensor) {
	ot, ok := other.(*CPUTensor)
	if !ok {
		log.Panic("Mixed backend Add not supported")
	}

	tr, tc := t.Dims()
	or, oc := ot.Dims()

	if tr != or || tc != oc {
		log.Panicf("Add: dimension mismatch. Target: %dx%d, Other: %dx%d", tr, tc, or, oc)
	}

	if !t.trans && !ot.trans {
		simd.VecAdd(t.data, ot.data)
	} else {
		for i := 0; i < tr; i++ {
			for j := 0; j < tc; j++ {
				t.Set(i, j, t.At(i, j)+ot.At(i, j))
			}
		}
	}
}

func (t *CPUTensor) Scale(val float32) {
	for i := range t.data {
		t.data[i] *= val
	}
}

func (t *CPUTensor) AddBias(bias Tensor) {
	bt, ok := bias.(*CPUTensor)
	if !ok {
		log.Panic("Mixed backend AddBias not supported")
	}

	r, c := t.Dims()
	br, bc := bias.Dims()

	if br != 1 && bc != 1 {
		log.Panic("AddBias: bias must be a vector (1xN or Nx1)")
	}
	if t.trans {
		log.Panic("AddBias not supported on transposed tensor views")
	}

	var biasData []float32
	if bt.trans {
		biasData = make([]float32, c)
		if br == 1 { // bias is 1xc
			for i := 0; i < c; i++ {
				biasData[i] = bt.At(0, i)
			}
		} else { // bias is cx1
			for i := 0; i < c; i++ {
				biasData[i] = bt.At(i, 0)
			}
		}
	} else {
		biasData = bt.data
	}

	if len(biasData) != c {
		log.Panic("AddBias: bias length mismatch with tensor columns")
	}

	data := t.data
	for i := 0; i < r; i++ {
		row := data[i*c : (i+1)*c]
		simd.VecAdd(row, biasData)
	}
}

func (t *CPUTensor) Softmax() {
	if t.trans {
		log.Panic("Softmax not supported on transposed tensor views")
	}
	r, c := t.Dims()
	for i := 0; i < r; i++ {
		rowStart := i * c
		row := t.data[rowStart : rowStart+c]
		simd.SoftmaxFast(row)
	}
}

func (t *CPUTensor) Gelu() {
	if t.trans {
		log.Panic("Gelu not supported on transposed tensor views")
	}
	simd.GeluFast(t.data)
}

func (t *CPUTensor) LayerNorm(gamma, beta Tensor, eps float32) {
	gt, ok1 := gamma.(*CPUTensor)
	bt, ok2 := beta.(*CPUTensor)
	if !ok1 || !ok2 {
		log.Panic("Mixed backend LayerNorm not supported")
	}
	if t.trans {
		log.Panic("LayerNorm not supported on transposed tensor views")
	}

	r, c := t.Dims()

	gammaData := gt.data
	betaData := bt.data
	if gt.trans || bt.trans {
		log.Panic("LayerNorm params must not be transposed views")
	}
	if len(gammaData) < c || len(betaData) < c {
		log.Panic("LayerNorm params dim mismatch")
	}

	data := t.data
	for i := 0; i < r; i++ {
		rowStart := i * c
		row := data[rowStart : rowStart+c]

		var sum float32
		for _, v := range row {
			sum += v
		}
		mean := sum / float32(c)

		// Biased estimator: divisor is the count, not count-1
		var varSum float32
		for _, v := range row {
			diff := v - mean
			varSum += diff * diff
		}
		variance := varSum / float32(c)
		invStd := 1.0 / float32(math.Sqrt(float64(variance+eps)))

		for j := 0; j < c; j++ {
			row[j] = (row[j]-mean)*invStd*gammaData[j] + betaData[j]
		}
	}
}

func (t *CPUTensor) Gather(indices []int) Tensor {
	r, c := t.Dims()
	outData := make([]float32, len(indices)*c)

	for i, idx := range indices {
		if idx < 0 || idx >= r {
			log.Panicf("Gather: index %d out of bounds [0, %d)", idx, r)
		}
		for j := 0; j < c; j++ {
			outData[i*c+j] = t.At(idx, j)
		}
	}

	return t.backend.NewTensor(len(indices), c, outData)
}

func (t *CPUTensor) Linear(input, weight, bias Tensor) Tensor {
	r, _ := input.Dims()
	_, wc := weight.Dims()

	result := t.backend.GetTensor(r, wc)
	result.Mul(input, weight)

	if bias != nil {
		result.AddBias(bias)
	}

	return result
}

func (t *CPUTensor) LinearActivation(input, weight, bias Tensor, activation ActivationType) Tensor {
	result := t.Linear(input, weight, bias)

	switch activation {
	case ActivationGELU:
		result.Gelu()
	case ActivationIdentity:
		// No-op
	}

	return result
}

// CausalAttention computes Softmax(mask(Q * K^T * scale)) * V per batch and
// head, where k and v carry pastLen cached positions per batch ahead of the
// newLen fresh ones. Masked scores are pinned to maskBias, which underflows to
// an exactly-zero weight in SoftmaxFast, so future positions contribute
// nothing to the weighted sum.
func (t *CPUTensor) CausalAttention(k, v Tensor, batchSize, newLen, pastLen, numHeads int, scale float32) Tensor {
	kt, ok1 := k.(*CPUTensor)
	vt, ok2 := v.(*CPUTensor)
	if !ok1 || !ok2 {
		log.Panic("Mixed backend CausalAttention not supported")
	}
	if t.trans || kt.trans || vt.trans {
		log.Panic("CausalAttention not supported on transposed tensor views")
	}

	rows, hidden := t.Dims()
	totalLen := pastLen + newLen
	if rows != batchSize*newLen {
		log.Panicf("CausalAttention: query rows %d != batch %d * newLen %d", rows, batchSize, newLen)
	}
	kr, kc := kt.Dims()
	vr, vc := vt.Dims()
	if kr != batchSize*totalLen || kc != hidden || vr != batchSize*totalLen || vc != hidden {
		log.Panicf("CausalAttention: key/value dims %dx%d / %dx%d don't match batch %d totalLen %d hidden %d",
			kr, kc, vr, vc, batchSize, totalLen, hidden)
	}
	if hidden%numHeads != 0 {
		log.Panicf("CausalAttention: hidden %d not divisible by heads %d", hidden, numHeads)
	}
	headDim := hidden / numHeads

	result := t.backend.NewTensor(rows, hidden, nil)
	rst := result.(*CPUTensor)

	var wg sync.WaitGroup
	workers := numWorkers
	if batchSize < workers {
		workers = batchSize
	}
	itemsPerWorker := (batchSize + workers - 1) / workers

	for w := 0; w < workers; w++ {
		startBatch := w * itemsPerWorker
		endBatch := startBatch + itemsPerWorker
		if endBatch > batchSize {
			endBatch = batchSize
		}

		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()

			scoresBuf := make([]float32, newLen*totalLen)

			for b := start; b < end; b++ {
				qOff := b * newLen * hidden
				kvOff := b * totalLen * hidden

				for h := 0; h < numHeads; h++ {
					col := h * headDim

					for i := 0; i < newLen; i++ {
						qIdx := qOff + i*hidden + col
						qRow := t.data[qIdx : qIdx+headDim]
						absPos := pastLen + i

						scores := scoresBuf[i*totalLen : (i+1)*totalLen]
						for j := 0; j < totalLen; j++ {
							if j > absPos {
								scores[j] = maskBias
								continue
							}
							kIdx := kvOff + j*hidden + col
							scores[j] = simd.DotProduct(qRow, kt.data[kIdx:kIdx+headDim]) * scale
						}
						simd.SoftmaxFast(scores)
					}

					for i := 0; i < newLen; i++ {
						outIdx := qOff + i*hidden + col
						outRow := rst.data[outIdx : outIdx+headDim]
						scores := scoresBuf[i*totalLen : (i+1)*totalLen]

						// Masked weights are exactly zero, stop at the diagonal
						for j := 0; j <= pastLen+i; j++ {
							vIdx := kvOff + j*hidden + col
							simd.VecAddScaled(outRow, vt.data[vIdx:vIdx+headDim], scores[j])
						}
					}
				}
			}
		}(startBatch, endBatch)
	}
	wg.Wait()

	return result
}
