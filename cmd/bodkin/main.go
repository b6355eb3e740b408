package main

import (
	"context"
	"flag"
	"math"
	"math/rand"
	"net/http"
	"os"
	"runtime/pprof"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/23skdu/longbow-bodkin/internal/device"
	"github.com/23skdu/longbow-bodkin/internal/model"
	"github.com/23skdu/longbow-bodkin/internal/weights"
)

var (
	weightsPath = flag.String("weights", "", "Path to checkpoint file (empty: random init)")
	savePath    = flag.String("save", "", "Write the (possibly random) weights to this path and exit")
	saveDtype   = flag.String("save-dtype", "f32", "Checkpoint payload dtype (f32, f16)")
	cpuProfile  = flag.String("cpuprofile", "", "Write cpu profile to file")
	enableOTel  = flag.Bool("otel", false, "Enable OpenTelemetry tracing (stdout)")
	listenAddr  = flag.String("listen", "", "Address for the Prometheus /metrics endpoint (e.g. :8080)")
	duration    = flag.Duration("duration", 0, "Run soak test for specified duration (e.g. 10s, 20m)")
	dumpPath    = flag.String("dump", "", "Write final-step logits as Arrow IPC ('-' for stdout)")

	numLayers   = flag.Int("layers", 2, "Number of transformer layers")
	numHeads    = flag.Int("heads", 4, "Number of attention heads")
	embedSize   = flag.Int("embd", 128, "Embedding width")
	vocabSize   = flag.Int("vocab", 1024, "Vocabulary size")
	contextSize = flag.Int("ctx", 256, "Maximum context length")

	batchSize = flag.Int("batch", 1, "Batch size")
	promptLen = flag.Int("prompt", 16, "Prefill prompt length in tokens")
	steps     = flag.Int("steps", 32, "Incremental decode steps after prefill")
)

func main() {
	// Initialize logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()

	flag.Parse()

	if *enableOTel {
		shutdown, err := initTracer()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize tracer")
		}
		defer shutdown(context.Background())
	}

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create CPU profile file")
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal().Err(err).Msg("Could not start CPU profile")
		}
		defer pprof.StopCPUProfile()
	}

	if *listenAddr != "" {
		go func() {
			http.Handle("/metrics", promhttp.Handler())
			log.Info().Str("addr", *listenAddr).Msg("Serving Prometheus metrics")
			if err := http.ListenAndServe(*listenAddr, nil); err != nil {
				log.Error().Err(err).Msg("Metrics server failed")
			}
		}()
	}

	config := model.Config{
		VocabSize:   *vocabSize,
		ContextSize: *contextSize,
		EmbedSize:   *embedSize,
		NumLayers:   *numLayers,
		NumHeads:    *numHeads,
	}

	m, err := model.NewLMHeadModel(config)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to construct model")
	}
	log.Info().
		Int("layers", config.NumLayers).
		Int("heads", config.NumHeads).
		Int("embd", config.EmbedSize).
		Int("vocab", config.VocabSize).
		Msg("Model constructed")

	if *weightsPath != "" {
		if err := weights.NewLoader(m.Parameters()).Load(*weightsPath); err != nil {
			log.Fatal().Err(err).Str("path", *weightsPath).Msg("Failed to load weights")
		}
	}

	if *savePath != "" {
		if err := weights.Save(*savePath, m.Parameters(), *saveDtype); err != nil {
			log.Fatal().Err(err).Str("path", *savePath).Msg("Failed to save weights")
		}
		return
	}

	tracer := otel.Tracer("bodkin")
	ctx := context.Background()

	if err := selfTest(ctx, tracer, m); err != nil {
		log.Fatal().Err(err).Msg("Cache consistency self-test failed")
	}

	if *duration > 0 {
		log.Info().Str("duration", duration.String()).Msg("Starting soak test")
		startTime := time.Now()
		endTime := startTime.Add(*duration)
		var totalTokens int64
		var iter int

		for time.Now().Before(endTime) {
			n, err := runDecode(ctx, tracer, m, "")
			if err != nil {
				log.Fatal().Err(err).Msg("Forward pass failed during soak")
			}
			totalTokens += n
			iter++

			if iter%10 == 0 {
				elapsed := time.Since(startTime)
				log.Info().
					Str("elapsed", elapsed.Round(time.Second).String()).
					Int("iter", iter).
					Int64("total_tokens", totalTokens).
					Float64("tps", float64(totalTokens)/elapsed.Seconds()).
					Msg("Soak test progress")
			}
		}

		totalElapsed := time.Since(startTime)
		log.Info().
			Int64("total_tokens", totalTokens).
			Dur("total_time", totalElapsed).
			Float64("avg_tps", float64(totalTokens)/totalElapsed.Seconds()).
			Msg("Soak test complete")
		return
	}

	start := time.Now()
	n, err := runDecode(ctx, tracer, m, *dumpPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Forward pass failed")
	}
	elapsed := time.Since(start)
	log.Info().
		Int64("tokens", n).
		Dur("elapsed", elapsed).
		Float64("tps", float64(n)/elapsed.Seconds()).
		Msg("Decode run complete")
}

// selfTest verifies the cache round-trip law on the live model: a full
// forward pass and a token-by-token pass with cache carried forward must
// agree at every position.
func selfTest(ctx context.Context, tracer trace.Tracer, m *model.LMHeadModel) error {
	_, span := tracer.Start(ctx, "self_test")
	defer span.End()

	length := *promptLen
	if length > m.Config.ContextSize {
		length = m.Config.ContextSize
	}
	tokens := randomTokens(1, length, m.Config.VocabSize)

	full, _, err := m.Forward(tokens, nil, nil, nil)
	if err != nil {
		return err
	}

	var past []model.KVCache
	maxDiff := 0.0
	for pos := 0; pos < length; pos++ {
		step, next, err := m.Forward([][]int{{tokens[0][pos]}}, nil, nil, past)
		if err != nil {
			return err
		}
		past = next

		for j := 0; j < m.Config.VocabSize; j++ {
			diff := math.Abs(float64(full.At(pos, j) - step.At(0, j)))
			if diff > maxDiff {
				maxDiff = diff
			}
		}
		m.Backend.PutTensor(step)
	}
	m.Backend.PutTensor(full)

	log.Info().Float64("max_diff", maxDiff).Int("positions", length).Msg("Cache consistency self-test passed")
	return nil
}

// runDecode prefills a random prompt, then decodes incrementally with the
// cache carried forward. Token selection policy stays outside this tool: the
// continuation tokens are random, the run only exercises logits and cache.
func runDecode(ctx context.Context, tracer trace.Tracer, m *model.LMHeadModel, dump string) (int64, error) {
	_, span := tracer.Start(ctx, "decode_run")
	defer span.End()

	prompt := randomTokens(*batchSize, *promptLen, m.Config.VocabSize)

	logits, past, err := m.Forward(prompt, nil, nil, nil)
	if err != nil {
		return 0, err
	}

	total := int64(*batchSize * *promptLen)
	for s := 0; s < *steps && past[0].SeqLen < m.Config.ContextSize; s++ {
		next := randomTokens(*batchSize, 1, m.Config.VocabSize)

		m.Backend.PutTensor(logits)
		logits, past, err = m.Forward(next, nil, nil, past)
		if err != nil {
			return 0, err
		}
		total += int64(*batchSize)
	}

	if dump != "" {
		if err := dumpLogits(dump, logits, m.Config.VocabSize); err != nil {
			log.Warn().Err(err).Msg("Failed to write logits dump")
		}
	}
	m.Backend.PutTensor(logits)

	return total, nil
}

// dumpLogits writes the last forward pass's logits as a single Arrow IPC
// record batch: { row: int32, logits: fixed_size_list<float32>[vocab] }.
func dumpLogits(path string, logits device.Tensor, vocab int) error {
	rows, _ := logits.Dims()
	data := logits.ToHost()

	pool := memory.NewGoAllocator()
	schema := arrow.NewSchema(
		[]arrow.Field{
			{Name: "row", Type: arrow.PrimitiveTypes.Int32},
			{Name: "logits", Type: arrow.FixedSizeListOf(int32(vocab), arrow.PrimitiveTypes.Float32)},
		},
		nil,
	)

	rowBuilder := array.NewInt32Builder(pool)
	defer rowBuilder.Release()

	logitBuilder := array.NewFixedSizeListBuilder(pool, int32(vocab), arrow.PrimitiveTypes.Float32)
	defer logitBuilder.Release()
	floatBuilder := logitBuilder.ValueBuilder().(*array.Float32Builder)

	for i := 0; i < rows; i++ {
		rowBuilder.Append(int32(i))
		logitBuilder.Append(true)
		floatBuilder.AppendValues(data[i*vocab:(i+1)*vocab], nil)
	}

	rowArr := rowBuilder.NewArray()
	defer rowArr.Release()
	logitArr := logitBuilder.NewArray()
	defer logitArr.Release()

	rec := array.NewRecordBatch(schema, []arrow.Array{rowArr, logitArr}, int64(rows))
	defer rec.Release()

	out := os.Stdout
	if path != "-" {
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}

	writer := ipc.NewWriter(out, ipc.WithSchema(rec.Schema()))
	if err := writer.Write(rec); err != nil {
		_ = writer.Close()
		return err
	}
	return writer.Close()
}

func randomTokens(batch, length, vocab int) [][]int {
	out := make([][]int, batch)
	for b := range out {
		out[b] = make([]int, length)
		for t := range out[b] {
			out[b][t] = rand.Intn(vocab)
		}
	}
	return out
}

func initTracer() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("bodkin"),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}
