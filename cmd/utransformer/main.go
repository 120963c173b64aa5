package main

import (
	"context"
	"flag"
	"math/rand"
	"net/http"
	"os"
	"runtime/pprof"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/ut-ml/utransformer/internal/checkpoint"
	"github.com/ut-ml/utransformer/internal/device"
	"github.com/ut-ml/utransformer/internal/encoder"
)

var (
	dModel         = flag.Int("d-model", 64, "Feature dimensionality of token vectors")
	numHeads       = flag.Int("heads", 4, "Number of attention heads")
	depth          = flag.Int("depth", 6, "Maximum number of shared-weight block applications")
	batchSize      = flag.Int("batch", 8, "Batch size")
	seqLen         = flag.Int("seq", 32, "Sequence length")
	transitionType = flag.String("transition", "dot", "Transition type (dot, cnn)")
	activation     = flag.String("activation", "gelu", "Transition activation")
	vanillaWiring  = flag.Bool("vanilla", false, "Use the 2017 residual/dropout ordering")
	haltEpsilon    = flag.Float64("halt-epsilon", 0.01, "ACT halting epsilon")
	timePenalty    = flag.Float64("time-penalty", 0.01, "ACT ponder cost weight")
	iterations     = flag.Int("iterations", 1, "Number of forward passes to run")
	seed           = flag.Int64("seed", 0, "Random seed for the input batch (0: time-based)")
	savePath       = flag.String("save", "", "Write a checkpoint after the run")
	loadPath       = flag.String("load", "", "Restore block/ACT parameters before the run")
	precisionFlag  = flag.String("precision", "fp32", "Checkpoint precision (fp32, fp16)")
	listenAddr     = flag.String("listen", "", "Address to serve /metrics on (e.g. :8080)")
	cpuProfile     = flag.String("cpuprofile", "", "Write cpu profile to file")
	enableOTel     = flag.Bool("otel", false, "Enable OpenTelemetry tracing (stdout)")
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
		http.Handle("/metrics", promhttp.Handler())
		go func() {
			log.Info().Str("addr", *listenAddr).Msg("Serving metrics")
			if err := http.ListenAndServe(*listenAddr, nil); err != nil {
				log.Error().Err(err).Msg("Metrics server failed")
			}
		}()
	}

	backend := device.NewCPUBackend()

	enc, err := encoder.NewUniversalEncoder(
		encoder.BlockConfig{
			Name:           "utransformer",
			DModel:         *dModel,
			NumHeads:       *numHeads,
			TransitionType: *transitionType,
			Activation:     *activation,
			UseMasking:     true,
			VanillaWiring:  *vanillaWiring,
		},
		encoder.ACTConfig{
			Name:        "utransformer_act",
			HaltEpsilon: float32(*haltEpsilon),
			TimePenalty: float32(*timePenalty),
		},
		*depth, backend)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build encoder")
	}

	rngSeed := *seed
	if rngSeed == 0 {
		rngSeed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(rngSeed))

	rows := *batchSize * *seqLen
	data := make([]float32, rows**dModel)
	for i := range data {
		data[i] = float32(rng.NormFloat64())
	}
	input := backend.NewTensor(rows, *dModel, data)

	// One pass builds the lazy parameters so a checkpoint can restore
	// into them.
	if *loadPath != "" {
		if _, err := enc.Forward(input, *batchSize, *seqLen, nil); err != nil {
			log.Fatal().Err(err).Msg("Warm-up pass failed")
		}
		if err := checkpoint.Restore(*loadPath, enc.Block, enc.ACT); err != nil {
			log.Fatal().Err(err).Msg("Failed to load checkpoint")
		}
		log.Info().Str("path", *loadPath).Msg("Checkpoint restored")
	}

	tracer := otel.Tracer("utransformer")

	for i := 0; i < *iterations; i++ {
		_, span := tracer.Start(context.Background(), "encode")
		start := time.Now()
		res, err := enc.Forward(input, *batchSize, *seqLen, nil)
		span.End()
		if err != nil {
			log.Fatal().Err(err).Msg("Forward pass failed")
		}

		steps := res.ActiveSteps.ToHost()
		var meanSteps float64
		for _, s := range steps {
			meanSteps += float64(s)
		}
		meanSteps /= float64(len(steps))

		ponder := res.PonderCost.ToHost()
		var meanPonder float64
		for _, p := range ponder {
			meanPonder += float64(p)
		}
		meanPonder /= float64(len(ponder))

		log.Info().
			Int("iteration", i).
			Dur("elapsed", time.Since(start)).
			Float64("mean_active_steps", meanSteps).
			Float64("mean_ponder_cost", meanPonder).
			Msg("Encoded batch")
	}

	if *savePath != "" {
		err := checkpoint.Save(*savePath, checkpoint.Precision(*precisionFlag), enc.Block, enc.ACT)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to save checkpoint")
		}
		log.Info().Str("path", *savePath).Msg("Checkpoint written")
	}
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
			semconv.ServiceNameKey.String("utransformer"),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	return tp.Shutdown, nil
}
