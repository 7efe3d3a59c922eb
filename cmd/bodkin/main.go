package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime/pprof"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-bodkin/internal/cache"
	"github.com/23skdu/longbow-bodkin/internal/client"
	"github.com/23skdu/longbow-bodkin/internal/layers"
	"github.com/23skdu/longbow-bodkin/internal/model"
	"github.com/23skdu/longbow-bodkin/internal/weights"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

var (
	manifestPath    = flag.String("manifest", "", "Path to the YAML model manifest (required)")
	weightsPath     = flag.String("weights", "", "Weights: a directory of text files, a raw float32 .bin/.raw file or a CBOR bundle. Empty uses the manifest's path, else random init")
	inputPath       = flag.String("input", "", "Sample to run: a .cbor Sample or a text file of values")
	outputPath      = flag.String("output", "", "Write the prediction as a CBOR Sample to this file")
	backend         = flag.String("backend", model.BackendPlain, "Value backend: plain or ckks")
	listenAddr      = flag.String("serve", "", "Address to listen on for HTTP Server (e.g. :8080)")
	flightAddr      = flag.String("flight", "", "Address to listen on for Flight Server (e.g. :9090)")
	serverAddr      = flag.String("server", "", "Flight server to forward predictions to (e.g. localhost:3000)")
	forwardPath     = flag.String("dataset", "bodkin_predictions", "Target path on the forwarding server")
	maxConcurrent   = flag.Int("max-concurrent", 4, "Maximum number of concurrent inferences")
	cacheSize       = flag.Int("cache-size", 4096, "Number of predictions to memoize, 0 disables the cache")
	poolSize        = flag.Int("pool-size", 0, "Worker pool size per layer phase, 0 means twice the CPU count")
	applySoftmax    = flag.Bool("softmax", false, "Normalize every prediction row with softmax")
	singleThreadRNN = flag.Bool("single-thread-rnn", false, "Run recurrent layers without the worker pool")
	debugLayer      = flag.Bool("debug-layer", false, "Enable per-layer diagnostics")
	showSummary     = flag.Bool("summary", false, "Print the model summary and exit")
	exportPath      = flag.String("export", "", "Write the loaded weights and exit: raw float32 for .bin or .raw, else a CBOR bundle")
	enableOTel      = flag.Bool("otel", false, "Enable OpenTelemetry tracing (stdout)")
	cpuProfile      = flag.String("cpuprofile", "", "Write cpu profile to file")
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()

	flag.Parse()

	if *manifestPath == "" {
		fmt.Fprintln(os.Stderr, "usage: bodkin -manifest model.yaml [flags]")
		flag.PrintDefaults()
		os.Exit(2)
	}

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

	man, err := model.LoadManifest(*manifestPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load manifest")
	}

	if *showSummary || *exportPath != "" {
		if err := inspect(man); err != nil {
			log.Fatal().Err(err).Msg("Failed to inspect model")
		}
		return
	}

	start := time.Now()
	runner, err := model.NewRunner(man, *backend, *weightsPath, layerOptions())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create model")
	}
	log.Info().
		Str("model", runner.Name()).
		Str("backend", *backend).
		Str("input_shape", runner.InputShape().String()).
		Dur("elapsed", time.Since(start)).
		Msg("Model ready")

	var fwd Forwarder
	if *serverAddr != "" {
		fc, err := client.NewFlightClient(*serverAddr)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create flight client")
		}
		defer func() {
			if err := fc.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close flight client")
			}
		}()
		log.Info().Str("addr", *serverAddr).Str("dataset", *forwardPath).Msg("Connected to Flight Server")
		fwd = client.NewForwarder(fc, *forwardPath, client.NewCircuitBreaker(*serverAddr, 5, 30*time.Second))
	}

	var pc cache.PredictionCache
	if *cacheSize > 0 {
		pc = cache.NewMapCache(*cacheSize)
	}
	srv := NewServer(runner, pc, fwd, *maxConcurrent)
	srv.softmax = *applySoftmax

	if *listenAddr != "" || *flightAddr != "" {
		if *listenAddr != "" {
			go startServer(*listenAddr, srv)
		}
		if *flightAddr != "" {
			StartFlightServer(*flightAddr, srv)
			return
		}
		select {}
	}

	if *inputPath == "" {
		log.Fatal().Msg("Nothing to do: give -input, -serve or -flight")
	}
	in, err := readSample(*inputPath, runner.InputShape())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to read input")
	}

	start = time.Now()
	out, err := srv.infer(context.Background(), in, "cli")
	if err != nil {
		log.Fatal().Err(err).Msg("Inference failed")
	}
	srv.forward(context.Background(), [][]float64{in.Data}, [][]float64{out.Data})
	log.Info().
		Ints("shape", out.Shape).
		Floats64("prediction", out.Data).
		Dur("elapsed", time.Since(start)).
		Msg("Inference complete")

	if *outputPath != "" {
		if err := writeSample(*outputPath, out); err != nil {
			log.Fatal().Err(err).Msg("Failed to write output")
		}
	}
}

func layerOptions() layers.Options {
	opts := layers.OptionsFromEnv()
	opts.DebugLayer = opts.DebugLayer || *debugLayer
	opts.SingleThreadedRNN = opts.SingleThreadedRNN || *singleThreadRNN
	if *poolSize > 0 {
		opts.PoolSize = *poolSize
	}
	if *debugLayer {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	return opts
}

// inspect builds the plaintext model to print its summary or export its
// weights.
func inspect(man *model.Manifest) error {
	m, err := model.BuildPlain(man, layerOptions())
	if err != nil {
		return err
	}
	path := *weightsPath
	if path == "" {
		path = man.Weights
	}
	if err := model.LoadAny(m, path); err != nil {
		return err
	}
	if *showSummary {
		fmt.Print(m.Summary())
	}
	if *exportPath == "" {
		return nil
	}
	f, err := os.Create(*exportPath)
	if err != nil {
		return err
	}
	export := m.ExportWeights
	if model.IsRaw(*exportPath) {
		export = m.ExportRaw
	}
	if err := export(f); err != nil {
		_ = f.Close()
		return err
	}
	log.Info().Str("path", *exportPath).Int("params", m.Params()).Msg("Exported weights")
	return f.Close()
}

// readSample loads a CBOR Sample, or a text file of values shaped like
// the model input.
func readSample(path string, shape []int) (model.Sample, error) {
	if strings.EqualFold(filepath.Ext(path), ".cbor") {
		data, err := os.ReadFile(path)
		if err != nil {
			return model.Sample{}, err
		}
		var s model.Sample
		if err := cbor.Unmarshal(data, &s); err != nil {
			return model.Sample{}, fmt.Errorf("failed to decode sample: %w", err)
		}
		return s, nil
	}
	rows, err := weights.ReadText[float64](path)
	if err != nil {
		return model.Sample{}, err
	}
	return model.Sample{Shape: append([]int(nil), shape...), Data: weights.Flatten(rows)}, nil
}

func writeSample(path string, s model.Sample) error {
	data, err := cbor.Marshal(s)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
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
