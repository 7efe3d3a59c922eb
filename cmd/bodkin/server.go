package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/23skdu/longbow-bodkin/internal/cache"
	"github.com/23skdu/longbow-bodkin/internal/client"
	"github.com/23skdu/longbow-bodkin/internal/model"
)

var (
	predictionsServed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bodkin_predictions_total",
		Help: "The total number of samples run through the model",
	}, []string{"source"})

	inferenceErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bodkin_inference_errors_total",
		Help: "Samples rejected or failed during inference",
	})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bodkin_request_duration_seconds",
		Help:    "Time spent processing inference requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})
)

const arrowStreamType = "application/vnd.apache.arrow.stream"

// Forwarder ships predictions downstream. client.Forwarder implements it.
type Forwarder interface {
	Forward(ctx context.Context, modelName string, inputs, outputs [][]float64) error
}

type Server struct {
	runner    model.Runner
	cache     cache.PredictionCache
	forwarder Forwarder
	softmax   bool
	alloc     memory.Allocator
	sem       *semaphore.Weighted
}

// NewServer serves runner. cache and fwd may be nil.
func NewServer(runner model.Runner, c cache.PredictionCache, fwd Forwarder, maxConcurrent int) *Server {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Server{
		runner:    runner,
		cache:     c,
		forwarder: fwd,
		alloc:     memory.NewGoAllocator(),
		sem:       semaphore.NewWeighted(int64(maxConcurrent)),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/infer", s.handleInfer)
	mux.HandleFunc("/infer/arrow", s.handleInferArrow)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

func startServer(addr string, srv *Server) {
	log.Info().Str("addr", addr).Str("model", srv.runner.Name()).Msg("Starting Bodkin Server")
	if srv.forwarder != nil {
		log.Info().Msg("Forwarding predictions to Flight server")
	}
	if err := http.ListenAndServe(addr, srv.Handler()); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
}

var tracer = otel.Tracer("bodkin-server")

// infer runs one sample through the cache and the model.
func (s *Server) infer(ctx context.Context, in model.Sample, source string) (model.Sample, error) {
	if s.cache != nil {
		if out, ok := s.cache.Get(in); ok {
			predictionsServed.WithLabelValues("cache").Inc()
			return out, nil
		}
	}

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return model.Sample{}, err
	}
	out, err := s.runner.Infer(ctx, in)
	s.sem.Release(1)
	if err != nil {
		inferenceErrors.Inc()
		return model.Sample{}, err
	}
	if s.softmax {
		out = model.Softmax(out)
	}
	predictionsServed.WithLabelValues(source).Inc()

	if s.cache != nil {
		s.cache.Put(in, out)
	}
	return out, nil
}

func (s *Server) forward(ctx context.Context, inputs, outputs [][]float64) {
	if s.forwarder == nil {
		return
	}
	if err := s.forwarder.Forward(ctx, s.runner.Name(), inputs, outputs); err != nil {
		log.Error().Err(err).Int("rows", len(inputs)).Msg("Error forwarding predictions")
	}
}

func (s *Server) handleInfer(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleInfer", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues("infer").Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var in model.Sample
	if err := cbor.NewDecoder(r.Body).Decode(&in); err != nil {
		span.RecordError(err)
		http.Error(w, fmt.Sprintf("Bad Request (CBOR decode): %v", err), http.StatusBadRequest)
		return
	}
	span.SetAttributes(attribute.Int("sample.values", len(in.Data)))

	out, err := s.infer(ctx, in, "http")
	if err != nil {
		span.RecordError(err)
		http.Error(w, fmt.Sprintf("Inference failed: %v", err), http.StatusUnprocessableEntity)
		return
	}
	s.forward(ctx, [][]float64{in.Data}, [][]float64{out.Data})

	w.Header().Set("Content-Type", "application/cbor")
	if err := cbor.NewEncoder(w).Encode(out); err != nil {
		log.Error().Err(err).Msg("Failed to write response")
	}
}

// handleInferArrow reads an Arrow IPC stream whose "input" column holds
// one flattened sample per row and answers with a stream of prediction
// batches.
func (s *Server) handleInferArrow(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleInferArrow", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues("infer_arrow").Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	reader, err := ipc.NewReader(r.Body, ipc.WithAllocator(s.alloc))
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to create IPC reader: %v", err), http.StatusBadRequest)
		return
	}
	defer reader.Release()

	builder := client.NewRecordBatchBuilder(s.alloc)
	var writer *ipc.Writer
	totalProcessed := 0

	for reader.Next() {
		rows, err := client.Rows(reader.Record(), client.ColumnInput)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		outputs, err := s.inferRows(ctx, rows, "arrow")
		if err != nil {
			http.Error(w, fmt.Sprintf("Inference failed: %v", err), http.StatusUnprocessableEntity)
			return
		}

		rec, err := builder.BuildPredictions(s.runner.Name(), rows, outputs)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if rec == nil {
			continue
		}
		if writer == nil {
			w.Header().Set("Content-Type", arrowStreamType)
			writer = ipc.NewWriter(w, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(s.alloc))
		}
		err = writer.Write(rec)
		rec.Release()
		if err != nil {
			log.Error().Err(err).Msg("Failed to write Arrow response")
			return
		}
		totalProcessed += len(rows)
	}
	span.SetAttributes(attribute.Int("sample_count", totalProcessed))

	if reader.Err() != nil {
		log.Error().Err(reader.Err()).Msg("Error reading Arrow stream")
		if writer == nil {
			http.Error(w, "Stream error", http.StatusBadRequest)
		}
		return
	}
	if writer == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err := writer.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close Arrow response")
	}
}

// inferRows treats every row as one sample of the runner's input shape.
func (s *Server) inferRows(ctx context.Context, rows [][]float64, source string) ([][]float64, error) {
	shape := s.runner.InputShape()
	outputs := make([][]float64, len(rows))
	for i, row := range rows {
		out, err := s.infer(ctx, model.Sample{Shape: shape.Clone(), Data: row}, source)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		outputs[i] = out.Data
	}
	s.forward(ctx, rows, outputs)
	return outputs, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
