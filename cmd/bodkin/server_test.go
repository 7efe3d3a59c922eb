package main

import (
	"bytes"
	"context"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-bodkin/internal/cache"
	"github.com/23skdu/longbow-bodkin/internal/client"
	"github.com/23skdu/longbow-bodkin/internal/layers"
	"github.com/23skdu/longbow-bodkin/internal/model"
	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

type mockRunner struct {
	mock.Mock
}

func (m *mockRunner) Name() string             { return "mock" }
func (m *mockRunner) InputShape() tensor.Shape { return tensor.NewShape(1, 2) }

func (m *mockRunner) Infer(ctx context.Context, in model.Sample) (model.Sample, error) {
	args := m.Called(ctx, in)
	if fn, ok := args.Get(0).(func(context.Context, model.Sample) model.Sample); ok {
		return fn(ctx, in), args.Error(1)
	}
	return args.Get(0).(model.Sample), args.Error(1)
}

type mockForwarder struct {
	mock.Mock
}

func (m *mockForwarder) Forward(ctx context.Context, modelName string, inputs, outputs [][]float64) error {
	args := m.Called(ctx, modelName, inputs, outputs)
	return args.Error(0)
}

// sumRunner answers every sample with the sum of its values.
func sumRunner() *mockRunner {
	r := &mockRunner{}
	r.On("Infer", mock.Anything, mock.Anything).Return(func(_ context.Context, in model.Sample) model.Sample {
		var sum float64
		for _, v := range in.Data {
			sum += v
		}
		return model.Sample{Shape: []int{1, 1}, Data: []float64{sum}}
	}, nil)
	return r
}

func postCBOR(t *testing.T, h http.Handler, path string, v any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := cbor.Marshal(v)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestServer_Infer(t *testing.T) {
	runner := &mockRunner{}
	fwd := &mockForwarder{}
	srv := NewServer(runner, cache.NewMapCache(16), fwd, 2)
	h := srv.Handler()

	in := model.Sample{Shape: []int{1, 2}, Data: []float64{1, 2}}
	want := model.Sample{Shape: []int{1, 1}, Data: []float64{3}}
	runner.On("Infer", mock.Anything, in).Return(want, nil).Once()
	fwd.On("Forward", mock.Anything, "mock", [][]float64{{1, 2}}, [][]float64{{3}}).Return(nil)

	t.Run("HandleInfer with Forwarding", func(t *testing.T) {
		rr := postCBOR(t, h, "/infer", in)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		assert.Equal(t, "application/cbor", rr.Header().Get("Content-Type"))

		var got model.Sample
		require.NoError(t, cbor.Unmarshal(rr.Body.Bytes(), &got))
		assert.Equal(t, want, got)
	})

	t.Run("Second request served from cache", func(t *testing.T) {
		rr := postCBOR(t, h, "/infer", in)
		require.Equal(t, http.StatusOK, rr.Code)
		runner.AssertNumberOfCalls(t, "Infer", 1)
		fwd.AssertNumberOfCalls(t, "Forward", 2)
	})

	t.Run("Bad body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/infer", bytes.NewReader([]byte{0xff}))
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("Wrong method", func(t *testing.T) {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/infer", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
	})

	t.Run("Health Check", func(t *testing.T) {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "OK", rr.Body.String())
	})
}

func TestServer_InferError(t *testing.T) {
	runner := &mockRunner{}
	runner.On("Infer", mock.Anything, mock.Anything).Return(model.Sample{}, model.ErrInputShape)
	srv := NewServer(runner, nil, nil, 1)

	rr := postCBOR(t, srv.Handler(), "/infer", model.Sample{Shape: []int{3}, Data: []float64{1, 2, 3}})
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.Contains(t, rr.Body.String(), "input shape mismatch")
}

func TestServer_Softmax(t *testing.T) {
	runner := &mockRunner{}
	runner.On("Infer", mock.Anything, mock.Anything).
		Return(model.Sample{Shape: []int{1, 2}, Data: []float64{5, 5}}, nil)
	srv := NewServer(runner, nil, nil, 1)
	srv.softmax = true

	out, err := srv.infer(context.Background(), model.Sample{Shape: []int{1, 2}, Data: []float64{0, 0}}, "test")
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0.5, 0.5}, out.Data, 1e-9)
}

func TestServer_InferArrow(t *testing.T) {
	runner := sumRunner()
	srv := NewServer(runner, nil, nil, 2)
	pool := memory.NewGoAllocator()

	rec, err := client.NewRecordBatchBuilder(pool).BuildInputs([][]float64{{1, 2}, {3, 4}, {5, 6}})
	require.NoError(t, err)
	defer rec.Release()

	var body bytes.Buffer
	w := ipc.NewWriter(&body, ipc.WithSchema(rec.Schema()))
	require.NoError(t, w.Write(rec))
	require.NoError(t, w.Close())

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/infer/arrow", &body))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, arrowStreamType, rr.Header().Get("Content-Type"))

	reader, err := ipc.NewReader(bytes.NewReader(rr.Body.Bytes()))
	require.NoError(t, err)
	defer reader.Release()

	require.True(t, reader.Next())
	preds, err := client.Rows(reader.Record(), client.ColumnPrediction)
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{3}, {7}, {11}}, preds)
	assert.False(t, reader.Next())
}

func TestServer_InferArrowMissingColumn(t *testing.T) {
	srv := NewServer(sumRunner(), nil, nil, 1)
	pool := memory.NewGoAllocator()
	b := array.NewFloat64Builder(pool)
	defer b.Release()
	b.AppendValues([]float64{1, 2}, nil)
	col := b.NewArray()
	defer col.Release()
	schema := arrow.NewSchema([]arrow.Field{{Name: "other", Type: col.DataType()}}, nil)
	trimmed := array.NewRecordBatch(schema, []arrow.Array{col}, 2)
	defer trimmed.Release()

	var body bytes.Buffer
	w := ipc.NewWriter(&body, ipc.WithSchema(trimmed.Schema()))
	require.NoError(t, w.Write(trimmed))
	require.NoError(t, w.Close())

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/infer/arrow", &body))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func startTestFlight(t *testing.T, srv *Server) string {
	t.Helper()
	server := flight.NewServerWithMiddleware(nil)
	server.RegisterFlightService(NewBodkinFlightServer(srv))
	require.NoError(t, server.Init("localhost:0"))
	go func() {
		_ = server.Serve()
	}()
	t.Cleanup(server.Shutdown)
	return server.Addr().String()
}

func TestFlightServer_DoPut(t *testing.T) {
	fwd := &mockForwarder{}
	fwd.On("Forward", mock.Anything, "mock", [][]float64{{1, 1}, {2, 2}}, [][]float64{{2}, {4}}).Return(nil).Once()
	addr := startTestFlight(t, NewServer(sumRunner(), nil, fwd, 2))

	fc, err := client.NewFlightClient(addr)
	require.NoError(t, err)
	defer fc.Close()

	rec, err := client.NewRecordBatchBuilder(memory.NewGoAllocator()).BuildInputs([][]float64{{1, 1}, {2, 2}})
	require.NoError(t, err)
	defer rec.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, fc.DoPut(ctx, "samples", rec))
	fwd.AssertExpectations(t)
}

func TestFlightServer_DoPutNonFinite(t *testing.T) {
	man, err := model.ParseManifest([]byte("name: d\ninput: [1, 2]\nlayers: [{type: dense, name: fc, units: 1}]\n"))
	require.NoError(t, err)
	m, err := model.BuildPlain(man, layers.DefaultOptions())
	require.NoError(t, err)
	m.RandomInit()
	addr := startTestFlight(t, NewServer(model.NewPlainRunner(m), nil, nil, 2))

	fc, err := client.NewFlightClient(addr)
	require.NoError(t, err)
	defer fc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	b := client.NewRecordBatchBuilder(memory.NewGoAllocator())

	bad, err := b.BuildInputs([][]float64{{1, 1}, {math.NaN(), 1}})
	require.NoError(t, err)
	defer bad.Release()
	assert.Error(t, fc.DoPut(ctx, "samples", bad))

	good, err := b.BuildInputs([][]float64{{1, 2}})
	require.NoError(t, err)
	defer good.Release()
	assert.NoError(t, fc.DoPut(ctx, "samples", good), "server must keep serving")
}

func TestFlightServer_DoExchange(t *testing.T) {
	addr := startTestFlight(t, NewServer(sumRunner(), nil, nil, 2))

	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	fc := flight.NewClientFromConn(conn, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	stream, err := fc.DoExchange(ctx)
	require.NoError(t, err)

	rec, err := client.NewRecordBatchBuilder(memory.NewGoAllocator()).BuildInputs([][]float64{{1, 2}, {3, 4}})
	require.NoError(t, err)
	defer rec.Release()

	w := flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()))
	w.SetFlightDescriptor(&flight.FlightDescriptor{Type: flight.DescriptorPATH, Path: []string{"samples"}})
	require.NoError(t, w.Write(rec))
	require.NoError(t, w.Close())
	require.NoError(t, stream.CloseSend())

	reader, err := flight.NewRecordReader(stream)
	require.NoError(t, err)
	defer reader.Release()

	require.True(t, reader.Next())
	preds, err := client.Rows(reader.Record(), client.ColumnPrediction)
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{3}, {7}}, preds)
}

func TestForwarderFailureDoesNotFailRequest(t *testing.T) {
	fwd := &mockForwarder{}
	fwd.On("Forward", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(errors.New("down"))
	srv := NewServer(sumRunner(), nil, fwd, 1)

	rr := postCBOR(t, srv.Handler(), "/infer", model.Sample{Shape: []int{1, 2}, Data: []float64{1, 2}})
	assert.Equal(t, http.StatusOK, rr.Code)
	fwd.AssertExpectations(t)
}
