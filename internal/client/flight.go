// Package client sends predictions to a downstream Arrow Flight service.
package client

import (
	"context"
	"errors"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// FlightClient handles communication with a Flight server.
type FlightClient struct {
	client flight.Client
	conn   *grpc.ClientConn
}

// NewFlightClient creates a new Flight client connected to the given address.
func NewFlightClient(addr string) (*FlightClient, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}

	return &FlightClient{
		client: flight.NewClientFromConn(conn, nil),
		conn:   conn,
	}, nil
}

// DoPut streams a RecordBatch to the given path and waits for the server
// to acknowledge the upload.
func (c *FlightClient) DoPut(ctx context.Context, path string, record arrow.RecordBatch) error {
	stream, err := c.client.DoPut(ctx)
	if err != nil {
		return err
	}

	writer := flight.NewRecordWriter(stream)
	writer.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{path},
	})

	if err := writer.Write(record); err != nil {
		_ = writer.Close()
		return err
	}
	if err := writer.Close(); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		if _, err := stream.Recv(); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// Close closes the client connection.
func (c *FlightClient) Close() error {
	return c.conn.Close()
}

// Putter uploads record batches. FlightClient implements it.
type Putter interface {
	DoPut(ctx context.Context, path string, record arrow.RecordBatch) error
}

// Forwarder turns predictions into record batches and uploads them
// through a circuit breaker.
type Forwarder struct {
	put     Putter
	path    string
	breaker *CircuitBreaker
	builder *RecordBatchBuilder
}

// NewForwarder uploads to path through put. A nil breaker never trips.
func NewForwarder(put Putter, path string, breaker *CircuitBreaker) *Forwarder {
	return &Forwarder{
		put:     put,
		path:    path,
		breaker: breaker,
		builder: NewRecordBatchBuilder(memory.NewGoAllocator()),
	}
}

// Forward uploads one batch of predictions made by modelName.
func (f *Forwarder) Forward(ctx context.Context, modelName string, inputs, outputs [][]float64) error {
	rec, err := f.builder.BuildPredictions(modelName, inputs, outputs)
	if err != nil || rec == nil {
		return err
	}
	defer rec.Release()

	send := func() error { return f.put.DoPut(ctx, f.path, rec) }
	if f.breaker == nil {
		return send()
	}
	err = f.breaker.Do(send)
	if errors.Is(err, ErrCircuitOpen) {
		log.Warn().Str("path", f.path).Int("rows", len(inputs)).Msg("Forwarding suspended, dropping predictions")
	}
	return err
}
