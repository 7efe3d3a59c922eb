package main

import (
	"context"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-bodkin/internal/client"
)

// BodkinFlightServer accepts batches of flattened samples in an "input"
// column. DoPut runs them and forwards the predictions; DoExchange streams
// the predictions back to the caller.
type BodkinFlightServer struct {
	flight.BaseFlightServer
	srv   *Server
	alloc memory.Allocator
}

func NewBodkinFlightServer(srv *Server) *BodkinFlightServer {
	return &BodkinFlightServer{
		srv:   srv,
		alloc: memory.NewGoAllocator(),
	}
}

func (s *BodkinFlightServer) DoPut(stream flight.FlightService_DoPutServer) error {
	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(s.alloc))
	if err != nil {
		return err
	}
	defer reader.Release()

	ctx := stream.Context()
	for reader.Next() {
		rec := reader.Record()
		log.Info().Int64("rows", rec.NumRows()).Msg("DoPut received batch")
		if _, _, err := s.run(ctx, rec); err != nil {
			return err
		}
	}
	return reader.Err()
}

func (s *BodkinFlightServer) DoExchange(stream flight.FlightService_DoExchangeServer) error {
	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(s.alloc))
	if err != nil {
		return err
	}
	defer reader.Release()

	ctx := stream.Context()
	builder := client.NewRecordBatchBuilder(s.alloc)
	var writer *flight.Writer
	defer func() {
		if writer != nil {
			_ = writer.Close()
		}
	}()

	for reader.Next() {
		inputs, outputs, err := s.run(ctx, reader.Record())
		if err != nil {
			return err
		}
		rec, err := builder.BuildPredictions(s.srv.runner.Name(), inputs, outputs)
		if err != nil {
			return err
		}
		if rec == nil {
			continue
		}
		if writer == nil {
			writer = flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(s.alloc))
		}
		err = writer.Write(rec)
		rec.Release()
		if err != nil {
			return err
		}
	}
	return reader.Err()
}

// run infers every row of rec.
func (s *BodkinFlightServer) run(ctx context.Context, rec arrow.RecordBatch) (inputs, outputs [][]float64, err error) {
	inputs, err = client.Rows(rec, client.ColumnInput)
	if err != nil {
		return nil, nil, err
	}
	outputs, err = s.srv.inferRows(ctx, inputs, "flight")
	if err != nil {
		return nil, nil, err
	}
	return inputs, outputs, nil
}

func StartFlightServer(addr string, srv *Server) {
	server := flight.NewServerWithMiddleware(nil)
	server.RegisterFlightService(NewBodkinFlightServer(srv))

	if err := server.Init(addr); err != nil {
		log.Fatal().Err(err).Msg("Failed to init Flight server")
	}

	log.Info().Str("addr", addr).Msg("Starting Bodkin Flight Server")
	if err := server.Serve(); err != nil {
		log.Fatal().Err(err).Msg("Flight server failed")
	}
}
