//go:build ignore

package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-bodkin/internal/client"
)

// Sends a batch of zero samples to a running bodkin Flight server.
//
//	go run scripts/verify_flight.go localhost:9090 784
func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	addr := "localhost:9090"
	if len(os.Args) > 1 {
		addr = os.Args[1]
	}
	width := 784
	if len(os.Args) > 2 {
		n, err := strconv.Atoi(os.Args[2])
		if err != nil {
			log.Fatal().Err(err).Msg("Bad sample width")
		}
		width = n
	}

	log.Info().Str("addr", addr).Msg("Connecting to Bodkin Flight Server")

	c, err := client.NewFlightClient(addr)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create client")
	}
	defer c.Close()

	rows := make([][]float64, 3)
	for i := range rows {
		rows[i] = make([]float64, width)
	}
	rec, err := client.NewRecordBatchBuilder(memory.NewGoAllocator()).BuildInputs(rows)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build batch")
	}
	defer rec.Release()

	for i := 0; i < 10; i++ {
		start := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err = c.DoPut(ctx, "verify", rec)
		cancel()
		if err == nil {
			log.Info().Dur("elapsed", time.Since(start)).Int("rows", len(rows)).Msg("Batch accepted")
			fmt.Println("VERIFICATION PASSED")
			return
		}
		log.Warn().Err(err).Msg("DoPut failed, retrying...")
		time.Sleep(1 * time.Second)
	}
	log.Fatal().Err(err).Msg("Failed after retries")
}
