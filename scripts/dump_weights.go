//go:build ignore

// dump_weights prints a per-tensor summary of a CBOR weight bundle.
//
//	go run scripts/dump_weights.go -weights model.cbor
package main

import (
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-bodkin/internal/weights"
)

// WeightDump holds the summary of a stored tensor for verification
type WeightDump struct {
	Name     string
	Shape    []int
	FirstFew []float64
	LastFew  []float64
	Sum      float64
}

func summarize(name string, e weights.Entry) WeightDump {
	wd := WeightDump{Name: name, Shape: e.Shape}
	if len(e.Data) == 0 {
		return wd
	}
	count := 5
	if len(e.Data) < count {
		count = len(e.Data)
	}
	wd.FirstFew = e.Data[:count]
	wd.LastFew = e.Data[len(e.Data)-count:]
	for _, v := range e.Data {
		wd.Sum += v
	}
	return wd
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	path := flag.String("weights", "weights.cbor", "Path to a CBOR weight bundle")
	flag.Parse()

	f, err := os.Open(*path)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open bundle")
	}
	defer f.Close()

	b, err := weights.Decode(f)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to decode bundle")
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "TENSOR\tSHAPE\tSUM\tFIRST\tLAST\n")
	for _, lw := range b.Layers {
		for i, e := range lw.Tensors {
			wd := summarize(fmt.Sprintf("%s/%d", lw.Name, i), e)
			fmt.Fprintf(tw, "%s\t%v\t%.6g\t%.4g\t%.4g\n", wd.Name, wd.Shape, wd.Sum, wd.FirstFew, wd.LastFew)
		}
	}
	_ = tw.Flush()

	log.Info().Str("model", b.Model).Int("layers", len(b.Layers)).Int("params", b.Params()).Msg("Bundle loaded")
}
