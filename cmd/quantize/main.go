package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/23skdu/longbow-infill/internal/checkpoint"
	"github.com/23skdu/longbow-infill/internal/logger"
	"github.com/23skdu/longbow-infill/internal/quant"
)

var (
	inPath    = flag.String("in", "", "Path to raw float32 checkpoint")
	outPath   = flag.String("out", "", "Path for the quantized checkpoint")
	groupSize = flag.Int("group", 128, "Quantization group size in elements")
	logLevel  = flag.String("log-level", "info", "Log level")
)

func main() {
	flag.Parse()
	logger.Setup(*logLevel, "console")
	log := logger.Log.Component("quantize")

	if *inPath == "" || *outPath == "" {
		fmt.Fprintln(os.Stderr, "error: -in and -out are required")
		flag.Usage()
		os.Exit(1)
	}
	if *groupSize <= 0 {
		fmt.Fprintln(os.Stderr, "error: -group must be positive")
		os.Exit(1)
	}

	f, err := os.Open(*inPath)
	if err != nil {
		log.Error("open failed", "path", *inPath, "err", err)
		os.Exit(1)
	}
	model, tensors, err := checkpoint.ReadRaw(f)
	f.Close()
	if err != nil {
		log.Error("raw checkpoint read failed", "err", err)
		os.Exit(1)
	}

	s := quant.NewStore(model)
	totalIn := 0
	for _, t := range tensors {
		n := 1
		for _, d := range t.Shape {
			n *= d
		}
		totalIn += 4 * n

		group := *groupSize
		if n < group {
			group = n
		}
		qt, err := quant.Quantize(t.Name, t.Shape, group, t.Values)
		if err != nil {
			log.Error("quantize failed", "tensor", t.Name, "err", err)
			os.Exit(1)
		}
		if err := checkpoint.Place(s, qt, t.Role, t.Layer); err != nil {
			log.Error("placement failed", "tensor", t.Name, "err", err)
			os.Exit(1)
		}
	}

	if err := checkpoint.WriteFile(*outPath, s); err != nil {
		log.Error("checkpoint write failed", "err", err)
		os.Exit(1)
	}

	totalOut := quantizedBytes(s)
	log.Info("checkpoint quantized",
		"tensors", len(tensors),
		"in_bytes", totalIn,
		"out_bytes", totalOut,
		"ratio", fmt.Sprintf("%.2fx", float64(totalIn)/float64(totalOut)))
}

func quantizedBytes(s *quant.Store) int {
	total := s.TokenEmbedding.ByteSize()
	if s.LMHead != nil {
		total += s.LMHead.ByteSize()
	}
	total += s.EncoderPosBias.ByteSize() + s.DecoderPosBias.ByteSize()
	total += s.EncoderFinalNorm.ByteSize() + s.DecoderFinalNorm.ByteSize()
	for _, lw := range s.Encoder {
		total += lw.ByteSize()
	}
	for i, lw := range s.Decoder {
		total += lw.ByteSize()
		total += s.CrossK[i].ByteSize() + s.CrossV[i].ByteSize()
	}
	return total
}
