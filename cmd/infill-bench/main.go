package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/23skdu/longbow-infill/internal/checkpoint"
	"github.com/23skdu/longbow-infill/internal/config"
	"github.com/23skdu/longbow-infill/internal/engine"
	"github.com/23skdu/longbow-infill/internal/logger"
)

var (
	modelPath = flag.String("model", "", "Path to quantized checkpoint file")
	inputLen  = flag.Int("input", 64, "Synthetic input length in tokens")
	passes    = flag.Int("passes", 4, "Encoder passes to time")
	steps     = flag.Int("steps", 64, "Decoder steps to time")
	memLimit  = flag.Int64("memory-limit", 0, "Byte budget for streamed layer weights")
	slots     = flag.Int("slots", 0, "Arena slot count, 0 for automatic")
	threads   = flag.Int("threads", 0, "Compute threads, 0 for all cores")
	logLevel  = flag.String("log-level", "warn", "Log level")
)

// nullTokenizer satisfies the engine; benchmarks never touch text.
type nullTokenizer struct{}

func (nullTokenizer) Encode(string) []int { return nil }
func (nullTokenizer) Decode([]int) string { return "" }

func main() {
	flag.Parse()
	logger.Setup(*logLevel, "console")
	log := logger.Log.Component("bench")

	if *modelPath == "" {
		fmt.Fprintln(os.Stderr, "error: -model is required")
		flag.Usage()
		os.Exit(1)
	}

	store, err := checkpoint.ReadFile(*modelPath)
	if err != nil {
		log.Error("checkpoint load failed", "err", err)
		os.Exit(1)
	}

	rt := config.Runtime{
		MemoryLimitBytes: *memLimit,
		SlotCount:        *slots,
		Threads:          *threads,
	}
	rt.FromEnv()

	e, err := engine.Load(store, rt, nullTokenizer{})
	if err != nil {
		log.Error("model load failed", "err", err)
		os.Exit(1)
	}

	ctx := context.Background()

	encTPS, err := e.EncoderThroughput(ctx, *inputLen, *passes)
	if err != nil {
		log.Error("encoder benchmark failed", "err", err)
		os.Exit(1)
	}
	fmt.Printf("encoder: %d tokens x %d passes, %.1f tokens/sec\n", *inputLen, *passes, encTPS)

	decTPS, err := e.DecoderThroughput(ctx, *inputLen, *steps)
	if err != nil {
		log.Error("decoder benchmark failed", "err", err)
		os.Exit(1)
	}
	fmt.Printf("decoder: %d steps, %.1f tokens/sec\n", *steps, decTPS)

	fmt.Printf("arena: %d slots x %d bytes\n", e.Arena().SlotCount(), e.Arena().SlotBytes())
}
