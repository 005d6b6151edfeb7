package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/23skdu/longbow-infill/internal/checkpoint"
	"github.com/23skdu/longbow-infill/internal/config"
	"github.com/23skdu/longbow-infill/internal/engine"
	"github.com/23skdu/longbow-infill/internal/flightsource"
	"github.com/23skdu/longbow-infill/internal/logger"
	"github.com/23skdu/longbow-infill/internal/monitoring"
	"github.com/23skdu/longbow-infill/internal/quant"
	"github.com/23skdu/longbow-infill/internal/tokenizer"
)

var (
	modelPath  = flag.String("model", "", "Path to quantized checkpoint file")
	flightAddr = flag.String("flight", "", "Fetch the checkpoint from a Flight server (host:port) instead of a file")
	flightName = flag.String("flight-name", "default", "Checkpoint name to request from the Flight server")
	vocabPath  = flag.String("vocab", "", "Path to vocabulary file")

	text       = flag.String("text", "", "Input text; every <span> marker is filled")
	prompt     = flag.String("prompt", "", "Prompt for open-ended continuation")
	topP       = flag.Float64("top-p", 1.0, "Nucleus sampling threshold")
	topN       = flag.Int("top-n", 0, "Candidate cap, 0 for none")
	temp       = flag.Float64("temperature", 0.9, "Sampling temperature")
	freqPen    = flag.Float64("frequency-penalty", 0, "Penalty scaled by occurrence count")
	presPen    = flag.Float64("presence-penalty", 0, "Penalty on any prior occurrence")
	maxTokens  = flag.Int("max-tokens", 128, "Token budget per request")
	seed       = flag.Int64("seed", 0, "Sampler seed, 0 for time-based")
	stopList   = flag.String("stop", "", "Comma-separated stop tokens for -prompt mode")

	memLimit  = flag.Int64("memory-limit", 0, "Byte budget for streamed layer weights, 0 for unlimited")
	slots     = flag.Int("slots", 0, "Arena slot count, 0 for automatic")
	prefetch  = flag.Int("prefetch", 0, "Copy queue lookahead, 0 for slots-1")
	threads   = flag.Int("threads", 0, "Compute threads, 0 for all cores")
	debugNum  = flag.Bool("debug-numerics", false, "Check for NaN/Inf at layer boundaries")

	monitorAddr = flag.String("monitor", ":9090", "Health and metrics address, empty to disable")
	logLevel    = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	logFormat   = flag.String("log-format", "console", "Log format (console, json)")
)

func main() {
	flag.Parse()
	logger.Setup(*logLevel, *logFormat)
	log := logger.Log.Component("infill")

	if *modelPath == "" && *flightAddr == "" {
		fmt.Fprintln(os.Stderr, "error: one of -model or -flight is required")
		flag.Usage()
		os.Exit(1)
	}
	if *vocabPath == "" {
		fmt.Fprintln(os.Stderr, "error: -vocab is required")
		flag.Usage()
		os.Exit(1)
	}
	if (*text == "") == (*prompt == "") {
		fmt.Fprintln(os.Stderr, "error: exactly one of -text or -prompt is required")
		flag.Usage()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var hm *monitoring.HealthMonitor
	if *monitorAddr != "" {
		hm = monitoring.NewHealthMonitor()
		if err := hm.Start(*monitorAddr); err != nil {
			log.Error("monitoring failed to start", "err", err)
			os.Exit(1)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			hm.Stop(sctx)
		}()
	}

	vocab, err := tokenizer.Load(*vocabPath)
	if err != nil {
		log.Error("vocabulary load failed", "err", err)
		os.Exit(1)
	}

	store, err := loadStore(ctx, log)
	if err != nil {
		log.Error("checkpoint load failed", "err", err)
		os.Exit(1)
	}

	rt := config.Runtime{
		MemoryLimitBytes: *memLimit,
		SlotCount:        *slots,
		PrefetchDepth:    *prefetch,
		Threads:          *threads,
		DebugNumerics:    *debugNum,
	}
	rt.FromEnv()

	e, err := engine.Load(store, rt, vocab)
	if err != nil {
		log.Error("model load failed", "err", err)
		os.Exit(1)
	}
	if hm != nil {
		hm.SetEngine(e)
	}

	cfg := engine.SamplingConfig{
		TopP:             *topP,
		TopN:             *topN,
		Temperature:      *temp,
		FrequencyPenalty: *freqPen,
		PresencePenalty:  *presPen,
		MaxTokens:        *maxTokens,
		Seed:             *seed,
	}

	if *text != "" {
		res, err := e.FillBlank(ctx, *text, cfg)
		if err != nil {
			log.Error("fill failed", "err", err)
			os.Exit(1)
		}
		for i, span := range res.Spans {
			fmt.Printf("span %d @ %d: %s\n", i, span.Position, span.Text)
		}
		log.Info("request finished",
			"tokens", res.TokensGenerated,
			"finish", string(res.Finish),
			"duration", res.Duration)
		return
	}

	var stopSeqs []string
	if *stopList != "" {
		stopSeqs = strings.Split(*stopList, ",")
	}
	out, res, err := e.Generate(ctx, *prompt, cfg, stopSeqs)
	if err != nil {
		log.Error("generation failed", "err", err)
		os.Exit(1)
	}
	fmt.Println(*prompt + out)
	log.Info("request finished",
		"tokens", res.TokensGenerated,
		"finish", string(res.Finish),
		"duration", res.Duration)
}

func loadStore(ctx context.Context, log *logger.Logger) (*quant.Store, error) {
	if *flightAddr != "" {
		log.Info("fetching checkpoint", "addr", *flightAddr, "name", *flightName)
		c, err := flightsource.Dial(*flightAddr)
		if err != nil {
			return nil, err
		}
		defer c.Close()
		return c.Fetch(ctx, *flightName)
	}
	log.Info("reading checkpoint", "path", *modelPath)
	return checkpoint.ReadFile(*modelPath)
}
