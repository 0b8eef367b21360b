package main

import "github.com/urfave/cli/v3"

var (
	configFile  string
	fileConfig  Config
	modelDir    string
	quantMode   string
	quantType   string
	doubleQuant bool
	dtype       string
	threads     int64
	maxSeqLen   int64
	seed        uint64
	logLevel    string
	logFormat   string
	debug       bool
)

func commonModelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Aliases:     []string{"m"},
			Usage:       "base model directory (config.json + safetensors)",
			Destination: &modelDir,
		},
		&cli.StringFlag{
			Name:        "quant",
			Usage:       "base weight quantization (none, 8bit, 4bit)",
			Value:       "none",
			Destination: &quantMode,
		},
		&cli.StringFlag{
			Name:        "quant-type",
			Usage:       "4-bit code book (nf4, fp4)",
			Value:       "nf4",
			Destination: &quantType,
		},
		&cli.BoolFlag{
			Name:        "double-quant",
			Usage:       "quantize 4-bit block scales",
			Destination: &doubleQuant,
		},
		&cli.StringFlag{
			Name:        "dtype",
			Usage:       "compute dtype (f32, f16, bf16)",
			Value:       "f32",
			Destination: &dtype,
		},
		&cli.Int64Flag{
			Name:        "threads",
			Usage:       "worker threads for attention and loading (0 = GOMAXPROCS)",
			Destination: &threads,
		},
		&cli.Int64Flag{
			Name:        "max-seq-len",
			Aliases:     []string{"ctx"},
			Usage:       "override the rotary table length (0 = from config.json)",
			Destination: &maxSeqLen,
		},
		&cli.Uint64Flag{
			Name:        "seed",
			Usage:       "seed for adapter initialisation and dropout (0 = random)",
			Destination: &seed,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}
