// Package main provides the Nibble CLI: quantize, inspect and sample
// checkpoints from the command line.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/nibble-ml/nibble/internal/model"
	"github.com/nibble-ml/nibble/internal/pipeline"
	"github.com/nibble-ml/nibble/internal/quant"
	"github.com/nibble-ml/nibble/internal/tensor"
)

const version = "v0.1.0"

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	root := &cobra.Command{
		Use:           "nibble",
		Short:         "4-bit weight quantization for diffusion transformers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var verbose bool
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	root.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
		if verbose {
			zerolog.SetGlobalLevel(zerolog.DebugLevel)
		}
	}

	root.AddCommand(quantizeCmd(), inspectCmd(), generateCmd(), versionCmd())

	if err := root.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func quantizeCmd() *cobra.Command {
	var quantType, computeDType, storage, out string
	var doubleQuant, legacy bool

	cmd := &cobra.Command{
		Use:   "quantize MODEL_DIR",
		Short: "Quantize a checkpoint's linear weights to 4 bits",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			computeDT, err := tensor.ParseDataType(computeDType)
			if err != nil {
				return err
			}
			cfg, err := quant.New(quant.Config{
				QuantType:      quantType,
				UseDoubleQuant: doubleQuant,
				ComputeDType:   computeDT,
				QuantStorage:   storage,
			})
			if err != nil {
				return err
			}

			m, err := model.FromPretrained(args[0], model.LoadOptions{Quantization: cfg})
			if err != nil {
				return err
			}
			if out == "" {
				out = strings.TrimRight(args[0], "/") + "-4bit"
			}
			if err := m.SavePretrained(out, !legacy); err != nil {
				return err
			}
			log.Info().Str("dir", out).Int64("footprint_bytes", m.MemoryFootprint()).Msg("wrote quantized model")
			return nil
		},
	}

	cmd.Flags().StringVar(&quantType, "quant-type", quant.QuantTypeNF4, "quantization scheme (nf4 or fp4)")
	cmd.Flags().StringVar(&computeDType, "compute-dtype", "float32", "precision for dequantized arithmetic")
	cmd.Flags().StringVar(&storage, "quant-storage", "uint8", "packing container type")
	cmd.Flags().BoolVar(&doubleQuant, "double-quant", false, "quantize the absmax statistics as well")
	cmd.Flags().BoolVar(&legacy, "legacy", false, "write the legacy container instead of safetensors")
	cmd.Flags().StringVarP(&out, "out", "o", "", "output directory (default MODEL_DIR-4bit)")
	return cmd
}

func inspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect MODEL_DIR",
		Short: "Show a checkpoint's architecture, parameters and footprint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := model.FromPretrained(args[0], model.LoadOptions{})
			if err != nil {
				return err
			}

			cfg := m.Config
			fmt.Printf("class:        %s\n", model.ClassName)
			fmt.Printf("hidden dim:   %d (%d heads x %d)\n", cfg.HiddenDim(), cfg.NumAttentionHeads, cfg.AttentionHeadDim)
			fmt.Printf("layers:       %d\n", cfg.NumLayers)
			fmt.Printf("parameters:   %d\n", m.NumParameters())
			fmt.Printf("footprint:    %d bytes\n", m.MemoryFootprint())
			if qd := cfg.QuantizationDict(); qd != nil {
				fmt.Printf("quantization: %s", qd["quant_type"])
				if nested, _ := qd["use_double_quant"].(bool); nested {
					fmt.Printf(" (double quant)")
				}
				fmt.Println()
				if pre, ok := qd["_pre_quantization_dtype"]; ok {
					fmt.Printf("pre-quant dtype: %s\n", pre)
				}
			}
			return nil
		},
	}
}

func generateCmd() *cobra.Command {
	var prompt string
	var steps int
	var seed int64
	var offload bool

	cmd := &cobra.Command{
		Use:   "generate MODEL_DIR",
		Short: "Run the sampling loop and print output statistics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := model.FromPretrained(args[0], model.LoadOptions{})
			if err != nil {
				return err
			}
			p := pipeline.New(m)
			if offload {
				p.EnableModelCPUOffload()
			}

			image, err := p.Generate(pipeline.GenerateOptions{
				Prompt: prompt,
				Steps:  steps,
				Seed:   seed,
			})
			if err != nil {
				return err
			}

			var mean float64
			for _, v := range image {
				mean += float64(v)
			}
			mean /= float64(len(image))
			fmt.Printf("generated %d values, mean %.6f\n", len(image), mean)
			return nil
		},
	}

	cmd.Flags().StringVarP(&prompt, "prompt", "p", "", "text prompt")
	cmd.Flags().IntVar(&steps, "steps", 4, "number of denoising steps")
	cmd.Flags().Int64Var(&seed, "seed", 0, "sampling seed")
	cmd.Flags().BoolVar(&offload, "offload", false, "park the model on CPU between runs")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Nibble %s\n", version)
		},
	}
}
