package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jonwraymond/ruleops/document"
	"github.com/jonwraymond/ruleops/engine"
	"github.com/jonwraymond/ruleops/selector"
	"github.com/jonwraymond/ruleops/server"
)

var (
	runSelector string
	runInput    string
	runBatch    bool
	runProfile  bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute rules once and print the result",
	Long: `Load the configured rules, execute a selector against an input document
and print the result.

The selector file is YAML or JSON:

  tags: [billing]
  mode:
    type: mixed
    groups:
      - {rules: [validate], mode: sequential}
      - {rules: [discount, tax], mode: parallel}

The input is a JSON or YAML document read from --input, or stdin when
--input is "-". With --batch the input must be a list; each element is
evaluated against the selected rules independently.

Examples:
  ruleops run --selector billing.yaml --input order.json
  cat orders.json | ruleops run --selector billing.yaml --input - --batch`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		sel, err := selector.LoadFile(runSelector)
		if err != nil {
			return err
		}
		input, err := readInput(cmd.InOrStdin(), runInput)
		if err != nil {
			return err
		}

		a, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = a.close(shutdownCtx)
		}()
		if err := a.versions.Initialize(ctx); err != nil {
			return err
		}

		opts := []engine.Option{engine.WithProfile(runProfile || cfg.Engine.Profile)}
		if runBatch {
			return runBatchInputs(ctx, cmd.OutOrStdout(), a, sel, input, opts)
		}

		res, err := a.engine.Execute(ctx, sel, input, opts...)
		if res == nil {
			return err
		}
		if perr := printValue(cmd.OutOrStdout(), server.NewResultResponse(res, err)); perr != nil {
			return perr
		}
		if err != nil {
			return err
		}
		if res.Failed() {
			return fmt.Errorf("%d of %d rules failed", len(res.Errors), len(res.Errors)+len(res.Results))
		}
		return nil
	},
}

func runBatchInputs(ctx context.Context, out io.Writer, a *app, sel selector.Selector, input document.Value, opts []engine.Option) error {
	inputs, ok := input.AsList()
	if !ok {
		return fmt.Errorf("--batch needs a list input, got %s", input.Kind())
	}

	plan, err := a.engine.Plan(ctx, sel)
	if err != nil {
		return err
	}
	br, err := a.engine.ExecuteBatch(ctx, plan.RuleIDs, inputs, opts...)
	if perr := printValue(out, server.NewBatchResponse(br, err)); perr != nil {
		return perr
	}
	return err
}

func readInput(stdin io.Reader, path string) (document.Value, error) {
	var (
		data []byte
		err  error
	)
	switch path {
	case "":
		return document.Null(), nil
	case "-":
		data, err = io.ReadAll(stdin)
	default:
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return document.Value{}, fmt.Errorf("read input: %w", err)
	}
	if v, err := document.Parse(data); err == nil {
		return v, nil
	}
	var v document.Value
	if err := yaml.Unmarshal(data, &v); err != nil {
		return document.Value{}, fmt.Errorf("input is neither JSON nor YAML: %w", err)
	}
	return v, nil
}

// printValue writes v in the --format encoding.
func printValue(w io.Writer, v any) error {
	switch format {
	case "yaml":
		// Round-trip through JSON so yaml uses the json field names.
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var generic any
		if err := json.Unmarshal(b, &generic); err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(generic); err != nil {
			return err
		}
		return enc.Close()
	case "json", "":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	default:
		return fmt.Errorf("unknown format %q, want json or yaml", format)
	}
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVar(&runSelector, "selector", "", "Selector file (YAML or JSON)")
	runCmd.Flags().StringVar(&runInput, "input", "", `Input document (JSON or YAML), "-" for stdin`)
	runCmd.Flags().BoolVar(&runBatch, "batch", false, "Treat the input as a list of documents")
	runCmd.Flags().BoolVar(&runProfile, "profile", false, "Attach an execution profile")
	_ = runCmd.MarkFlagRequired("selector")
}
