package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/shijie-nv/houseagent/config"
	"github.com/shijie-nv/houseagent/housebot"
	"github.com/shijie-nv/houseagent/llm"
	"github.com/shijie-nv/houseagent/state"
)

// exampleStates are sample current-state documents for trying prompts.
var exampleStates = []string{
	`{"messages": [{"description of activity": "A man is standing in the office space, looking at his cell phone.", "number of people": "1", "people": [{"activity": "looking at cell phone", "description of person": {"clothing": "white shirt"}}]}]}`,
	`{"messages": [{"entity_id": "binary_sensor.front_door", "from_state": "off", "to_state": "on"}, {"entity_id": "binary_sensor.frontyard_motion", "from_state": "off", "to_state": "on"}, {"entity_id": "binary_sensor.front_door", "from_state": "on", "to_state": "off"}]}`,
}

type askOptions struct {
	caseN   int
	current string
	last    string
	dryRun  bool
}

// askCmd runs a single generation outside the pipeline.
func askCmd(flags *globalFlags) *cobra.Command {
	opts := &askOptions{}

	cmd := &cobra.Command{
		Use:   "ask",
		Short: "Narrate one state change and print the result",
		Long: `Ask renders the prompt templates for a single state change, sends them
to the configured model, and prints the response with timing.

Without --state, one of the built-in example states is used (see --case).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(cmd.ErrOrStderr(), flags.logLevel)
			cfg, err := loadConfig(flags, logger)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			var client llm.Completer
			if !opts.dryRun {
				c, err := newLLMClient(cfg, logger)
				if err != nil {
					return err
				}
				client = c
			}
			return ask(cmd.Context(), cmd.OutOrStdout(), cfg, client, opts)
		},
	}

	cmd.Flags().IntVar(&opts.caseN, "case", 1, fmt.Sprintf("Example state to use (1-%d)", len(exampleStates)))
	cmd.Flags().StringVar(&opts.current, "state", "", "Current state JSON (overrides --case)")
	cmd.Flags().StringVar(&opts.last, "last", "{}", "Previous state JSON")
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "Print the rendered prompt without calling the model")

	return cmd
}

func ask(ctx context.Context, w io.Writer, cfg *config.Config, client llm.Completer, opts *askOptions) error {
	currentJSON := opts.current
	if currentJSON == "" {
		if opts.caseN < 1 || opts.caseN > len(exampleStates) {
			return fmt.Errorf("case %d not found, available: 1-%d", opts.caseN, len(exampleStates))
		}
		currentJSON = exampleStates[opts.caseN-1]
	}

	current, err := state.Parse([]byte(currentJSON))
	if err != nil {
		return fmt.Errorf("parse current state: %w", err)
	}
	last, err := state.Parse([]byte(opts.last))
	if err != nil {
		return fmt.Errorf("parse last state: %w", err)
	}

	if opts.dryRun {
		templates, err := housebot.LoadTemplates(cfg.HouseBotConfig())
		if err != nil {
			return err
		}
		for _, m := range templates.Render(current, last, nil) {
			fmt.Fprintf(w, "=== %s ===\n%s\n", m.Role, m.Content)
		}
		return nil
	}

	bot, err := housebot.New(cfg.HouseBotConfig(), client, nil)
	if err != nil {
		return err
	}

	start := time.Now()
	text, err := bot.Generate(ctx, current, last, nil)
	if errors.Is(err, llm.ErrModelNotFound) {
		return fmt.Errorf("%w\n\nPull it first, e.g. `ollama pull %s`", err, cfg.Model.Endpoints[0].Model)
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "Model: %s\n", cfg.Model.Endpoints[0].Model)
	fmt.Fprintf(w, "Temperature: %g\n", cfg.Model.Temperature)
	fmt.Fprintf(w, "Time: %.3fs\n", time.Since(start).Seconds())
	fmt.Fprintln(w, "--- Response ---")
	fmt.Fprintln(w, housebot.StripEmojis(text))
	return nil
}
