package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jcheng510/ai-erp-system-sub003/internal/api"
	"github.com/jcheng510/ai-erp-system-sub003/internal/catalog"
	"github.com/jcheng510/ai-erp-system-sub003/internal/diagram"
	"github.com/jcheng510/ai-erp-system-sub003/internal/engine"
	"github.com/jcheng510/ai-erp-system-sub003/internal/pipeline"
	"github.com/jcheng510/ai-erp-system-sub003/internal/processors"
)

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator loops and the admin API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd)
			defer stop()

			a, err := buildApp(ctx, opts.cfg, opts.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.orch.Start(ctx); err != nil {
				return err
			}
			srv := api.NewServer(api.Deps{
				Store:      a.store,
				Controller: a.orch,
				Pipelines:  a.pipelines,
				Exceptions: a.exceptions,
				Hub:        a.hub,
				Pools:      map[string]*engine.WorkerPool{"runs": a.runPool, "stages": a.stagePool},
				Logger:     a.logger,
			}, a.cfg.API)
			return srv.ListenAndServe(ctx)
		},
	}
}

func newMCPCmd(opts *rootOptions) *cobra.Command {
	var withLoops bool
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve the agent tools over MCP stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd)
			defer stop()

			a, err := buildApp(ctx, opts.cfg, opts.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			if withLoops {
				if err := a.orch.Start(ctx); err != nil {
					return err
				}
			}
			return a.mcpServer().Serve(ctx)
		},
	}
	cmd.Flags().BoolVar(&withLoops, "loops", false, "also run the periodic loops in this process")
	return cmd
}

func newTriggerCmd(opts *rootOptions) *cobra.Command {
	var rawInput, userID string
	cmd := &cobra.Command{
		Use:   "trigger <definition-id>",
		Short: "Run a workflow definition once and print the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input, err := parseInput(rawInput)
			if err != nil {
				return err
			}
			ctx, stop := signalContext(cmd)
			defer stop()

			a, err := buildApp(ctx, opts.cfg, opts.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			result, err := a.orch.TriggerWorkflow(ctx, args[0], input, userID)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), result)
		},
	}
	cmd.Flags().StringVar(&rawInput, "input", "", "run input as a JSON object")
	cmd.Flags().StringVar(&userID, "user", "cli", "user recorded as the trigger source")
	return cmd
}

func newPipelineCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pipeline",
		Short: "Run or draw registered pipelines",
	}
	cmd.AddCommand(newPipelineRunCmd(opts), newPipelineShowCmd(opts))
	return cmd
}

func newPipelineRunCmd(opts *rootOptions) *cobra.Command {
	var rawInput, userID string
	cmd := &cobra.Command{
		Use:   "run <pipeline-id>",
		Short: "Execute a pipeline wave by wave and print the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input, err := parseInput(rawInput)
			if err != nil {
				return err
			}
			ctx, stop := signalContext(cmd)
			defer stop()

			a, err := buildApp(ctx, opts.cfg, opts.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			result, err := a.orch.ExecutePipeline(ctx, args[0], input, userID)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), result)
		},
	}
	cmd.Flags().StringVar(&rawInput, "input", "", "pipeline input as a JSON object")
	cmd.Flags().StringVar(&userID, "user", "cli", "user recorded as the trigger source")
	return cmd
}

func newPipelineShowCmd(opts *rootOptions) *cobra.Command {
	var format, output string
	cmd := &cobra.Command{
		Use:   "show <pipeline-id>",
		Short: "Draw a catalog pipeline as mermaid, ascii, png or svg",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := loadCatalog(opts.cfg.CatalogPath)
			if err != nil {
				return err
			}
			reg := pipeline.NewRegistry(nil)
			for i := range cat.Pipelines {
				if err := reg.Register(&cat.Pipelines[i]); err != nil {
					return err
				}
			}
			p, err := reg.Get(args[0])
			if err != nil {
				return err
			}
			model := diagram.Build(p, nil)

			var out []byte
			switch format {
			case "mermaid":
				out = []byte(diagram.RenderMermaid(model))
			case "ascii":
				out = []byte(diagram.RenderASCII(model))
			case string(diagram.FormatPNG), string(diagram.FormatSVG):
				if out, err = diagram.RenderImage(cmd.Context(), model, diagram.ImageFormat(format)); err != nil {
					return err
				}
			default:
				return fmt.Errorf("unknown format %q: use mermaid, ascii, png or svg", format)
			}

			if output != "" {
				return os.WriteFile(output, out, 0o644)
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "mermaid", "output format: mermaid, ascii, png, svg")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to a file instead of stdout")
	return cmd
}

func newApproveCmd(opts *rootOptions) *cobra.Command {
	var reject bool
	var resolver, notes string
	cmd := &cobra.Command{
		Use:   "approve <approval-id>",
		Short: "Approve (or with --reject, reject) a pending approval request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd)
			defer stop()

			a, err := buildApp(ctx, opts.cfg, opts.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.orch.ProcessApproval(ctx, args[0], !reject, resolver, notes)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().BoolVar(&reject, "reject", false, "reject instead of approve")
	cmd.Flags().StringVar(&resolver, "resolver", "cli", "who made the decision")
	cmd.Flags().StringVar(&notes, "notes", "", "resolution notes")
	return cmd
}

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := openStore(cmd.Context(), opts.cfg.DBPath)
			if err != nil {
				return err
			}
			defer s.Close()
			opts.logger.InfoContext(cmd.Context(), "migrations applied", slog.String("db_path", opts.cfg.DBPath))
			return nil
		},
	}
}

func newCatalogCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Inspect the workflow catalog",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Validate the catalog against the configured processors",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cat, err := loadCatalog(opts.cfg.CatalogPath)
			if err != nil {
				return err
			}
			registry, err := processors.Build(cat.Bindings(opts.cfg.Processors))
			if err != nil {
				return err
			}
			checker, err := catalog.NewChecker()
			if err != nil {
				return err
			}
			result := checker.Check(cat, registry.Has)
			if err := printJSON(cmd.OutOrStdout(), result); err != nil {
				return err
			}
			return result.ToError()
		},
	})
	return cmd
}
