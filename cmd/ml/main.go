package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"meterline/internal/app"
	"meterline/internal/config"
	"meterline/internal/db"
	"meterline/internal/domain"
	"meterline/internal/engine"
	"meterline/internal/migrate"
	"meterline/internal/repo"
	"meterline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "ml",
	Short: "Meterline CLI",
	Long: `Meterline runs utility field metering and debt collection.
Core concepts:
- Workspace: the .meterline directory holding the database; agency configs are stored in the DB and imported explicitly.
- Billing cycle: one month of metering for an agency, split into rounds.
- Round: a geographic walk of meters; progress rolls up from reading facts.
- Assignment: one agent on one round at a time, ASSIGNED -> IN_PROGRESS -> FINISHED -> VALIDATED.
- Collection case: an unpaid client debt worked through field actions.
- Payment plan: the debt split into installments; overdue ones go LATE via 'ml sweep'.
- Event log: journal of every change, view with 'ml log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("METERLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("agency", "", "agency code (overrides config)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("agency", rootCmd.PersistentFlags().Lookup("agency"))
}

func registerCommands() {
	rootCmd.AddCommand(agencyCmd())
	rootCmd.AddCommand(cycleCmd())
	rootCmd.AddCommand(roundCmd())
	rootCmd.AddCommand(assignCmd())
	rootCmd.AddCommand(readCmd())
	rootCmd.AddCommand(collectCmd())
	rootCmd.AddCommand(planCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func agencyCmd() *cobra.Command {
	agency := &cobra.Command{Use: "agency", Short: "Manage the agency and its config"}
	agency.AddCommand(agencyInitCmd())
	agency.AddCommand(agencyConfigCmd())
	return agency
}

func agencyInitCmd() *cobra.Command {
	var code string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default meterline.yml for an agency",
		RunE: func(cmd *cobra.Command, args []string) error {
			if code == "" {
				return fmt.Errorf("--code required")
			}
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(code)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&code, "code", "", "agency code")
	_ = cmd.MarkFlagRequired("code")
	return cmd
}

func agencyConfigCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage agency config stored in the DB"}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show agency config stored in DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	})
	cfg.AddCommand(agencyConfigImportCmd())
	return cfg
}

func agencyConfigImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import agency config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.UpsertAgencyConfig(ctx, cfg.Agency.Code, cfg); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func cycleCmd() *cobra.Command {
	cycle := &cobra.Command{
		Use:   "cycle",
		Short: "Manage billing cycles",
		Long:  "A billing cycle is one month of metering. It finishes only when every round is finished or closed, and closes only when every round is closed.",
	}
	cycle.AddCommand(cycleCreateCmd())
	cycle.AddCommand(cycleListCmd())
	cycle.AddCommand(cycleShowCmd())
	cycle.AddCommand(cycleTransitionCmd("start", "Start a billing cycle", (*engine.Engine).StartCycle))
	cycle.AddCommand(cycleTransitionCmd("finish", "Finish a billing cycle", (*engine.Engine).FinishCycle))
	cycle.AddCommand(cycleTransitionCmd("close", "Close a billing cycle", (*engine.Engine).CloseCycle))
	cycle.AddCommand(cycleTransitionCmd("reopen", "Reopen a billing cycle", (*engine.Engine).ReopenCycle))
	cycle.AddCommand(cycleRecomputeCmd())
	return cycle
}

func cycleCreateCmd() *cobra.Command {
	var opts engine.CycleCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a billing cycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				c, err := e.CreateCycle(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "cycle id (optional, deterministic UUID if omitted)")
	cmd.Flags().StringVar(&opts.Code, "code", "", "cycle code")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().IntVar(&opts.FiscalYear, "year", 0, "fiscal year")
	cmd.Flags().IntVar(&opts.FiscalMonth, "month", 0, "fiscal month (1..12)")
	_ = cmd.MarkFlagRequired("code")
	_ = cmd.MarkFlagRequired("year")
	_ = cmd.MarkFlagRequired("month")
	return cmd
}

func cycleListCmd() *cobra.Command {
	var f repo.CycleFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List billing cycles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				f.AgencyCode = e.Config.Agency.Code
				cycles, err := e.Repo.ListCycles(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cycles)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Code", "Status", "Rounds", "Read/Total", "Rate"})
				for _, c := range cycles {
					tw.AppendRow(table.Row{c.ID, c.Code, c.Status, c.RoundCount,
						fmt.Sprintf("%d/%d", c.ReadClientCount, c.ClientCount), c.CompletionRate.String()})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().IntVar(&f.FiscalYear, "year", 0, "fiscal year filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "limit")
	return cmd
}

func cycleShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <cycle_id>",
		Short: "Show a billing cycle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				c, err := e.Repo.GetCycle(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	return cmd
}

func cycleTransitionCmd(use, short string, fn func(*engine.Engine, context.Context, string, string) (domain.BillingCycle, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <cycle_id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				c, err := fn(e, ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
}

func cycleRecomputeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recompute <cycle_id>",
		Short: "Recompute a cycle's counts from its rounds",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				c, err := e.RecomputeBillingCycle(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
}

func roundCmd() *cobra.Command {
	round := &cobra.Command{
		Use:   "round",
		Short: "Manage rounds",
		Long:  "Rounds are geographic walks of meters inside a cycle. Attach meters, record readings, and the completion rate rolls up automatically.",
	}
	round.AddCommand(roundCreateCmd())
	round.AddCommand(roundListCmd())
	round.AddCommand(roundShowCmd())
	round.AddCommand(roundTransitionCmd("start", "Start a round", (*engine.Engine).StartRound))
	round.AddCommand(roundTransitionCmd("finish", "Finish a round", (*engine.Engine).FinishRound))
	round.AddCommand(roundTransitionCmd("close", "Close a round", (*engine.Engine).CloseRound))
	round.AddCommand(roundTransitionCmd("reopen", "Reopen a round", (*engine.Engine).ReopenRound))
	round.AddCommand(roundAttachCmd())
	round.AddCommand(roundMetersCmd())
	round.AddCommand(roundResetOrderCmd())
	round.AddCommand(roundRecomputeCmd())
	return round
}

func roundCreateCmd() *cobra.Command {
	var opts engine.RoundCreateOptions
	var priority int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a round inside a cycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			if cmd.Flags().Changed("priority") {
				opts.PriorityOrder = &priority
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				rd, err := e.CreateRound(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(rd)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "round id (optional)")
	cmd.Flags().StringVar(&opts.CycleID, "cycle", "", "cycle id")
	cmd.Flags().StringVar(&opts.Code, "code", "", "round code")
	cmd.Flags().StringVar(&opts.Label, "label", "", "label")
	cmd.Flags().StringVar(&opts.Zone, "zone", "", "zone")
	cmd.Flags().StringVar(&opts.Commune, "commune", "", "commune")
	cmd.Flags().StringVar(&opts.Quartier, "quartier", "", "quartier")
	cmd.Flags().IntVar(&opts.EstimatedMeterCount, "estimated-meters", 0, "estimated meter count")
	cmd.Flags().IntVar(&priority, "priority", 0, "priority order (lower walks first)")
	_ = cmd.MarkFlagRequired("cycle")
	_ = cmd.MarkFlagRequired("code")
	_ = cmd.MarkFlagRequired("label")
	return cmd
}

func roundListCmd() *cobra.Command {
	var f repo.RoundFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List rounds",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if f.CycleID == "" {
					f.AgencyCode = e.Config.Agency.Code
				}
				rounds, err := e.Repo.ListRounds(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rounds)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Code", "Label", "Status", "Read/Total", "Rate"})
				for _, rd := range rounds {
					tw.AppendRow(table.Row{rd.ID, rd.Code, rd.Label, rd.Status,
						fmt.Sprintf("%d/%d", rd.ReadMeters, rd.TotalMeters), rd.CompletionRate.String()})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.CycleID, "cycle", "", "cycle id filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Commune, "commune", "", "commune filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "limit")
	return cmd
}

func roundShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <round_id>",
		Short: "Show a round",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				rd, err := e.Repo.GetRound(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(rd)
			})
		},
	}
}

func roundTransitionCmd(use, short string, fn func(*engine.Engine, context.Context, string, string) (domain.Round, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <round_id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				rd, err := fn(e, ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(rd)
			})
		},
	}
}

func roundAttachCmd() *cobra.Command {
	var roundID string
	var meterIDs []string
	cmd := &cobra.Command{
		Use:   "attach",
		Short: "Attach meters to a round",
		RunE: func(cmd *cobra.Command, args []string) error {
			meters := make([]engine.MeterAttach, 0, len(meterIDs))
			for _, id := range meterIDs {
				// "meter-id" or "meter-id=meter-number"
				parts := strings.SplitN(id, "=", 2)
				m := engine.MeterAttach{MeterID: parts[0]}
				if len(parts) == 2 {
					m.MeterNumber = parts[1]
				}
				meters = append(meters, m)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				attached, err := e.AttachMeters(ctx, roundID, meters, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(attached)
			})
		},
	}
	cmd.Flags().StringVar(&roundID, "round", "", "round id")
	cmd.Flags().StringArrayVar(&meterIDs, "meter", []string{}, "meter id, optionally meter-id=meter-number (repeatable)")
	_ = cmd.MarkFlagRequired("round")
	_ = cmd.MarkFlagRequired("meter")
	return cmd
}

func roundMetersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "meters <round_id>",
		Short: "List meters of a round in pass order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				meters, err := e.Repo.ListMeterAttachments(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(meters)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Order", "Meter", "Number", "Read", "Anomaly"})
				for _, m := range meters {
					tw.AppendRow(table.Row{m.PassOrder, m.MeterID, m.MeterNumber, m.IsRead, m.HasAnomaly})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func roundResetOrderCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset-order <round_id>",
		Short: "Renumber the round's pass order by meter id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return e.ResetRoundPassOrder(ctx, args[0])
			})
		},
	}
}

func roundRecomputeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recompute <round_id>",
		Short: "Recompute a round's counts from its reading facts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				rd, err := e.RecomputeRound(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(rd)
			})
		},
	}
}

func assignCmd() *cobra.Command {
	assign := &cobra.Command{
		Use:   "assign",
		Short: "Manage round assignments",
		Long:  "An assignment puts one agent on one round. A round carries at most one active assignment at a time; finishing freezes the progress snapshot and a supervisor validates it.",
	}
	assign.AddCommand(assignCreateCmd())
	assign.AddCommand(assignListCmd())
	assign.AddCommand(assignShowCmd())
	assign.AddCommand(assignTransitionCmd("start", "Start an assignment", (*engine.Engine).StartAssignment))
	assign.AddCommand(assignTransitionCmd("pause", "Pause an assignment", (*engine.Engine).PauseAssignment))
	assign.AddCommand(assignTransitionCmd("resume", "Resume an assignment", (*engine.Engine).ResumeAssignment))
	assign.AddCommand(assignTransitionCmd("finish", "Finish an assignment", (*engine.Engine).FinishAssignment))
	assign.AddCommand(assignTransitionCmd("validate", "Validate a finished assignment", (*engine.Engine).ValidateAssignment))
	assign.AddCommand(assignCancelCmd())
	return assign
}

func assignCreateCmd() *cobra.Command {
	var roundID, agentID string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Assign an agent to a round",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				a, err := e.Assign(ctx, roundID, agentID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&roundID, "round", "", "round id")
	cmd.Flags().StringVar(&agentID, "agent", "", "agent id")
	_ = cmd.MarkFlagRequired("round")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}

func assignListCmd() *cobra.Command {
	var f repo.AssignmentFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List assignments",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.Repo.ListAssignments(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Round", "Agent", "Status", "Read/Total"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.ID, a.RoundID, a.AgentID, a.Status,
						fmt.Sprintf("%d/%d", a.ReadMeters, a.TotalMeters)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.RoundID, "round", "", "round id filter")
	cmd.Flags().StringVar(&f.AgentID, "agent", "", "agent id filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "limit")
	return cmd
}

func assignShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <assignment_id>",
		Short: "Show an assignment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				a, err := e.Repo.GetAssignment(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
}

func assignTransitionCmd(use, short string, fn func(*engine.Engine, context.Context, string, engine.AssignmentOptions) (domain.Assignment, error)) *cobra.Command {
	var lat, lng float64
	var observations string
	cmd := &cobra.Command{
		Use:   use + " <assignment_id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.AssignmentOptions{
				Observations: observations,
				ActorID:      viper.GetString("actor-id"),
			}
			if cmd.Flags().Changed("lat") {
				opts.Latitude = &lat
			}
			if cmd.Flags().Changed("lng") {
				opts.Longitude = &lng
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				a, err := fn(e, ctx, args[0], opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().Float64Var(&lat, "lat", 0, "latitude")
	cmd.Flags().Float64Var(&lng, "lng", 0, "longitude")
	cmd.Flags().StringVar(&observations, "observations", "", "observations")
	return cmd
}

func assignCancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <assignment_id>",
		Short: "Cancel an assignment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				a, err := e.CancelAssignment(ctx, args[0], reason, engine.AssignmentOptions{ActorID: viper.GetString("actor-id")})
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "cancel reason")
	return cmd
}

func readCmd() *cobra.Command {
	read := &cobra.Command{Use: "read", Short: "Record and revert meter readings"}
	read.AddCommand(readRecordCmd())
	read.AddCommand(readUndoCmd())
	return read
}

func readRecordCmd() *cobra.Command {
	var roundID, meterID string
	var anomaly bool
	var lat, lng float64
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record a meter reading fact",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor := viper.GetString("actor-id")
			opts := engine.ReadOptions{ReadBy: actor, ActorID: actor}
			if cmd.Flags().Changed("lat") {
				opts.Latitude = &lat
			}
			if cmd.Flags().Changed("lng") {
				opts.Longitude = &lng
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				rd, err := e.OnMeterRead(ctx, roundID, meterID, anomaly, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(rd)
			})
		},
	}
	cmd.Flags().StringVar(&roundID, "round", "", "round id")
	cmd.Flags().StringVar(&meterID, "meter", "", "meter id")
	cmd.Flags().BoolVar(&anomaly, "anomaly", false, "reading found an anomaly")
	cmd.Flags().Float64Var(&lat, "lat", 0, "latitude")
	cmd.Flags().Float64Var(&lng, "lng", 0, "longitude")
	_ = cmd.MarkFlagRequired("round")
	_ = cmd.MarkFlagRequired("meter")
	return cmd
}

func readUndoCmd() *cobra.Command {
	var roundID, meterID string
	cmd := &cobra.Command{
		Use:   "undo",
		Short: "Revert a meter reading fact",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				rd, err := e.OnMeterUnread(ctx, roundID, meterID, engine.ReadOptions{ActorID: viper.GetString("actor-id")})
				if err != nil {
					return err
				}
				return printJSONOrTable(rd)
			})
		},
	}
	cmd.Flags().StringVar(&roundID, "round", "", "round id")
	cmd.Flags().StringVar(&meterID, "meter", "", "meter id")
	_ = cmd.MarkFlagRequired("round")
	_ = cmd.MarkFlagRequired("meter")
	return cmd
}

func collectCmd() *cobra.Command {
	collect := &cobra.Command{
		Use:   "collect",
		Short: "Manage collection cases",
		Long:  "A collection case tracks one unpaid client debt. Field actions (visits, payments, meter cuts) move it PENDING -> IN_PROGRESS; it ends RESOLVED or goes to ESCALATED for legal follow-up.",
	}
	collect.AddCommand(collectOpenCmd())
	collect.AddCommand(collectListCmd())
	collect.AddCommand(collectShowCmd())
	collect.AddCommand(collectTransitionCmd("engage", "Engage a case", (*engine.Engine).EngageCase))
	collect.AddCommand(collectTransitionCmd("resolve", "Resolve a case", (*engine.Engine).ResolveCase))
	collect.AddCommand(collectTransitionCmd("escalate", "Escalate a case", (*engine.Engine).EscalateCase))
	collect.AddCommand(collectActionCmd())
	collect.AddCommand(collectActionsCmd())
	return collect
}

func collectOpenCmd() *cobra.Command {
	var opts engine.CaseOpenOptions
	var amountDue string
	cmd := &cobra.Command{
		Use:   "open",
		Short: "Open a collection case",
		RunE: func(cmd *cobra.Command, args []string) error {
			due, err := decimal.NewFromString(amountDue)
			if err != nil {
				return fmt.Errorf("--amount-due must be a decimal: %w", err)
			}
			opts.AmountDue = due
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				c, err := e.OpenCase(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "case id (optional)")
	cmd.Flags().StringVar(&opts.ClientID, "client", "", "client id")
	cmd.Flags().StringVar(&opts.ClientName, "client-name", "", "client name")
	cmd.Flags().StringVar(&opts.ContractRef, "contract", "", "contract reference")
	cmd.Flags().StringVar(&opts.AgentID, "agent", "", "assigned agent id")
	cmd.Flags().StringVar(&amountDue, "amount-due", "", "amount due")
	_ = cmd.MarkFlagRequired("client")
	_ = cmd.MarkFlagRequired("contract")
	_ = cmd.MarkFlagRequired("amount-due")
	return cmd
}

func collectListCmd() *cobra.Command {
	var f repo.CaseFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List collection cases",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				f.AgencyCode = e.Config.Agency.Code
				cases, err := e.Repo.ListCases(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cases)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Client", "Contract", "Status", "Due", "Collected", "Plan"})
				for _, c := range cases {
					tw.AppendRow(table.Row{c.ID, c.ClientID, c.ContractRef, c.Status,
						c.AmountDue.String(), c.AmountCollected.String(), c.HasPaymentPlan})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.ClientID, "client", "", "client id filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "limit")
	return cmd
}

func collectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <case_id>",
		Short: "Show a collection case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				c, err := e.Repo.GetCase(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
}

func collectTransitionCmd(use, short string, fn func(*engine.Engine, context.Context, string, string) (domain.CollectionCase, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <case_id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				c, err := fn(e, ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
}

func collectActionCmd() *cobra.Command {
	var caseID, agentID, actionType, amount, observations string
	var lat, lng float64
	cmd := &cobra.Command{
		Use:   "action",
		Short: "Record a field action on a case",
		RunE: func(cmd *cobra.Command, args []string) error {
			amt := decimal.Zero
			if amount != "" {
				var err error
				amt, err = decimal.NewFromString(amount)
				if err != nil {
					return fmt.Errorf("--amount must be a decimal: %w", err)
				}
			}
			opts := engine.ActionOptions{
				AgentID:      agentID,
				Type:         actionType,
				Amount:       amt,
				Observations: observations,
				ActorID:      viper.GetString("actor-id"),
			}
			if cmd.Flags().Changed("lat") {
				opts.Latitude = &lat
			}
			if cmd.Flags().Changed("lng") {
				opts.Longitude = &lng
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				act, err := e.RecordAction(ctx, caseID, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(act)
			})
		},
	}
	cmd.Flags().StringVar(&caseID, "case", "", "case id")
	cmd.Flags().StringVar(&agentID, "agent", "", "agent id")
	cmd.Flags().StringVar(&actionType, "type", "", "action type (PAYMENT, VISIT, METER_CUT, METER_REMOVED, PROMISE)")
	cmd.Flags().StringVar(&amount, "amount", "", "payment amount")
	cmd.Flags().StringVar(&observations, "observations", "", "observations")
	cmd.Flags().Float64Var(&lat, "lat", 0, "latitude")
	cmd.Flags().Float64Var(&lng, "lng", 0, "longitude")
	_ = cmd.MarkFlagRequired("case")
	_ = cmd.MarkFlagRequired("agent")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func collectActionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "actions <case_id>",
		Short: "List actions of a case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.Repo.ListCaseActions(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
}

func planCmd() *cobra.Command {
	plan := &cobra.Command{
		Use:   "plan",
		Short: "Manage payment plans",
		Long:  "A payment plan splits a case's debt into installments. Installment amounts always sum exactly to the plan total; the last one absorbs the remainder cents.",
	}
	plan.AddCommand(planCreateCmd())
	plan.AddCommand(planShowCmd())
	plan.AddCommand(planInstallmentsCmd())
	plan.AddCommand(planPayCmd())
	plan.AddCommand(planTransitionCmd("cancel", "Cancel a plan", (*engine.Engine).CancelPlan))
	plan.AddCommand(planTransitionCmd("default", "Default a plan", (*engine.Engine).DefaultPlan))
	plan.AddCommand(planTransitionCmd("recompute", "Recompute a plan from its installments", (*engine.Engine).RecomputePlan))
	return plan
}

func planCreateCmd() *cobra.Command {
	var opts engine.PlanCreateOptions
	var total, initialPct string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Grant a payment plan on a case",
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := decimal.NewFromString(total)
			if err != nil {
				return fmt.Errorf("--total must be a decimal: %w", err)
			}
			opts.TotalAmount = t
			if initialPct != "" {
				pct, err := decimal.NewFromString(initialPct)
				if err != nil {
					return fmt.Errorf("--initial-pct must be a decimal: %w", err)
				}
				opts.InitialPercentage = pct
			}
			opts.ActorID = viper.GetString("actor-id")
			if opts.GrantedBy == "" {
				opts.GrantedBy = opts.ActorID
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				p, err := e.CreatePlan(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&opts.CaseID, "case", "", "case id")
	cmd.Flags().StringVar(&total, "total", "", "total amount")
	cmd.Flags().StringVar(&initialPct, "initial-pct", "", "initial payment as a fraction in [0,1)")
	cmd.Flags().IntVar(&opts.InstallmentCount, "count", 0, "installment count")
	cmd.Flags().StringVar(&opts.StartDate, "start", "", "start date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&opts.GrantedBy, "granted-by", "", "who granted the plan")
	cmd.Flags().StringVar(&opts.Observations, "observations", "", "observations")
	_ = cmd.MarkFlagRequired("case")
	_ = cmd.MarkFlagRequired("total")
	_ = cmd.MarkFlagRequired("count")
	_ = cmd.MarkFlagRequired("start")
	return cmd
}

func planShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <plan_id>",
		Short: "Show a payment plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				p, err := e.Repo.GetPlan(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func planInstallmentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "installments <plan_id>",
		Short: "List installments of a plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.Repo.ListPlanInstallments(ctx, nil, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Seq", "ID", "Due", "Amount", "Status", "DaysLate"})
				for _, ins := range items {
					tw.AppendRow(table.Row{ins.Sequence, ins.ID, ins.DueDate, ins.AmountDue.String(), ins.Status, ins.DaysLate})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func planPayCmd() *cobra.Command {
	var installmentID, amount, paidDate, receipt, mode string
	cmd := &cobra.Command{
		Use:   "pay",
		Short: "Pay an installment",
		RunE: func(cmd *cobra.Command, args []string) error {
			amt, err := decimal.NewFromString(amount)
			if err != nil {
				return fmt.Errorf("--amount must be a decimal: %w", err)
			}
			actor := viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				ins, err := e.PayInstallment(ctx, installmentID, engine.PayOptions{
					AmountPaid:  amt,
					PaidDate:    paidDate,
					ReceiptRef:  receipt,
					PaymentMode: mode,
					PaidBy:      actor,
					ActorID:     actor,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(ins)
			})
		},
	}
	cmd.Flags().StringVar(&installmentID, "installment", "", "installment id")
	cmd.Flags().StringVar(&amount, "amount", "", "amount paid")
	cmd.Flags().StringVar(&paidDate, "date", "", "paid date (YYYY-MM-DD, default today)")
	cmd.Flags().StringVar(&receipt, "receipt", "", "receipt reference")
	cmd.Flags().StringVar(&mode, "mode", "", "payment mode")
	_ = cmd.MarkFlagRequired("installment")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func planTransitionCmd(use, short string, fn func(*engine.Engine, context.Context, string, string) (domain.PaymentPlan, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <plan_id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				p, err := fn(e, ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func sweepCmd() *cobra.Command {
	var asOf string
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Mark overdue installments LATE",
		Long:  "Walks PENDING installments past their due date and transitions them to LATE, refreshing days-late on ones already LATE. Idempotent: re-running with the same as-of date changes nothing.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if asOf == "" {
				asOf = time.Now().UTC().Format("2006-01-02")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				n, err := e.SweepLateInstallments(ctx, asOf, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				fmt.Printf("Transitioned %d installment(s) to LATE as of %s\n", n, asOf)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&asOf, "as-of", "", "reference date (YYYY-MM-DD, default today)")
	return cmd
}

func agentCmd() *cobra.Command {
	agent := &cobra.Command{Use: "agent", Short: "Manage field agents"}
	agent.AddCommand(agentAddCmd())
	agent.AddCommand(agentListCmd())
	return agent
}

func agentAddCmd() *cobra.Command {
	var badge, name, role string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a field agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				a, err := app.RegisterAgent(ctx, e.Repo, e.Config.Agency.Code, badge, name, role)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&badge, "badge", "", "agent badge")
	cmd.Flags().StringVar(&name, "name", "", "agent name")
	cmd.Flags().StringVar(&role, "role", "agent", "role (agent, supervisor, admin)")
	_ = cmd.MarkFlagRequired("badge")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func agentListCmd() *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List field agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.Repo.ListAgents(ctx, e.Config.Agency.Code, role)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Badge", "Name", "Role"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.ID, a.Badge, a.Name, a.Role})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "role filter")
	return cmd
}

func logCmd() *cobra.Command {
	logc := &cobra.Command{Use: "log", Short: "Inspect the event journal"}
	logc.AddCommand(logTailCmd())
	return logc
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, e.Config.Agency.Code, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	key.AddCommand(apikeyCreateCmd())
	key.AddCommand(apikeyListCmd())
	key.AddCommand(apikeyDeleteCmd())
	return key
}

func apikeyCreateCmd() *cobra.Command {
	var actorID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (plaintext shown once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" {
				actorID = viper.GetString("actor-id")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				key, plaintext, err := app.MintAPIKey(ctx, r, actorID, name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"id": key.ID, "actor_id": key.ActorID, "key": plaintext})
				}
				fmt.Printf("API key %s for %s:\n%s\n", key.ID, key.ActorID, plaintext)
				fmt.Println("Store it now; only the hash is kept.")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor the key authenticates as (default --actor-id)")
	cmd.Flags().StringVar(&name, "name", "", "key name")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor filter")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key_id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			_, cfg, err := app.ResolveAgencyAndConfig(cmd.Context(), workspace, viper.GetString("agency"), r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("METERLINE_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("METERLINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			server.StartWebhookDispatcher(e)
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Meterline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	_, cfg, err := app.ResolveAgencyAndConfig(ctx, workspace, viper.GetString("agency"), r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	return fn(ctx, r)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
