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
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"leadline/internal/app"
	"leadline/internal/db"
	"leadline/internal/domain"
	"leadline/internal/engine"
	"leadline/internal/repo"
	"leadline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "ll",
	Short: "Leadline CLI",
	Long: `Leadline turns a list of local-business leads into ready-to-send client packages.
- Workspace: your .leadline directory holding the database; config lives in leadline.yml.
- Leads: prospects with scores, grades, and a status funnel (new -> researching -> contacted -> responded -> won/lost).
- Runs: one pipeline pass per lead; every step lands in a replay log with retries recorded.
- Assets: generated artifacts (analyses, sequences, visuals) deduplicated per lead.
- Dossiers: versioned client packages compiled at the end of a run.
- Outreach: a log of every touch, advancing fresh leads to contacted.
- Event log: diary of changes, view with 'll log tail'.`,
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
	viper.SetEnvPrefix("LEADLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().Bool("force", false, "force operation")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("force", rootCmd.PersistentFlags().Lookup("force"))
}

func registerCommands() {
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(leadCmd())
	rootCmd.AddCommand(outreachCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(assetCmd())
	rootCmd.AddCommand(dossierCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(authCmd())
	rootCmd.AddCommand(serveCmd())
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Workspace status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				counts, err := a.Engine.Repo.CountLeadsByStatus(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"lead_counts": counts})
			})
		},
	}
}

func leadCmd() *cobra.Command {
	lead := &cobra.Command{Use: "lead", Short: "Manage leads"}
	lead.AddCommand(leadAddCmd())
	lead.AddCommand(leadListCmd())
	lead.AddCommand(leadShowCmd())
	lead.AddCommand(leadUpdateCmd())
	lead.AddCommand(leadDeleteCmd())
	lead.AddCommand(leadImportCmd())
	lead.AddCommand(leadExportCmd())
	return lead
}

func leadAddCmd() *cobra.Command {
	var name, website, niche, city, email, phone, grade, notes, owner string
	var score, rank int
	var tags []string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a lead",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				l, err := a.Engine.CreateLead(ctx, engine.LeadCreateOptions{
					Rank:         rank,
					BusinessName: name,
					WebsiteURL:   website,
					Niche:        niche,
					City:         city,
					ContactEmail: email,
					ContactPhone: phone,
					LeadScore:    score,
					AssetGrade:   grade,
					Notes:        notes,
					Tags:         tags,
					OwnerID:      owner,
					ActorID:      viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(l)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "business name")
	cmd.Flags().StringVar(&website, "website", "", "website URL")
	cmd.Flags().StringVar(&niche, "niche", "", "niche")
	cmd.Flags().StringVar(&city, "city", "", "city")
	cmd.Flags().StringVar(&email, "email", "", "contact email")
	cmd.Flags().StringVar(&phone, "phone", "", "contact phone")
	cmd.Flags().IntVar(&score, "score", 0, "lead score (0-100)")
	cmd.Flags().IntVar(&rank, "rank", 0, "rank")
	cmd.Flags().StringVar(&grade, "grade", "", "asset grade (A, B, C)")
	cmd.Flags().StringVar(&notes, "notes", "", "notes")
	cmd.Flags().StringVar(&owner, "owner", "", "owner actor id")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "tag (repeatable)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func leadListCmd() *cobra.Command {
	var status, niche, city, owner string
	var minScore, limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List leads",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Repo.ListLeads(ctx, repo.LeadFilters{
					Status:   status,
					Niche:    niche,
					City:     city,
					OwnerID:  owner,
					MinScore: minScore,
					Limit:    limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Business", "Niche", "City", "Score", "Grade", "Status"})
				for _, l := range items {
					tw.AppendRow(table.Row{l.ID, l.BusinessName, l.Niche, l.City, l.LeadScore, l.AssetGrade, l.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&niche, "niche", "", "filter by niche")
	cmd.Flags().StringVar(&city, "city", "", "filter by city")
	cmd.Flags().StringVar(&owner, "owner", "", "filter by owner")
	cmd.Flags().IntVar(&minScore, "min-score", 0, "minimum lead score")
	cmd.Flags().IntVar(&limit, "limit", 50, "max results")
	return cmd
}

func leadShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <lead-id>",
		Short: "Show a lead",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				l, err := a.Engine.Repo.GetLead(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(l)
			})
		},
	}
	return cmd
}

func leadUpdateCmd() *cobra.Command {
	var status, grade, notes, assign string
	var score, rank int
	cmd := &cobra.Command{
		Use:   "update <lead-id>",
		Short: "Update a lead",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				opts := engine.LeadUpdateOptions{
					ID:      args[0],
					Status:  status,
					ActorID: viper.GetString("actor-id"),
					Force:   viper.GetBool("force"),
				}
				if cmd.Flags().Changed("score") {
					opts.LeadScore = &score
				}
				if cmd.Flags().Changed("rank") {
					opts.Rank = &rank
				}
				if cmd.Flags().Changed("grade") {
					opts.AssetGrade = &grade
				}
				if cmd.Flags().Changed("notes") {
					opts.Notes = &notes
				}
				if cmd.Flags().Changed("assign") {
					opts.Assign = &assign
				}
				l, err := a.Engine.UpdateLead(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(l)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "new status")
	cmd.Flags().IntVar(&score, "score", 0, "lead score (0-100)")
	cmd.Flags().IntVar(&rank, "rank", 0, "rank")
	cmd.Flags().StringVar(&grade, "grade", "", "asset grade (A, B, C)")
	cmd.Flags().StringVar(&notes, "notes", "", "notes")
	cmd.Flags().StringVar(&assign, "assign", "", "owner actor id (empty clears)")
	return cmd
}

func leadDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <lead-id>",
		Short: "Delete a lead",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Engine.DeleteLead(ctx, args[0], viper.GetString("actor-id")); err != nil {
					return err
				}
				fmt.Println("deleted", args[0])
				return nil
			})
		},
	}
	return cmd
}

func leadImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import leads from a JSON file, skipping existing ids",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			var leads []domain.Lead
			if err := json.Unmarshal(data, &leads); err != nil {
				return fmt.Errorf("parse %s: %w", file, err)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				sum, err := a.Engine.ImportLeads(ctx, leads, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(sum)
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "JSON file with an array of leads")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func leadExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export all leads as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ExportLeads(ctx)
				if err != nil {
					return err
				}
				return printJSON(items)
			})
		},
	}
	return cmd
}

func outreachCmd() *cobra.Command {
	outreach := &cobra.Command{Use: "outreach", Short: "Outreach log"}
	outreach.AddCommand(outreachAddCmd())
	outreach.AddCommand(outreachListCmd())
	return outreach
}

func outreachAddCmd() *cobra.Command {
	var channel, snippet, outcome string
	cmd := &cobra.Command{
		Use:   "add <lead-id>",
		Short: "Log an outreach touch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				entry, err := a.Engine.AddOutreach(ctx, args[0], channel, snippet, outcome, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(entry)
			})
		},
	}
	cmd.Flags().StringVar(&channel, "channel", "", "channel (email, call, dm)")
	cmd.Flags().StringVar(&snippet, "snippet", "", "message snippet")
	cmd.Flags().StringVar(&outcome, "outcome", "", "outcome note")
	_ = cmd.MarkFlagRequired("channel")
	return cmd
}

func outreachListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <lead-id>",
		Short: "List outreach for a lead",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Repo.ListOutreach(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func runCmd() *cobra.Command {
	run := &cobra.Command{Use: "run", Short: "Pipeline runs"}
	run.AddCommand(runStartCmd())
	run.AddCommand(runListCmd())
	run.AddCommand(runShowCmd())
	return run
}

func runStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start <lead-id>",
		Short: "Run the generation pipeline for a lead",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				lead, err := a.Engine.Repo.GetLead(ctx, args[0])
				if err != nil {
					return err
				}
				orch, err := a.Orchestrator(ctx)
				if err != nil {
					return err
				}
				res, err := orch.Run(ctx, lead)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	return cmd
}

func runListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <lead-id>",
		Short: "List runs for a lead",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Repo.ListRunsByLead(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func runShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a run and its replay log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				run, err := a.Engine.Repo.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				steps, err := a.Engine.Repo.ListReplaySteps(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"run": run, "steps": steps})
				}
				b, _ := json.MarshalIndent(run, "", "  ")
				fmt.Println(string(b))
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"#", "Step", "Status", "Retries", "Error"})
				for _, s := range steps {
					errMsg := ""
					if s.Error != nil {
						errMsg = *s.Error
					}
					tw.AppendRow(table.Row{s.OrderIndex, s.Module + "." + s.Action, s.Status, s.RetryCount, errMsg})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func assetCmd() *cobra.Command {
	asset := &cobra.Command{Use: "asset", Short: "Generated assets"}
	asset.AddCommand(assetListCmd())
	asset.AddCommand(assetShowCmd())
	asset.AddCommand(assetDeleteCmd())
	return asset
}

func assetListCmd() *cobra.Command {
	var leadID, assetType, module string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List assets",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Repo.ListAssets(ctx, repo.AssetFilters{
					LeadID:       leadID,
					Type:         assetType,
					SourceModule: module,
					Limit:        limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Module", "Title", "Hash"})
				for _, item := range items {
					hash := ""
					if item.ContentHash != nil {
						hash = *item.ContentHash
					}
					tw.AppendRow(table.Row{item.ID, item.Type, item.SourceModule, item.Title, hash})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&leadID, "lead", "", "filter by lead id")
	cmd.Flags().StringVar(&assetType, "type", "", "filter by type")
	cmd.Flags().StringVar(&module, "module", "", "filter by source module")
	cmd.Flags().IntVar(&limit, "limit", 50, "max results")
	return cmd
}

func assetShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <asset-id>",
		Short: "Show an asset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				item, err := a.Engine.Repo.GetAsset(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(item)
			})
		},
	}
	return cmd
}

func assetDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <asset-id>",
		Short: "Delete an asset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Committer.Delete(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println("deleted", args[0])
				return nil
			})
		},
	}
	return cmd
}

func dossierCmd() *cobra.Command {
	dossier := &cobra.Command{Use: "dossier", Short: "Client package dossiers"}
	dossier.AddCommand(dossierListCmd())
	dossier.AddCommand(dossierShowCmd())
	return dossier
}

func dossierListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <lead-id>",
		Short: "List dossier versions for a lead, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Repo.ListDossiersByLead(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Version", "Assets", "Created"})
				for _, d := range items {
					tw.AppendRow(table.Row{d.ID, d.Version, len(d.ConsideredAssetIDs), d.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func dossierShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <dossier-id>",
		Short: "Show a dossier",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				d, err := a.Engine.Repo.GetDossier(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var limit int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show recent events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Repo.LatestEvents(ctx, limit, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Actor"})
				for _, e := range items {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.EntityKind + "/" + e.EntityID, e.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "max events")
	cmd.Flags().StringVar(&evtType, "type", "", "filter by event type")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "filter by entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "filter by entity id")
	return cmd
}

func authCmd() *cobra.Command {
	auth := &cobra.Command{Use: "auth", Short: "API credentials"}
	auth.AddCommand(authMintKeyCmd())
	auth.AddCommand(authListKeysCmd())
	auth.AddCommand(authRevokeKeyCmd())
	return auth
}

func authMintKeyCmd() *cobra.Command {
	var actorID, name string
	cmd := &cobra.Command{
		Use:   "mint-key",
		Short: "Mint an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" {
				actorID = viper.GetString("actor-id")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				plaintext, key, err := a.Engine.MintAPIKey(ctx, actorID, name)
				if err != nil {
					return err
				}
				fmt.Println("api key (store it now, it is not shown again):", plaintext)
				return printJSONOrTable(key)
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor id (defaults to --actor-id)")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func authListKeysCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list-keys",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Repo.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "filter by actor id")
	return cmd
}

func authRevokeKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke-key <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Engine.Repo.DeleteAPIKey(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println("revoked", args[0])
				return nil
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowLegacyAuth bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger()
			if err != nil {
				return err
			}
			defer logger.Sync()
			workspace := viper.GetString("workspace")
			a, err := app.Open(workspace, logger)
			if err != nil {
				return err
			}
			defer a.Close()
			jwtSecret := a.Config.Auth.JWTSecret
			if jwtSecret == "" {
				jwtSecret = os.Getenv("LEADLINE_JWT_SECRET")
			}
			if jwtSecret == "" {
				return fmt.Errorf("LEADLINE_JWT_SECRET is required for bearer auth")
			}
			var runner server.Runner
			orch, err := a.Orchestrator(cmd.Context())
			if err != nil {
				logger.Warn("pipeline disabled", zap.Error(err))
			} else {
				runner = orch
			}
			handler, err := server.New(server.Config{
				Engine:    a.Engine,
				Runner:    runner,
				Committer: a.Committer,
				BasePath:  basePath,
				Auth: server.AuthConfig{
					JWTSecret:              jwtSecret,
					AllowLegacyActorHeader: allowLegacyAuth,
					AllowDevLogin:          a.Config.Auth.AllowDevAuth,
					Logger:                 logger,
				},
				Webhooks: a.Config.Webhooks,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Leadline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8787", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowLegacyAuth, "allow-legacy-auth", false, "accept X-Actor-Id without credentials")
	return cmd
}

func newLogger() (*zap.Logger, error) {
	if viper.GetBool("json") {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(viper.GetString("workspace"), nil)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
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
