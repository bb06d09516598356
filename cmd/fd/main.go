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

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"flowdeck/internal/config"
	"flowdeck/internal/db"
	"flowdeck/internal/domain"
	"flowdeck/internal/events"
	"flowdeck/internal/flowdoc"
	"flowdeck/internal/formspec"
	"flowdeck/internal/migrate"
	"flowdeck/internal/platform"
	"flowdeck/internal/publisher"
	"flowdeck/internal/repo"
	"flowdeck/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "fd",
	Short: "Flowdeck CLI",
	Long: `Flowdeck validates, transforms, and publishes interactive flow documents
to the messaging platform.
- Workspace: your .flowdeck directory with the local database; flowdeck.yml holds platform credentials.
- Flow records: named authoring documents tracked locally; the authoring form may carry internal keys and Form wrappers that are stripped before submission.
- Validation: every document passes the local gate (screen ids, component types, names, footers) before any remote call.
- Publishing: create or update the remote flow, optionally publish it; published remote flows are immutable.
- Keys: dynamic flows need a callback endpoint and a registered encryption key ('fd key sync').
- Event log: diary of changes, view with 'fd log tail'.`,
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
	viper.SetEnvPrefix("FLOWDECK")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(flowCmd())
	rootCmd.AddCommand(keyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			fmt.Printf("Initialized workspace: wrote %s and %s\n", path, db.Path(workspace))
			return nil
		},
	}
	return cmd
}

func flowCmd() *cobra.Command {
	flow := &cobra.Command{
		Use:   "flow",
		Short: "Manage flow records",
		Long:  "Flow records hold the authoring document locally. Validate them offline, then publish to create or update the remote flow. Published remote flows never change; rename to detach and start fresh.",
	}
	flow.AddCommand(flowCreateCmd())
	flow.AddCommand(flowListCmd())
	flow.AddCommand(flowShowCmd())
	flow.AddCommand(flowUpdateCmd())
	flow.AddCommand(flowRenameCmd())
	flow.AddCommand(flowDeleteCmd())
	flow.AddCommand(flowValidateCmd())
	flow.AddCommand(flowPublishCmd())
	flow.AddCommand(flowPreviewCmd())
	return flow
}

func flowCreateCmd() *cobra.Command {
	var name, docFile, specFile string
	var categories []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a flow record",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, cat := range categories {
				if !config.ValidCategories[cat] {
					return fmt.Errorf("unknown category %q", cat)
				}
			}
			document, formSpec, err := loadDocumentInputs(docFile, specFile)
			if err != nil {
				return err
			}
			return withPublisher(cmd.Context(), func(ctx context.Context, p publisher.Publisher) error {
				now := time.Now().UTC().Format(time.RFC3339)
				rec := domain.FlowRecord{
					ID:            uuid.NewString(),
					Name:          name,
					Categories:    categories,
					AuthoringJSON: document,
					CreatedAt:     now,
					UpdatedAt:     now,
				}
				if formSpec != "" {
					rec.FormSpecJSON = &formSpec
				}
				if err := p.Repo.InsertFlow(ctx, rec); err != nil {
					return err
				}
				if err := appendEvent(ctx, p, "flow.created", rec.ID, events.EventPayload{"name": rec.Name}); err != nil {
					return err
				}
				created, err := p.Repo.GetFlow(ctx, rec.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(created)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "flow name")
	cmd.Flags().StringVar(&docFile, "file", "", "path to authoring document JSON")
	cmd.Flags().StringVar(&specFile, "form-spec", "", "path to form spec JSON (compiled to a document when --file is omitted)")
	cmd.Flags().StringArrayVar(&categories, "category", []string{}, "flow category (repeatable)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func flowListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List flow records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListFlows(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Remote ID", "Status", "Updated"})
				for _, f := range items {
					remoteID, status := "", ""
					if f.RemoteFlowID != nil {
						remoteID = *f.RemoteFlowID
					}
					if f.RemoteStatus != nil {
						status = *f.RemoteStatus
					}
					tw.AppendRow(table.Row{f.ID, f.Name, remoteID, status, f.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func flowShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id-or-name>",
		Short: "Show a flow record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				f, err := resolveFlow(ctx, r, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(f)
			})
		},
	}
	return cmd
}

func flowUpdateCmd() *cobra.Command {
	var docFile, specFile string
	var categories []string
	cmd := &cobra.Command{
		Use:   "update <id-or-name>",
		Short: "Update a flow record's document or categories",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, cat := range categories {
				if !config.ValidCategories[cat] {
					return fmt.Errorf("unknown category %q", cat)
				}
			}
			return withPublisher(cmd.Context(), func(ctx context.Context, p publisher.Publisher) error {
				rec, err := resolveFlow(ctx, p.Repo, args[0])
				if err != nil {
					return err
				}
				if rec.RemoteStatus != nil && *rec.RemoteStatus == domain.StatusPublished {
					return fmt.Errorf("remote flow is published and immutable; rename the record to keep editing")
				}
				upd := repo.FlowContentUpdate{UpdatedAt: time.Now().UTC().Format(time.RFC3339)}
				if cmd.Flags().Changed("category") {
					upd.Categories = categories
				}
				if docFile != "" {
					data, err := os.ReadFile(docFile)
					if err != nil {
						return err
					}
					if _, err := flowdoc.ParseTree(data); err != nil {
						return err
					}
					doc := string(data)
					upd.AuthoringJSON = &doc
					empty := ""
					upd.SubmissionJSON = &empty
				}
				if specFile != "" {
					data, err := os.ReadFile(specFile)
					if err != nil {
						return err
					}
					if _, err := formspec.Parse(data); err != nil {
						return err
					}
					spec := string(data)
					upd.FormSpecJSON = &spec
				}
				tx, err := p.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := p.Repo.UpdateFlowContent(ctx, tx, rec.ID, upd); err != nil {
					return err
				}
				if err := p.Events.Append(ctx, tx, "flow.updated", rec.ID, viper.GetString("actor-id"), events.EventPayload{}); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				f, err := p.Repo.GetFlow(ctx, rec.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(f)
			})
		},
	}
	cmd.Flags().StringVar(&docFile, "file", "", "path to authoring document JSON")
	cmd.Flags().StringVar(&specFile, "form-spec", "", "path to form spec JSON")
	cmd.Flags().StringArrayVar(&categories, "category", []string{}, "flow category (repeatable)")
	return cmd
}

func flowRenameCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rename <id-or-name> <new-name>",
		Short: "Rename a flow record",
		Long:  "Renaming a published record clears its remote identity so the next publish creates a fresh remote flow under the new name.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPublisher(cmd.Context(), func(ctx context.Context, p publisher.Publisher) error {
				rec, err := resolveFlow(ctx, p.Repo, args[0])
				if err != nil {
					return err
				}
				f, err := p.Rename(ctx, rec.ID, args[1], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(f)
			})
		},
	}
	return cmd
}

func flowDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id-or-name>",
		Short: "Delete a flow record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPublisher(cmd.Context(), func(ctx context.Context, p publisher.Publisher) error {
				rec, err := resolveFlow(ctx, p.Repo, args[0])
				if err != nil {
					return err
				}
				if err := p.Repo.DeleteFlow(ctx, rec.ID); err != nil {
					return err
				}
				return appendEvent(ctx, p, "flow.deleted", rec.ID, events.EventPayload{"name": rec.Name})
			})
		},
	}
	return cmd
}

func flowValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <id-or-name>",
		Short: "Validate a flow document locally",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPublisher(cmd.Context(), func(ctx context.Context, p publisher.Publisher) error {
				rec, err := resolveFlow(ctx, p.Repo, args[0])
				if err != nil {
					return err
				}
				vres, err := p.ValidateRecord(ctx, rec.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(vres)
				}
				if vres.IsValid {
					fmt.Println("OK")
				}
				for _, issue := range vres.Errors {
					fmt.Printf("error: %s: %s\n", issue.Path, issue.Message)
				}
				for _, issue := range vres.Warnings {
					fmt.Printf("warning: %s: %s\n", issue.Path, issue.Message)
				}
				if !vres.IsValid {
					return fmt.Errorf("validation failed with %d errors", len(vres.Errors))
				}
				return nil
			})
		},
	}
	return cmd
}

func flowPublishCmd() *cobra.Command {
	var publish, updateIfExists bool
	var categories []string
	cmd := &cobra.Command{
		Use:   "publish <id-or-name>",
		Short: "Create or update the remote flow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPublisher(cmd.Context(), func(ctx context.Context, p publisher.Publisher) error {
				rec, err := resolveFlow(ctx, p.Repo, args[0])
				if err != nil {
					return err
				}
				result, err := p.Publish(ctx, publisher.Options{
					RecordID:       rec.ID,
					Publish:        publish,
					Categories:     categories,
					UpdateIfExists: updateIfExists,
					ActorID:        viper.GetString("actor-id"),
				})
				if err != nil {
					return publishError(err)
				}
				if viper.GetBool("json") {
					return printJSON(result)
				}
				fmt.Printf("Remote flow %s is %s\n", result.RemoteFlowID, result.RemoteStatus)
				if result.PreviewURL != "" {
					fmt.Printf("Preview: %s\n", result.PreviewURL)
				}
				for _, ve := range result.ValidationErrors {
					fmt.Printf("remote warning: %s %s\n", ve.Pointer, ve.Message)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&publish, "publish", false, "publish the remote flow (default leaves it in draft)")
	cmd.Flags().BoolVar(&updateIfExists, "update-if-exists", false, "update metadata and document when the remote flow exists")
	cmd.Flags().StringArrayVar(&categories, "category", []string{}, "flow category (repeatable)")
	return cmd
}

func flowPreviewCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "preview <id-or-name>",
		Short: "Show the remote preview URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPublisher(cmd.Context(), func(ctx context.Context, p publisher.Publisher) error {
				rec, err := resolveFlow(ctx, p.Repo, args[0])
				if err != nil {
					return err
				}
				if rec.RemoteFlowID == nil {
					return fmt.Errorf("flow has not been created remotely yet")
				}
				url, err := p.Platform.GetFlowPreview(ctx, *rec.RemoteFlowID)
				if err != nil {
					return err
				}
				fmt.Println(url)
				return nil
			})
		},
	}
	return cmd
}

func keyCmd() *cobra.Command {
	key := &cobra.Command{Use: "key", Short: "Manage encryption keys"}
	key.AddCommand(keySyncCmd())
	return key
}

func keySyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Reconcile the channel encryption key",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPublisher(cmd.Context(), func(ctx context.Context, p publisher.Publisher) error {
				state, err := p.SyncKeys(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(state)
				}
				fmt.Printf("Local key:  %s\n", state.LocalFingerprint)
				fmt.Printf("Remote key: %s", state.RemoteFingerprint)
				if state.RemoteSignatureStatus != "" {
					fmt.Printf(" (%s)", state.RemoteSignatureStatus)
				}
				fmt.Println()
				if state.Registered {
					fmt.Println("Registered local key with the platform.")
				}
				return nil
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var flowID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListEvents(ctx, n, flowID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&flowID, "flow", "", "flow id filter")
	return cmd
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
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			api := platform.New(cfg.Platform.BaseURL, cfg.Platform.Token)
			p := publisher.New(conn, cfg, api)
			authCfg := server.AuthConfig{
				JWTSecret:              cfg.Server.JWTSecret,
				AllowLegacyActorHeader: cfg.Server.AllowLegacyActorHeader,
			}
			if secret := os.Getenv("FLOWDECK_JWT_SECRET"); secret != "" {
				authCfg.JWTSecret = secret
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("FLOWDECK_JWT_SECRET or server.jwt_secret is required for bearer auth")
			}
			handler, err := server.New(server.Config{Publisher: p, BasePath: basePath, Auth: authCfg})
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
			fmt.Printf("Serving Flowdeck API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withPublisher(ctx context.Context, fn func(context.Context, publisher.Publisher) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	api := platform.New(cfg.Platform.BaseURL, cfg.Platform.Token)
	return fn(ctx, publisher.New(conn, cfg, api))
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
	return fn(ctx, repo.Repo{DB: conn})
}

func resolveFlow(ctx context.Context, r repo.Repo, idOrName string) (domain.FlowRecord, error) {
	f, err := r.GetFlow(ctx, idOrName)
	if err == nil {
		return f, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return f, err
	}
	return r.GetFlowByName(ctx, idOrName)
}

func loadDocumentInputs(docFile, specFile string) (document, formSpec string, err error) {
	if specFile != "" {
		data, err := os.ReadFile(specFile)
		if err != nil {
			return "", "", err
		}
		spec, err := formspec.Parse(data)
		if err != nil {
			return "", "", err
		}
		formSpec = string(data)
		if docFile == "" {
			doc, err := formspec.Compile(spec)
			if err != nil {
				return "", "", err
			}
			b, err := json.Marshal(doc)
			if err != nil {
				return "", "", err
			}
			document = string(b)
		}
	}
	if docFile != "" {
		data, err := os.ReadFile(docFile)
		if err != nil {
			return "", "", err
		}
		if _, err := flowdoc.ParseTree(data); err != nil {
			return "", "", err
		}
		document = string(data)
	}
	if document == "" {
		return "", "", fmt.Errorf("--file or --form-spec is required")
	}
	return document, formSpec, nil
}

func appendEvent(ctx context.Context, p publisher.Publisher, evtType, flowID string, payload events.EventPayload) error {
	tx, err := p.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := p.Events.Append(ctx, tx, evtType, flowID, viper.GetString("actor-id"), payload); err != nil {
		return err
	}
	return tx.Commit()
}

func publishError(err error) error {
	var vfe publisher.ValidationFailedError
	if errors.As(err, &vfe) {
		for _, issue := range vfe.Result.Errors {
			fmt.Printf("error: %s: %s\n", issue.Path, issue.Message)
		}
		for _, issue := range vfe.Result.Warnings {
			fmt.Printf("warning: %s: %s\n", issue.Path, issue.Message)
		}
		return fmt.Errorf("validation failed with %d errors; nothing was sent to the platform", len(vfe.Result.Errors))
	}
	var re *publisher.RemoteError
	if errors.As(err, &re) {
		if re.Classification.Recovery != "" {
			fmt.Printf("hint: %s\n", re.Classification.Recovery)
		}
		for _, ve := range re.Classification.ValidationErrors {
			fmt.Printf("remote error: %s %s\n", ve.Pointer, ve.Message)
		}
	}
	return err
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
