package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/kiranshivaraju/faultline/internal/aging"
	mw "github.com/kiranshivaraju/faultline/internal/api/middleware"
	"github.com/kiranshivaraju/faultline/internal/store"
	"github.com/kiranshivaraju/faultline/internal/tenant"
	"github.com/kiranshivaraju/faultline/pkg/models"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, _, err := setup()
		if err != nil {
			return err
		}
		if err := store.RunMigrations(cfg.Database.URL, cfg.Database.MigrationsDir); err != nil {
			return err
		}
		version, dirty, err := store.MigrationVersion(cfg.Database.URL, cfg.Database.MigrationsDir)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "schema version %d (dirty=%t)\n", version, dirty)
		return nil
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one aging sweep over recurring unanalyzed failures",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		in, closeInfra, err := openInfra(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer closeInfra()
		svc, err := buildServices(ctx, cfg, in, logger)
		if err != nil {
			return err
		}
		n, err := aging.NewSweeper(in.store, svc.analyzer, cfg.Aging, logger).RunOnce(ctx)
		svc.analyzer.Wait()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "analyzed %d aged failures\n", n)
		return nil
	},
}

var reindexProject string

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Rebuild vector and keyword indexes from stored analyses and knowledge",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		in, closeInfra, err := openInfra(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer closeInfra()
		svc, err := buildServices(ctx, cfg, in, logger)
		if err != nil {
			return err
		}

		if reindexProject == "" {
			counts, err := svc.ingest.ReindexAll(ctx)
			if err != nil {
				return err
			}
			for id, n := range counts {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\n", id, n)
			}
			return nil
		}
		id, err := uuid.Parse(reindexProject)
		if err != nil {
			return fmt.Errorf("--project must be a UUID: %w", err)
		}
		n, err := svc.ingest.Reindex(ctx, id)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\n", id, n)
		return nil
	},
}

var apikeyCmd = &cobra.Command{
	Use:   "apikey",
	Short: "Manage API keys",
}

var (
	keyName    string
	keyScopes  []string
	keyProject string
)

var apikeyCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an API key and print it once",
	Long: `Create an API key. Without --project the key is a system key that may
address any project. The raw key is printed once and cannot be recovered.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		pool, err := store.Connect(ctx, cfg.Database)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer pool.Close()
		logger.Debug("database connected")

		key, raw, err := createKey(ctx, store.NewPostgresStore(pool), keyName, keyScopes, keyProject)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "id:     %s\nprefix: %s\nkey:    %s\n", key.ID, key.KeyPrefix, raw)
		return nil
	},
}

func init() {
	reindexCmd.Flags().StringVar(&reindexProject, "project", "", "project ID to reindex (default: all projects)")

	apikeyCreateCmd.Flags().StringVar(&keyName, "name", "", "key name (required)")
	apikeyCreateCmd.Flags().StringSliceVar(&keyScopes, "scopes", []string{models.ScopeAdmin}, "comma-separated scopes")
	apikeyCreateCmd.Flags().StringVar(&keyProject, "project", "", "bind the key to a project ID")
	_ = apikeyCreateCmd.MarkFlagRequired("name")
	apikeyCmd.AddCommand(apikeyCreateCmd)
}

// keyCreator is the slice of the store that bootstrapping a key needs.
type keyCreator interface {
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	AppendAudit(ctx context.Context, e *models.AuditEntry) error
}

func createKey(ctx context.Context, st keyCreator, name string, scopes []string, project string) (*models.APIKey, string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, "", fmt.Errorf("--name is required")
	}
	if len(scopes) == 0 {
		return nil, "", fmt.Errorf("at least one scope is required")
	}
	for _, s := range scopes {
		if !models.ValidScope(s) {
			return nil, "", fmt.Errorf("unknown scope %q", s)
		}
	}

	key := &models.APIKey{Name: name, Scopes: scopes}
	if project != "" {
		id, err := uuid.Parse(project)
		if err != nil {
			return nil, "", fmt.Errorf("--project must be a UUID: %w", err)
		}
		for _, s := range scopes {
			if s == models.ScopeAdmin {
				return nil, "", fmt.Errorf("project-bound keys cannot carry the %s scope", models.ScopeAdmin)
			}
		}
		key.ProjectID = &id
	}

	raw, prefix, hash, err := mw.NewKey()
	if err != nil {
		return nil, "", err
	}
	key.KeyPrefix = prefix
	key.KeyHash = hash

	ctx = tenant.WithAdmin(ctx)
	if err := st.CreateAPIKey(ctx, key); err != nil {
		return nil, "", fmt.Errorf("create api key: %w", err)
	}
	if err := st.AppendAudit(ctx, &models.AuditEntry{
		ProjectID: key.ProjectID,
		Actor:     "cli",
		Action:    "apikey.create",
		Subject:   key.ID.String(),
	}); err != nil {
		return nil, "", fmt.Errorf("audit api key: %w", err)
	}
	return key, raw, nil
}
