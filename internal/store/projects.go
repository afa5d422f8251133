package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/kiranshivaraju/faultline/pkg/models"
)

const projectColumns = `id, name, loki_org_id, repo_owner, repo_name, default_branch, created_at, updated_at`

func scanProject(row pgx.Row) (*models.Project, error) {
	var p models.Project
	err := row.Scan(&p.ID, &p.Name, &p.LokiOrgID, &p.RepoOwner, &p.RepoName, &p.DefaultBranch, &p.CreatedAt, &p.UpdatedAt)
	return &p, err
}

// CreateProject inserts a project. Requires the admin scope.
func (s *PostgresStore) CreateProject(ctx context.Context, p *models.Project) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.DefaultBranch == "" {
		p.DefaultBranch = "main"
	}
	return s.scoped(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx,
			`INSERT INTO project (id, name, loki_org_id, repo_owner, repo_name, default_branch)
			 VALUES ($1, $2, $3, $4, $5, $6) RETURNING created_at, updated_at`,
			p.ID, p.Name, p.LokiOrgID, p.RepoOwner, p.RepoName, p.DefaultBranch,
		).Scan(&p.CreatedAt, &p.UpdatedAt)
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		if err != nil {
			return fmt.Errorf("create project: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) GetProject(ctx context.Context, id uuid.UUID) (*models.Project, error) {
	var p *models.Project
	err := s.scoped(ctx, func(tx pgx.Tx) error {
		var err error
		p, err = scanProject(tx.QueryRow(ctx, `SELECT `+projectColumns+` FROM project WHERE id = $1`, id))
		if notFound(err) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get project: %w", err)
		}
		return nil
	})
	return p, err
}

// ListProjects returns the projects visible in the current scope.
func (s *PostgresStore) ListProjects(ctx context.Context) ([]*models.Project, error) {
	var out []*models.Project
	err := s.scoped(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `SELECT `+projectColumns+` FROM project ORDER BY name`)
		if err != nil {
			return fmt.Errorf("list projects: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			p, err := scanProject(rows)
			if err != nil {
				return fmt.Errorf("scan project: %w", err)
			}
			out = append(out, p)
		}
		return rows.Err()
	})
	return out, err
}
