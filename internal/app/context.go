package app

import (
	"context"
	"errors"
	"fmt"

	"safeline/internal/config"
	"safeline/internal/engine"
	"safeline/internal/repo"
)

// ResolveProjectAndConfig picks the active project and ensures the project and
// its config exist, seeding them if missing. It prefers the override, then
// the only project in the DB. A safeline.yml in the workspace seeds new
// projects; otherwise the defaults do.
func ResolveProjectAndConfig(ctx context.Context, workspace, projectOverride, actorID string, e engine.Engine) (string, *config.Config, error) {
	projectID := projectOverride
	if projectID == "" {
		p, err := e.Repo.SingleProject(ctx)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return "", nil, fmt.Errorf("project not specified; use --project")
			}
			return "", nil, err
		}
		projectID = p.ID
	}
	seedCfg, err := seedConfig(workspace, projectID)
	if err != nil {
		return "", nil, err
	}

	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		if actorID == "" {
			actorID = "local-user"
		}
		if _, err := e.InitProject(ctx, projectID, "", actorID, seedCfg); err != nil {
			return "", nil, fmt.Errorf("create project: %w", err)
		}
	}
	cfg, err := e.Repo.GetProjectConfig(ctx, projectID)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		if err := e.Repo.UpsertProjectConfig(ctx, nil, projectID, seedCfg, e.Now()); err != nil {
			return "", nil, fmt.Errorf("seed project config: %w", err)
		}
		cfg = seedCfg
	}
	cfg.Project.ID = projectID
	return projectID, cfg, nil
}

// seedConfig returns the workspace file when it describes projectID, else defaults.
func seedConfig(workspace, projectID string) (*config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, fmt.Errorf("workspace config: %w", err)
	}
	if cfg == nil || cfg.Project.ID != projectID {
		return config.Default(projectID), nil
	}
	return cfg, nil
}
