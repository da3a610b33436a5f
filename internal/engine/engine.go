package engine

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"safeline/internal/change"
	"safeline/internal/config"
	"safeline/internal/domain"
	"safeline/internal/events"
	"safeline/internal/metrics"
	"safeline/internal/repo"
)

// ErrInvalidInput marks errors caused by the caller's input.
var ErrInvalidInput = errors.New("invalid input")

func invalid(err error) error {
	return fmt.Errorf("%w: %v", ErrInvalidInput, err)
}

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Config  *config.Config
	Now     func() time.Time
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// Locks serializes transitions per change request. Engine is copied by
	// value, so the locker is shared through the pointer.
	Locks *change.Locker
}

type Option func(*Engine)

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.Logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.Metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.Now = now }
}

func New(db *sql.DB, cfg *config.Config, opts ...Option) Engine {
	e := Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Config: cfg,
		Now:    time.Now,
		Logger: slog.Default(),
		Locks:  &change.Locker{},
	}
	for _, opt := range opts {
		opt(&e)
	}
	e.Events = events.Writer{Now: e.Now}
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) log() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

var fallbackLocks change.Locker

func (e Engine) locks() *change.Locker {
	if e.Locks != nil {
		return e.Locks
	}
	return &fallbackLocks
}

func (e Engine) audit(ctx context.Context, tx *sql.Tx, entry events.Entry) error {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w.Append(ctx, tx, entry)
}

// ProjectConfig returns the stored config of a project, the engine's own
// config when it belongs to that project, or the defaults.
func (e Engine) ProjectConfig(ctx context.Context, projectID string) (*config.Config, error) {
	if e.Config != nil && e.Config.Project.ID == projectID {
		return e.Config, nil
	}
	cfg, err := e.Repo.GetProjectConfig(ctx, projectID)
	if errors.Is(err, repo.ErrNotFound) {
		return config.Default(projectID), nil
	}
	return cfg, err
}

// InitProject creates a project with its config. Migrations must already be applied.
func (e Engine) InitProject(ctx context.Context, projectID, description, actorID string, cfg *config.Config) (domain.Project, error) {
	if projectID == "" {
		return domain.Project{}, invalid(errors.New("project id is required"))
	}
	if cfg == nil {
		cfg = config.Default(projectID)
	}
	p := domain.Project{
		ID:          projectID,
		Kind:        config.ProjectKind,
		Status:      "active",
		Description: description,
		CreatedAt:   e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertProject(ctx, tx, p); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	if err := e.Repo.UpsertProjectConfig(ctx, tx, p.ID, cfg, e.now()); err != nil {
		return domain.Project{}, invalid(fmt.Errorf("project config: %w", err))
	}
	if err := e.audit(ctx, tx, events.Entry{
		Type: events.TypeProjectCreated, ProjectID: p.ID, EntityKind: events.EntityProject, EntityID: p.ID, ActorID: actorID,
		Payload: events.Payload{"status": p.Status},
	}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	e.log().InfoContext(ctx, "project.created", "project_id", p.ID, "actor", actorID)
	return p, nil
}

// UpdateProjectConfig replaces the stored config of an existing project.
func (e Engine) UpdateProjectConfig(ctx context.Context, projectID string, cfg *config.Config, actorID string) error {
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertProjectConfig(ctx, tx, projectID, cfg, e.now()); err != nil {
		return invalid(err)
	}
	if err := e.audit(ctx, tx, events.Entry{
		Type: events.TypeProjectConfigUpdated, ProjectID: projectID, EntityKind: events.EntityProject, EntityID: projectID, ActorID: actorID,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// CreateAPIKey stores a new key for actorID and returns the record together
// with the plaintext key, which is not retrievable afterwards.
func (e Engine) CreateAPIKey(ctx context.Context, actorID, name string) (domain.APIKey, string, error) {
	if actorID == "" {
		return domain.APIKey{}, "", invalid(errors.New("actor id is required"))
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return domain.APIKey{}, "", err
	}
	plain := "sl_" + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   actorID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(plain),
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.APIKey{}, "", err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := e.audit(ctx, tx, events.Entry{
		Type: events.TypeAPIKeyCreated, EntityKind: events.EntityAPIKey, EntityID: key.ID, ActorID: actorID,
		Payload: events.Payload{"name": name},
	}); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := tx.Commit(); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, plain, nil
}
