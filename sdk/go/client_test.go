package safelinesdk_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"safeline/internal/config"
	"safeline/internal/db"
	"safeline/internal/engine"
	"safeline/internal/migrate"
	"safeline/internal/server"
	safelinesdk "safeline/sdk/go"
)

func newClients(t *testing.T) map[string]*safelinesdk.Client {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := engine.New(conn, nil, engine.WithLogger(logger))
	ctx := context.Background()
	_, err = e.InitProject(ctx, "cell-7", "", "tester", config.Default("cell-7"))
	require.NoError(t, err)

	handler, err := server.New(server.Config{Engine: e, Logger: logger, Auth: server.AuthConfig{JWTSecret: "sdk-secret"}})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	clients := map[string]*safelinesdk.Client{}
	for _, actor := range []string{"alice", "bob"} {
		_, key, err := e.CreateAPIKey(ctx, actor, "sdk")
		require.NoError(t, err)
		c := safelinesdk.New(srv.URL, "cell-7")
		c.APIKey = key
		clients[actor] = c
	}
	return clients
}

func TestClientChangeWorkflow(t *testing.T) {
	clients := newClients(t)
	ctx := context.Background()
	alice, bob := clients["alice"], clients["bob"]

	single := false
	c, err := alice.CreateChange(ctx, safelinesdk.ChangeInput{ID: "CR-9", Title: "Update muting sensor evidence", Type: "EvidenceUpdate", DualReview: &single})
	require.NoError(t, err)
	assert.Equal(t, "Draft", c.Status)

	_, err = alice.SubmitChange(ctx, "CR-9")
	require.NoError(t, err)

	_, err = alice.ApproveChange(ctx, "CR-9", "self review", false)
	var apiErr *safelinesdk.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
	assert.Equal(t, "forbidden", apiErr.Code)

	c, err = bob.ApproveChange(ctx, "CR-9", "ok", false)
	require.NoError(t, err)
	assert.Equal(t, "Approved", c.Status)

	c, err = alice.ImplementChange(ctx, "CR-9")
	require.NoError(t, err)
	assert.Equal(t, "Implemented", c.Status)
	assert.Len(t, c.Events, 3)

	page, err := bob.ListChanges(ctx, "Implemented", 10, "")
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "CR-9", page.Items[0].ID)

	events, err := bob.Events(ctx, 10)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, "change.transitioned", events[0].Type)
	assert.Equal(t, "alice", events[0].ActorID)
}

func TestClientEvaluateAndSummary(t *testing.T) {
	clients := newClients(t)
	ctx := context.Background()
	alice := clients["alice"]

	risk, err := alice.ScoreRisk(ctx, "shearing", 4, 4, 4)
	require.NoError(t, err)
	assert.Equal(t, 64, risk.Score)
	assert.Equal(t, "Extreme", risk.Level)

	a, err := alice.Evaluate(ctx, map[string]any{"system_name": "Robot cell 7"})
	require.NoError(t, err)
	assert.False(t, a.Result.IsCompliant)
	// Missing risk and PL sections plus the three required catalog items.
	assert.Len(t, a.Result.NonConformities, 5)
	generated := a.Result.Summary

	a, err = alice.SetAssessmentSummary(ctx, a.ID, "Pending supplier data.")
	require.NoError(t, err)
	assert.Equal(t, "external", a.SummarySource)
	assert.False(t, a.Result.IsCompliant)

	a, err = alice.SetAssessmentSummary(ctx, a.ID, "")
	require.NoError(t, err)
	assert.Equal(t, "generated", a.SummarySource)
	assert.Equal(t, generated, a.Result.Summary)

	_, err = alice.GetAssessment(ctx, "missing")
	var apiErr *safelinesdk.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}
