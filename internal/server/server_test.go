package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"safeline/internal/change"
	"safeline/internal/config"
	"safeline/internal/db"
	"safeline/internal/domain"
	"safeline/internal/engine"
	"safeline/internal/events"
	"safeline/internal/metrics"
	"safeline/internal/migrate"
)

const (
	testProject = "press-line"
	testSecret  = "test-secret"
)

type testServer struct {
	URL      string
	Engine   engine.Engine
	Registry *prometheus.Registry
	client   *http.Client
}

func testClock() func() time.Time {
	var n atomic.Int64
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	return func() time.Time {
		return base.Add(time.Duration(n.Add(1)) * time.Second)
	}
}

func newTestServer(t *testing.T, mutate ...func(*AuthConfig)) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := prometheus.NewRegistry()
	e := engine.New(conn, nil,
		engine.WithLogger(logger),
		engine.WithMetrics(metrics.New(reg)),
		engine.WithClock(testClock()),
	)
	_, err = e.InitProject(context.Background(), testProject, "stamping press", "tester", config.Default(testProject))
	require.NoError(t, err)

	authCfg := AuthConfig{JWTSecret: testSecret, AllowLegacyActorHeader: true}
	for _, m := range mutate {
		m(&authCfg)
	}
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: authCfg, Logger: logger, Gatherer: reg})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &testServer{URL: srv.URL, Engine: e, Registry: reg, client: srv.Client()}
}

func as(actor string) map[string]string {
	return map[string]string{"X-Actor-Id": actor}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

func (s *testServer) call(t *testing.T, method, path string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	return doJSON(t, s.client, method, s.URL+path, body, headers)
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v), string(data))
	return v
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	require.NoError(t, json.Unmarshal(data, &env), string(data))
	return env.Error.Code
}

func TestHealthIsPublicAndAPIRequiresAuth(t *testing.T) {
	srv := newTestServer(t)

	res, data := srv.call(t, http.MethodGet, "/v0/health", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = srv.call(t, http.MethodGet, "/v0/projects", nil, nil)
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "unauthorized", errorCode(t, data))

	res, data = srv.call(t, http.MethodGet, "/v0/projects", nil, map[string]string{"Authorization": "Bearer not-a-token"})
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "invalid_credentials", errorCode(t, data))
}

func TestLegacyHeaderDisabled(t *testing.T) {
	srv := newTestServer(t, func(c *AuthConfig) { c.AllowLegacyActorHeader = false })
	res, _ := srv.call(t, http.MethodGet, "/v0/projects", nil, as("alice"))
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestDevLoginIssuesUsableToken(t *testing.T) {
	srv := newTestServer(t, func(c *AuthConfig) {
		c.DevLogin = true
		c.AllowLegacyActorHeader = false
	})

	res, data := srv.call(t, http.MethodPost, "/v0/auth/dev/login", map[string]any{"actor_id": "alice"}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	token := decode[DevLoginResponse](t, data).Token
	require.NotEmpty(t, token)

	bearer := map[string]string{"Authorization": "Bearer " + token}
	res, data = srv.call(t, http.MethodPost, "/v0/projects/"+testProject+"/changes", map[string]any{
		"title": "Swap safety relay", "type": "ComponentChange",
	}, bearer)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	assert.Equal(t, "alice", decode[change.ChangeRequest](t, data).CreatedBy)
}

func TestDevTokenValidatedOnAuthClock(t *testing.T) {
	past := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	cfg := AuthConfig{JWTSecret: testSecret, Now: func() time.Time { return past }}
	token, err := signDevToken(cfg, "alice")
	require.NoError(t, err)

	p, err := authenticateJWT(token, cfg)
	require.NoError(t, err)
	assert.Equal(t, "alice", p.ActorID)

	_, err = authenticateJWT(token, AuthConfig{JWTSecret: testSecret})
	assert.Error(t, err, "expired against the wall clock")
}

func TestDevLoginNotRegisteredByDefault(t *testing.T) {
	srv := newTestServer(t)
	res, _ := srv.call(t, http.MethodPost, "/v0/auth/dev/login", map[string]any{"actor_id": "alice"}, nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestAPIKeyAuthentication(t *testing.T) {
	srv := newTestServer(t, func(c *AuthConfig) { c.AllowLegacyActorHeader = false })
	_, plain, err := srv.Engine.CreateAPIKey(context.Background(), "ci-bot", "pipeline")
	require.NoError(t, err)

	res, data := srv.call(t, http.MethodGet, "/v0/projects", nil, map[string]string{"X-Api-Key": plain})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	projects := decode[[]domain.Project](t, data)
	require.Len(t, projects, 1)
	assert.Equal(t, testProject, projects[0].ID)

	res, _ = srv.call(t, http.MethodGet, "/v0/projects", nil, map[string]string{"X-Api-Key": "sl_wrong"})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestDualReviewOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	base := "/v0/projects/" + testProject + "/changes"

	res, data := srv.call(t, http.MethodPost, base, map[string]any{
		"id": "CR-1", "title": "Raise light curtain resolution", "type": "SRSUpdate", "priority": "High",
	}, as("alice"))
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	created := decode[change.ChangeRequest](t, data)
	assert.Equal(t, change.StatusDraft, created.Status)
	assert.True(t, created.IsDualReviewRequired)

	res, data = srv.call(t, http.MethodPost, base+"/CR-1/implement", nil, as("dave"))
	require.Equal(t, http.StatusConflict, res.StatusCode)
	assert.Equal(t, "invalid_transition", errorCode(t, data))

	res, data = srv.call(t, http.MethodPost, base+"/CR-1/submit", nil, as("alice"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Equal(t, change.StatusSubmitted, decode[change.ChangeRequest](t, data).Status)

	res, data = srv.call(t, http.MethodPost, base+"/CR-1/approve", map[string]any{"second": true}, as("carol"))
	require.Equal(t, http.StatusConflict, res.StatusCode)
	assert.Equal(t, "missing_first_review", errorCode(t, data))

	res, data = srv.call(t, http.MethodPost, base+"/CR-1/approve", map[string]any{"comment": "lgtm"}, as("alice"))
	require.Equal(t, http.StatusForbidden, res.StatusCode)
	assert.Equal(t, "forbidden", errorCode(t, data))

	res, data = srv.call(t, http.MethodPost, base+"/CR-1/approve", map[string]any{"comment": "lgtm"}, as("bob"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Equal(t, change.StatusUnderReview, decode[change.ChangeRequest](t, data).Status)

	res, _ = srv.call(t, http.MethodPost, base+"/CR-1/approve", map[string]any{"second": true}, as("bob"))
	require.Equal(t, http.StatusForbidden, res.StatusCode)

	res, data = srv.call(t, http.MethodPost, base+"/CR-1/approve", map[string]any{"second": true, "comment": "verified"}, as("carol"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	approved := decode[change.ChangeRequest](t, data)
	assert.Equal(t, change.StatusApproved, approved.Status)
	assert.Equal(t, "bob", approved.Reviewer1)
	assert.Equal(t, "carol", approved.Reviewer2)

	res, data = srv.call(t, http.MethodPost, base+"/CR-1/implement", nil, as("dave"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = srv.call(t, http.MethodGet, base+"/CR-1", nil, as("erin"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	final := decode[change.ChangeRequest](t, data)
	assert.Equal(t, change.StatusImplemented, final.Status)
	require.Len(t, final.Events, 4)
	actions := make([]string, 0, len(final.Events))
	for _, ev := range final.Events {
		actions = append(actions, ev.Action)
	}
	assert.Equal(t, []string{change.ActionSubmit, change.ActionApproveFirst, change.ActionApproveSecond, change.ActionImplement}, actions)

	res, data = srv.call(t, http.MethodGet, "/v0/projects/"+testProject+"/events?type="+events.TypeChangeTransitioned, nil, as("erin"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Len(t, decode[paginatedEvents](t, data).Items, 4)

	res, data = srv.call(t, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(data), `safeline_change_transitions_total{action="implement",result="ok"} 1`)
}

func TestRejectRequiresReason(t *testing.T) {
	srv := newTestServer(t)
	base := "/v0/projects/" + testProject + "/changes"
	res, data := srv.call(t, http.MethodPost, base, map[string]any{"id": "CR-2", "title": "Tune muting timer", "type": "ParameterAdjust"}, as("alice"))
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	res, _ = srv.call(t, http.MethodPost, base+"/CR-2/submit", nil, as("alice"))
	require.Equal(t, http.StatusOK, res.StatusCode)

	res, _ = srv.call(t, http.MethodPost, base+"/CR-2/reject", map[string]any{"reason": ""}, as("bob"))
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	res, data = srv.call(t, http.MethodPost, base+"/CR-2/reject", map[string]any{"reason": "no impact analysis"}, as("bob"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	rejected := decode[change.ChangeRequest](t, data)
	assert.Equal(t, change.StatusRejected, rejected.Status)
	assert.Equal(t, "no impact analysis", rejected.RejectionReason)
}

func TestChangeOfOtherProjectIsHidden(t *testing.T) {
	srv := newTestServer(t)
	res, _ := srv.call(t, http.MethodPost, "/v0/projects", map[string]any{"id": "other"}, as("alice"))
	require.Equal(t, http.StatusCreated, res.StatusCode)
	res, data := srv.call(t, http.MethodPost, "/v0/projects/other/changes", map[string]any{"id": "CR-X", "title": "Other"}, as("alice"))
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))

	res, data = srv.call(t, http.MethodGet, "/v0/projects/"+testProject+"/changes/CR-X", nil, as("alice"))
	require.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, "not_found", errorCode(t, data))

	res, _ = srv.call(t, http.MethodPost, "/v0/projects/"+testProject+"/changes/CR-X/submit", nil, as("alice"))
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	// Routes with a body still bind both path parameters.
	res, data = srv.call(t, http.MethodPost, "/v0/projects/other/changes/CR-X/submit", nil, as("alice"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	res, _ = srv.call(t, http.MethodPost, "/v0/projects/"+testProject+"/changes/CR-X/approve", map[string]any{"comment": "x"}, as("bob"))
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	res, data = srv.call(t, http.MethodPost, "/v0/projects/other/changes/CR-X/approve", map[string]any{"comment": "x"}, as("bob"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Equal(t, change.StatusApproved, decode[change.ChangeRequest](t, data).Status)

	res, _ = srv.call(t, http.MethodPost, "/v0/projects", map[string]any{"id": "other"}, as("alice"))
	assert.Equal(t, http.StatusConflict, res.StatusCode)
}

func TestListChangesPaginates(t *testing.T) {
	srv := newTestServer(t)
	base := "/v0/projects/" + testProject + "/changes"
	for _, id := range []string{"CR-a", "CR-b", "CR-c"} {
		res, data := srv.call(t, http.MethodPost, base, map[string]any{"id": id, "title": "Change " + id}, as("alice"))
		require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	}

	res, data := srv.call(t, http.MethodGet, base+"?limit=2", nil, as("alice"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	page := decode[paginatedChanges](t, data)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "CR-c", page.Items[0].ID)
	assert.Equal(t, "CR-b", page.Items[1].ID)
	require.NotEmpty(t, page.NextCursor)

	res, data = srv.call(t, http.MethodGet, base+"?limit=2&cursor="+page.NextCursor, nil, as("alice"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	page = decode[paginatedChanges](t, data)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "CR-a", page.Items[0].ID)
	assert.Empty(t, page.NextCursor)

	res, _ = srv.call(t, http.MethodGet, base+"?cursor=garbage", nil, as("alice"))
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestSafetyCalculators(t *testing.T) {
	srv := newTestServer(t)

	res, data := srv.call(t, http.MethodPost, "/v0/safety/risk", map[string]any{
		"hazard": "crushing at die", "severity": 4, "frequency": 3, "avoidance": 3,
	}, as("alice"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	risk := decode[RiskResponse](t, data)
	assert.Equal(t, 36, risk.Score)
	assert.EqualValues(t, "High", risk.Level)
	assert.NotEmpty(t, risk.Recommendation)

	res, _ = srv.call(t, http.MethodPost, "/v0/safety/risk", map[string]any{"severity": 5, "frequency": 1, "avoidance": 1}, as("alice"))
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	res, data = srv.call(t, http.MethodPost, "/v0/safety/pl", map[string]any{
		"required_pl": "d", "category": "Cat3", "dc_avg": 0.9, "mttfd_hours": 1e6, "ccf_score": 70, "validation_performed": true,
	}, as("alice"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	pl := decode[PLResponse](t, data)
	assert.EqualValues(t, "PLd", pl.AchievedPL)
	assert.Equal(t, 4, pl.Score)
	assert.True(t, pl.MeetsRequirement)
	assert.Empty(t, pl.Shortfalls)

	res, data = srv.call(t, http.MethodPost, "/v0/safety/pl", map[string]any{
		"required_pl": "PLz", "category": "3", "dc_avg": 0.9, "mttfd_hours": 1e6, "ccf_score": 70, "validation_performed": true,
	}, as("alice"))
	require.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, "bad_request", errorCode(t, data))

	res, data = srv.call(t, http.MethodPost, "/v0/safety/sil", map[string]any{
		"id": "SF1", "name": "Guard interlock", "target_sil": 2,
		"subsystems": []map[string]any{{
			"id": "S1", "architecture": "1oo1",
			"components": []map[string]any{{"id": "C1", "pfhd": 5e-8}},
		}},
	}, as("alice"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	sil := decode[map[string]any](t, data)
	assert.EqualValues(t, 3, sil["achieved_sil"])
	assert.Equal(t, true, sil["meets_target"])
}

func compliantChecklist() map[string]any {
	return map[string]any{
		"system_name": "Press line 4",
		"iso12100":    map[string]any{"hazard": "crushing", "severity": 2, "frequency": 2, "avoidance": 1},
		"iso13849": map[string]any{
			"required_pl": "PLd", "category": "3", "dc_avg": 0.9, "mttfd_hours": 1e6, "ccf_score": 70, "validation_performed": true,
		},
		"safety_functions": []map[string]any{{
			"id": "SF1", "name": "Guard interlock", "target_sil": 2,
			"subsystems": []map[string]any{{
				"id": "S1", "architecture": "1oo1",
				"components": []map[string]any{{"id": "C1", "pfhd": 5e-8}},
			}},
		}},
		"items": []map[string]any{
			{"code": "hazard.identification", "completed": true},
			{"code": "srs.approved", "completed": true},
			{"code": "validation.plan", "completed": true},
		},
	}
}

func TestAssessmentLifecycle(t *testing.T) {
	srv := newTestServer(t)
	base := "/v0/projects/" + testProject + "/assessments"

	res, data := srv.call(t, http.MethodPost, base, compliantChecklist(), as("alice"))
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	a := decode[domain.Assessment](t, data)
	assert.True(t, a.Result.IsCompliant, a.Result.Summary)
	assert.Equal(t, "Press line 4: COMPLIANT - no non-conformities found.", a.Result.Summary)
	assert.Equal(t, domain.SummaryGenerated, a.SummarySource)
	// The catalog's optional item is added but does not fail the verdict.
	assert.Len(t, a.Checklist.Items, 4)

	broken := compliantChecklist()
	delete(broken, "iso13849")
	res, data = srv.call(t, http.MethodPost, base, broken, as("alice"))
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	failing := decode[domain.Assessment](t, data)
	assert.False(t, failing.Result.IsCompliant)
	require.Len(t, failing.Result.NonConformities, 1)
	assert.Equal(t, "ISO 13849-1", failing.Result.NonConformities[0].Standard)

	res, data = srv.call(t, http.MethodPatch, base+"/"+a.ID+"/summary", map[string]any{"summary": "Reviewed by the notified body."}, as("bob"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	patched := decode[domain.Assessment](t, data)
	assert.Equal(t, "Reviewed by the notified body.", patched.Result.Summary)
	assert.Equal(t, domain.SummaryExternal, patched.SummarySource)
	assert.True(t, patched.Result.IsCompliant)

	res, data = srv.call(t, http.MethodGet, base+"?compliant=false", nil, as("bob"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	list := decode[paginatedAssessments](t, data)
	require.Len(t, list.Items, 1)
	assert.Equal(t, failing.ID, list.Items[0].ID)

	res, _ = srv.call(t, http.MethodGet, base+"/missing", nil, as("bob"))
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	res, _ = srv.call(t, http.MethodPost, "/v0/projects/nope/assessments", compliantChecklist(), as("bob"))
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestOpenAPIListsRoutes(t *testing.T) {
	srv := newTestServer(t)
	res, data := srv.call(t, http.MethodGet, "/v0/openapi.json", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	doc := string(data)
	for _, p := range []string{"/v0/safety/risk", "/v0/projects/{project_id}/changes/{change_id}/approve", "/v0/projects/{project_id}/assessments"} {
		assert.True(t, strings.Contains(doc, p), "missing %s", p)
	}
}

func TestWebhookDeliversSignedEvents(t *testing.T) {
	srv := newTestServer(t)

	var (
		mu        sync.Mutex
		received  []webhookEvent
		signature string
		body      []byte
	)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		var evt webhookEvent
		_ = json.Unmarshal(data, &evt)
		mu.Lock()
		received = append(received, evt)
		signature = r.Header.Get("X-Safeline-Signature")
		body = data
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(hook.Close)

	d := NewWebhookDispatcher(srv.Engine, testProject, []config.WebhookConfig{{
		URL: hook.URL, Events: []string{events.TypeChangeCreated}, Secret: "s3cret",
	}}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()
	d.DispatchOnce(ctx)

	res, data := srv.call(t, http.MethodPost, "/v0/projects/"+testProject+"/changes", map[string]any{"id": "CR-W", "title": "Webhook"}, as("alice"))
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	d.DispatchOnce(ctx)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1, "project.created predates the cursor and is not replayed")
	assert.Equal(t, events.TypeChangeCreated, received[0].Type)
	assert.Equal(t, "CR-W", received[0].EntityID)
	assert.Equal(t, "sha256="+signPayload("s3cret", body), signature)
}
