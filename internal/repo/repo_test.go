package repo_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"labelflow/internal/db"
	"labelflow/internal/domain"
	"labelflow/internal/labels"
	"labelflow/internal/migrate"
	"labelflow/internal/repo"
)

const ts = "2026-01-02T03:04:05Z"

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return repo.Repo{DB: conn}
}

func seedProject(t *testing.T, r repo.Repo) domain.Project {
	t.Helper()
	p := domain.Project{
		ID: "p1", Name: "demo", TaskType: labels.TaskNER, Language: "en",
		EntityClasses: []string{"LOC"}, CreatedAt: ts, UpdatedAt: ts,
	}
	require.NoError(t, r.InsertProject(context.Background(), nil, p))
	return p
}

func insertTask(t *testing.T, r repo.Repo, id, status string, confidence *float64) domain.Task {
	t.Helper()
	task := domain.Task{ID: id, ProjectID: "p1", Text: "Paris is nice", Status: status, Confidence: confidence, CreatedAt: ts, UpdatedAt: ts}
	if domain.IsPostReview(status) {
		final := labels.NewNER()
		task.FinalLabels = &final
	}
	require.NoError(t, r.InsertTask(context.Background(), nil, task))
	return task
}

func f(v float64) *float64 { return &v }

func TestProjectRoundTrip(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	p := seedProject(t, r)

	got, err := r.GetProject(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"LOC"}, got.EntityClasses)
	assert.Equal(t, labels.TaskNER, got.TaskType)

	_, err = r.GetProject(ctx, "missing")
	assert.True(t, errors.Is(err, repo.ErrNotFound))
}

func TestUpdateTaskIfStatus(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	seedProject(t, r)
	task := insertTask(t, r, "t1", domain.StatusUploaded, nil)

	auto := labels.NewNER(labels.Entity{Start: 0, End: 5, Class: "LOC", Text: "Paris"})
	task.AutoLabels = &auto
	task.Confidence = f(0.8)
	task.Status = domain.StatusAutoLabeled

	ok, err := r.UpdateTaskIfStatus(ctx, nil, task, domain.StatusUploaded)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.UpdateTaskIfStatus(ctx, nil, task, domain.StatusUploaded)
	require.NoError(t, err)
	assert.False(t, ok, "second update with a stale expected status must not apply")

	got, err := r.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAutoLabeled, got.Status)
	require.NotNil(t, got.AutoLabels)
	assert.True(t, labels.Equal(&auto, got.AutoLabels))
	assert.InDelta(t, 0.8, *got.Confidence, 1e-9)
}

func TestFinalLabelsInvariantEnforcedByStore(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	seedProject(t, r)
	task := insertTask(t, r, "t1", domain.StatusAutoLabeled, nil)
	task.Status = domain.StatusReviewed

	_, err := r.UpdateTaskIfStatus(ctx, nil, task, domain.StatusAutoLabeled)
	assert.Error(t, err, "reviewed without final labels violates the table check")
}

func TestPendingPageOrderingAndKeyset(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	seedProject(t, r)
	insertTask(t, r, "a", domain.StatusAutoLabeled, f(0.9))
	insertTask(t, r, "b", domain.StatusAutoLabeled, f(0.2))
	insertTask(t, r, "c", domain.StatusAutoLabeled, nil)
	insertTask(t, r, "d", domain.StatusReviewed, f(0.1))
	insertTask(t, r, "e", domain.StatusAutoLabeled, f(0.2))

	page, err := r.PendingPage(ctx, repo.PendingQuery{ProjectID: "p1", Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "c", page[0].ID)
	assert.Equal(t, "b", page[1].ID)

	page, err = r.PendingPage(ctx, repo.PendingQuery{ProjectID: "p1", Limit: 10, After: &repo.PendingCursor{Confidence: 0.2, ID: "b"}})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "e", page[0].ID)
	assert.Equal(t, "a", page[1].ID)
}

func TestCountsAndAverage(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	seedProject(t, r)

	_, ok, err := r.AverageConfidence(ctx, "p1")
	require.NoError(t, err)
	assert.False(t, ok)

	insertTask(t, r, "a", domain.StatusAutoLabeled, f(0.5))
	insertTask(t, r, "b", domain.StatusReviewed, f(1.0))
	insertTask(t, r, "c", domain.StatusUploaded, nil)

	avg, ok, err := r.AverageConfidence(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.InDelta(t, 0.75, avg, 1e-9)

	counts, err := r.CountTasksByStatus(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"auto_labeled": 1, "reviewed": 1, "uploaded": 1}, counts)
}

func TestDeleteProjectCascades(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	seedProject(t, r)
	insertTask(t, r, "a", domain.StatusUploaded, nil)

	require.NoError(t, r.DeleteProject(ctx, nil, "p1"))
	_, err := r.GetTask(ctx, "a")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}
