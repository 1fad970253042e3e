package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"labelflow/internal/autolabel"
	"labelflow/internal/config"
	"labelflow/internal/db"
	"labelflow/internal/domain"
	"labelflow/internal/engine"
	"labelflow/internal/events"
	"labelflow/internal/ingest"
	"labelflow/internal/labels"
	"labelflow/internal/metrics"
	"labelflow/internal/migrate"
	"labelflow/internal/notify"
	"labelflow/internal/repo"
)

type testEnv struct {
	Engine   engine.Engine
	Ctx      context.Context
	Notified *notify.Recorder
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	rec := notify.NewRecorder(256)
	eng.Notifier = rec
	eng.Metrics = metrics.New()
	return testEnv{Engine: eng, Ctx: context.Background(), Notified: rec}
}

func (env testEnv) project(t *testing.T, taskType string) domain.Project {
	t.Helper()
	opts := engine.ProjectCreateOptions{ID: "proj-1", Name: "reviews", TaskType: taskType, ActorID: "admin"}
	if taskType == "ner" {
		opts.EntityClasses = []string{"LOC", "ORG", "PER"}
	}
	p, err := env.Engine.CreateProject(env.Ctx, opts)
	require.NoError(t, err)
	return p
}

func (env testEnv) upload(t *testing.T, projectID string, texts ...string) []string {
	t.Helper()
	items := make([]ingest.Item, 0, len(texts))
	for _, text := range texts {
		items = append(items, ingest.Item{Text: text})
	}
	res, err := env.Engine.Upload(env.Ctx, engine.UploadOptions{ProjectID: projectID, Filename: "inline", Items: items, ActorID: "admin"})
	require.NoError(t, err)
	require.Len(t, res.TaskIDs, len(texts))
	return res.TaskIDs
}

// reviewed drives a fresh sentiment task to reviewed.
func (env testEnv) reviewed(t *testing.T, text string) domain.Task {
	t.Helper()
	ids := env.upload(t, "proj-1", text)
	_, err := env.Engine.SubmitForLabeling(env.Ctx, ids[0], "admin", 0)
	require.NoError(t, err)
	task, err := env.Engine.Review(env.Ctx, engine.ReviewOptions{TaskID: ids[0], FinalLabels: labels.NewSentiment("POSITIVE", nil), AnnotatorID: "ann-1"})
	require.NoError(t, err)
	return task
}

func eventTypes(t *testing.T, env testEnv, entityID string) []string {
	t.Helper()
	evts, err := env.Engine.ListEvents(env.Ctx, repo.EventFilters{EntityID: entityID, Limit: 100})
	require.NoError(t, err)
	var out []string
	for i := len(evts) - 1; i >= 0; i-- {
		out = append(out, evts[i].Type)
	}
	return out
}

func TestAllowedTransitions(t *testing.T) {
	tests := map[string][]string{
		domain.StatusUploaded:       {domain.StatusAutoLabeled},
		domain.StatusAutoLabeled:    {domain.StatusInReview, domain.StatusReviewed},
		domain.StatusInReview:       {domain.StatusInReview, domain.StatusReviewed},
		domain.StatusReviewed:       {domain.StatusClientApproved, domain.StatusClientRejected, domain.StatusCompleted},
		domain.StatusClientApproved: {domain.StatusClientApproved, domain.StatusClientRejected},
		domain.StatusClientRejected: {domain.StatusAutoLabeled, domain.StatusClientApproved, domain.StatusClientRejected, domain.StatusCompleted},
		domain.StatusCompleted:      nil,
	}
	for from, want := range tests {
		t.Run(from, func(t *testing.T) {
			assert.ElementsMatch(t, want, engine.AllowedTransitions(from))
		})
	}
}

func TestHappyPath(t *testing.T) {
	env := newTestEnv(t)
	env.project(t, "sentiment")
	ids := env.upload(t, "proj-1", "I love this phone", "Terrible battery, broken", "It arrived on Tuesday")

	res, err := env.Engine.LabelBatch(env.Ctx, engine.LabelBatchOptions{ProjectID: "proj-1", ActorID: "admin"})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Requested)
	assert.Equal(t, 3, res.Succeeded)
	assert.Zero(t, res.Failed)

	pending, err := env.Engine.PendingTasks(env.Ctx, "proj-1", "", 0)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	for i := 1; i < len(pending); i++ {
		assert.LessOrEqual(t, *pending[i-1].Confidence, *pending[i].Confidence)
	}

	claimed, err := env.Engine.ClaimTask(env.Ctx, ids[0], "ann-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInReview, claimed.Status)

	task, err := env.Engine.Review(env.Ctx, engine.ReviewOptions{TaskID: ids[0], FinalLabels: labels.NewSentiment("NEUTRAL", nil), AnnotatorID: "ann-1"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusReviewed, task.Status)
	require.NotNil(t, task.ReviewedAt)
	assert.Equal(t, "ann-1", *task.AnnotatorID)

	sample, err := env.Engine.FetchSample(env.Ctx, "proj-1", 5)
	require.NoError(t, err)
	require.Len(t, sample, 1)
	assert.Equal(t, ids[0], sample[0].ID)

	fb, err := env.Engine.SubmitFeedback(env.Ctx, engine.FeedbackOptions{TaskID: ids[0], Action: domain.ActionApprove, SubmittedBy: "client-1", Comment: "fine"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusClientApproved, fb.Task.Status)
	assert.Equal(t, "fine", fb.Feedback.Comment)

	out, err := env.Engine.Export(env.Ctx, "proj-1")
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "NEUTRAL", out[0].FinalLabels.Sentiment.Label)
	assert.Equal(t, "POSITIVE", out[0].AutoLabels.Sentiment.Label)

	st, err := env.Engine.Stats(env.Ctx, "proj-1")
	require.NoError(t, err)
	assert.Equal(t, 3, st.Total)
	assert.Equal(t, 2, st.Counts[domain.StatusAutoLabeled])
	assert.Equal(t, 1, st.Counts[domain.StatusClientApproved])
	assert.InDelta(t, 0.3333, st.CompletionRate, 1e-9)
	assert.Equal(t, 1, st.Feedback[domain.ActionApprove])
	assert.Equal(t, 1, st.Corrections)
	assert.Greater(t, st.AverageConfidence, 0.0)

	assert.Equal(t, []string{
		events.TaskAutoLabeled, events.TaskClaimed, events.TaskReviewed, events.TaskCorrected, events.TaskClientApproved,
	}, eventTypes(t, env, ids[0]))

	ann, err := env.Engine.AnnotatorStats(env.Ctx, "proj-1")
	require.NoError(t, err)
	require.Len(t, ann, 1)
	assert.Equal(t, 1, ann[0].TasksReviewed)
	assert.Equal(t, 1, ann[0].Corrections)
	assert.Equal(t, 1, ann[0].Approved)
	assert.InDelta(t, 1.0, ann[0].Accuracy, 1e-9)

	var types []string
	for _, evt := range env.Notified.Drain() {
		types = append(types, evt.Type)
	}
	assert.Contains(t, types, events.LabelingBatchDone)
	assert.Contains(t, types, events.TaskReviewed)
	assert.Contains(t, types, events.FeedbackReceived)
}

func TestReviewRejectsInvalidShape(t *testing.T) {
	env := newTestEnv(t)
	env.project(t, "ner")
	ids := env.upload(t, "proj-1", "Ada moved to Paris")
	_, err := env.Engine.SubmitForLabeling(env.Ctx, ids[0], "admin", 0)
	require.NoError(t, err)

	tests := []struct {
		name    string
		payload labels.Payload
	}{
		{name: "overlap", payload: labels.NewNER(labels.Entity{Start: 0, End: 5, Class: "PER"}, labels.Entity{Start: 3, End: 9, Class: "LOC"})},
		{name: "out of range", payload: labels.NewNER(labels.Entity{Start: 13, End: 40, Class: "LOC"})},
		{name: "unknown class", payload: labels.NewNER(labels.Entity{Start: 13, End: 18, Class: "CITY"})},
		{name: "wrong type", payload: labels.NewSentiment("POSITIVE", nil)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.Engine.Review(env.Ctx, engine.ReviewOptions{TaskID: ids[0], FinalLabels: tt.payload, AnnotatorID: "ann-1"})
			assert.ErrorIs(t, err, labels.ErrInvalidShape)
		})
	}
	task, err := env.Engine.GetTask(env.Ctx, "proj-1", ids[0])
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAutoLabeled, task.Status)
	assert.Nil(t, task.FinalLabels)

	task, err = env.Engine.Review(env.Ctx, engine.ReviewOptions{
		TaskID:      ids[0],
		FinalLabels: labels.NewNER(labels.Entity{Start: 13, End: 18, Class: "LOC"}, labels.Entity{Start: 0, End: 3, Class: "PER"}),
		AnnotatorID: "ann-1",
	})
	require.NoError(t, err)
	require.Len(t, task.FinalLabels.NER.Entities, 2)
	assert.Equal(t, "Paris", task.FinalLabels.NER.Entities[0].Text)
	assert.Equal(t, "Ada", task.FinalLabels.NER.Entities[1].Text)
}

func TestReviewUnchangedNERKeepsAutoLabels(t *testing.T) {
	env := newTestEnv(t)
	env.project(t, "ner")
	suggested := labels.NewNER(labels.Entity{Start: 0, End: 5, Class: "LOC", Text: "Paris"})
	conf := 0.9
	env.Engine.Labeler = autolabel.Func(func(context.Context, autolabel.Request) (autolabel.Result, error) {
		return autolabel.Result{Payload: suggested, Confidence: &conf, Model: "stub"}, nil
	})
	ids := env.upload(t, "proj-1", "Paris is nice")
	labeled, err := env.Engine.SubmitForLabeling(env.Ctx, ids[0], "admin", 0)
	require.NoError(t, err)
	require.NotNil(t, labeled.Confidence)
	assert.InDelta(t, 0.9, *labeled.Confidence, 1e-9)

	task, err := env.Engine.Review(env.Ctx, engine.ReviewOptions{TaskID: ids[0], FinalLabels: suggested, AnnotatorID: "ann-1"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusReviewed, task.Status)
	assert.True(t, labels.Equal(task.FinalLabels, task.AutoLabels))

	types := eventTypes(t, env, ids[0])
	assert.Contains(t, types, events.TaskReviewed)
	assert.NotContains(t, types, events.TaskCorrected)

	reviewedEvents, err := env.Engine.ListEvents(env.Ctx, repo.EventFilters{Type: events.TaskReviewed, EntityID: ids[0], Limit: 10})
	require.NoError(t, err)
	require.Len(t, reviewedEvents, 1)
	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(reviewedEvents[0].Payload), &payload))
	assert.Equal(t, false, payload["labels_changed"])

	st, err := env.Engine.Stats(env.Ctx, "proj-1")
	require.NoError(t, err)
	assert.Zero(t, st.Corrections)
}

func TestFinalLabelsSetExactlyAfterReview(t *testing.T) {
	env := newTestEnv(t)
	env.project(t, "sentiment")
	ids := env.upload(t, "proj-1", "I love it")
	id := ids[0]

	check := func(step string) {
		t.Helper()
		task, err := env.Engine.GetTask(env.Ctx, "proj-1", id)
		require.NoError(t, err, step)
		assert.Equal(t, domain.IsPostReview(task.Status), task.FinalLabels != nil, "%s: status %s", step, task.Status)
	}
	feedback := func(action string, corrected *labels.Payload) {
		t.Helper()
		_, err := env.Engine.SubmitFeedback(env.Ctx, engine.FeedbackOptions{TaskID: id, Action: action, CorrectedLabels: corrected, SubmittedBy: "client-1"})
		require.NoError(t, err)
		check(action)
	}
	review := func(annotator string) {
		t.Helper()
		_, err := env.Engine.Review(env.Ctx, engine.ReviewOptions{TaskID: id, FinalLabels: labels.NewSentiment("POSITIVE", nil), AnnotatorID: annotator})
		require.NoError(t, err)
		check("review")
	}

	check("upload")
	_, err := env.Engine.SubmitForLabeling(env.Ctx, id, "admin", 0)
	require.NoError(t, err)
	check("auto-label")
	_, err = env.Engine.ClaimTask(env.Ctx, id, "ann-1")
	require.NoError(t, err)
	check("claim")
	review("ann-1")
	feedback(domain.ActionApprove, nil)
	feedback(domain.ActionReject, nil)
	_, err = env.Engine.Requeue(env.Ctx, id, "admin")
	require.NoError(t, err)
	check("requeue")
	review("ann-2")
	corrected := labels.NewSentiment("NEGATIVE", nil)
	feedback(domain.ActionCorrect, &corrected)
	feedback(domain.ActionReject, nil)
	_, err = env.Engine.Complete(env.Ctx, id, "admin")
	require.NoError(t, err)
	check("complete")
}

func TestReviewAfterApprovalFails(t *testing.T) {
	env := newTestEnv(t)
	env.project(t, "sentiment")
	task := env.reviewed(t, "I love it")
	_, err := env.Engine.SubmitFeedback(env.Ctx, engine.FeedbackOptions{TaskID: task.ID, Action: domain.ActionApprove, SubmittedBy: "client-1"})
	require.NoError(t, err)

	_, err = env.Engine.Review(env.Ctx, engine.ReviewOptions{TaskID: task.ID, FinalLabels: labels.NewSentiment("NEGATIVE", nil), AnnotatorID: "ann-1"})
	require.ErrorIs(t, err, engine.ErrInvalidTransition)
	var terr *engine.TransitionError
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, domain.StatusClientApproved, terr.From)
	assert.False(t, terr.Stale)

	_, err = env.Engine.Complete(env.Ctx, task.ID, "admin")
	assert.ErrorIs(t, err, engine.ErrInvalidTransition)
}

func TestReviewBeforeLabelingFails(t *testing.T) {
	env := newTestEnv(t)
	env.project(t, "sentiment")
	ids := env.upload(t, "proj-1", "I love it")
	_, err := env.Engine.Review(env.Ctx, engine.ReviewOptions{TaskID: ids[0], FinalLabels: labels.NewSentiment("POSITIVE", nil), AnnotatorID: "ann-1"})
	assert.ErrorIs(t, err, engine.ErrInvalidTransition)
	_, err = env.Engine.Review(env.Ctx, engine.ReviewOptions{TaskID: "missing", FinalLabels: labels.NewSentiment("POSITIVE", nil), AnnotatorID: "ann-1"})
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestConcurrentReviewsHaveOneWinner(t *testing.T) {
	env := newTestEnv(t)
	env.project(t, "sentiment")
	ids := env.upload(t, "proj-1", "I love it")
	_, err := env.Engine.SubmitForLabeling(env.Ctx, ids[0], "admin", 0)
	require.NoError(t, err)

	const reviewers = 8
	errs := make([]error, reviewers)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := range reviewers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, errs[i] = env.Engine.Review(env.Ctx, engine.ReviewOptions{
				TaskID:      ids[0],
				FinalLabels: labels.NewSentiment("NEGATIVE", nil),
				AnnotatorID: fmt.Sprintf("ann-%d", i),
			})
		}()
	}
	close(start)
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, engine.ErrInvalidTransition)
	}
	assert.Equal(t, 1, wins)

	evts, err := env.Engine.ListEvents(env.Ctx, repo.EventFilters{EntityID: ids[0], Type: events.TaskReviewed})
	require.NoError(t, err)
	assert.Len(t, evts, 1)
}

func TestClaimConflict(t *testing.T) {
	env := newTestEnv(t)
	env.project(t, "sentiment")
	ids := env.upload(t, "proj-1", "I love it")
	_, err := env.Engine.SubmitForLabeling(env.Ctx, ids[0], "admin", 0)
	require.NoError(t, err)

	_, err = env.Engine.ClaimTask(env.Ctx, ids[0], "ann-1")
	require.NoError(t, err)
	again, err := env.Engine.ClaimTask(env.Ctx, ids[0], "ann-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInReview, again.Status)

	_, err = env.Engine.ClaimTask(env.Ctx, ids[0], "ann-2")
	assert.ErrorIs(t, err, engine.ErrClaimConflict)
	_, err = env.Engine.Review(env.Ctx, engine.ReviewOptions{TaskID: ids[0], FinalLabels: labels.NewSentiment("POSITIVE", nil), AnnotatorID: "ann-2"})
	assert.ErrorIs(t, err, engine.ErrClaimConflict)

	mine, err := env.Engine.PendingTasks(env.Ctx, "proj-1", "ann-1", 0)
	require.NoError(t, err)
	assert.Len(t, mine, 1)
	theirs, err := env.Engine.PendingTasks(env.Ctx, "proj-1", "ann-2", 0)
	require.NoError(t, err)
	assert.Empty(t, theirs)
}

func TestLabelBatchIsolatesFailures(t *testing.T) {
	env := newTestEnv(t)
	env.project(t, "sentiment")
	env.Engine.Labeler = autolabel.Func(func(ctx context.Context, req autolabel.Request) (autolabel.Result, error) {
		if strings.Contains(req.Text, "boom") {
			return autolabel.Result{}, errors.New("model exploded")
		}
		c := 0.9
		return autolabel.Result{Payload: labels.NewSentiment("POSITIVE", nil), Confidence: &c, Model: "stub"}, nil
	})
	ids := env.upload(t, "proj-1", "fine one", "boom", "fine two")

	res, err := env.Engine.LabelBatch(env.Ctx, engine.LabelBatchOptions{ProjectID: "proj-1", Concurrency: 3})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Requested)
	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, ids[1], res.Failures[0].TaskID)
	assert.Contains(t, res.Failures[0].Error, "model exploded")

	failed, err := env.Engine.GetTask(env.Ctx, "proj-1", ids[1])
	require.NoError(t, err)
	assert.Equal(t, domain.StatusUploaded, failed.Status)
	assert.Nil(t, failed.AutoLabels)
	assert.Equal(t, []string{events.TaskLabelingFailed}, eventTypes(t, env, ids[1]))

	ok, err := env.Engine.GetTask(env.Ctx, "proj-1", ids[0])
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAutoLabeled, ok.Status)
	assert.Equal(t, "stub", ok.Model)
}

func TestLabelBatchExplicitIDs(t *testing.T) {
	env := newTestEnv(t)
	env.project(t, "sentiment")
	ids := env.upload(t, "proj-1", "I love it", "I hate it")
	_, err := env.Engine.SubmitForLabeling(env.Ctx, ids[0], "admin", 0)
	require.NoError(t, err)

	res, err := env.Engine.LabelBatch(env.Ctx, engine.LabelBatchOptions{ProjectID: "proj-1", TaskIDs: []string{ids[0], ids[1], "nope"}})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Requested)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 2, res.Failed)

	_, err = env.Engine.LabelBatch(env.Ctx, engine.LabelBatchOptions{ProjectID: "proj-1", BatchSize: 100000})
	assert.Error(t, err)
}

func TestLabelingTimeoutLeavesTaskUploaded(t *testing.T) {
	env := newTestEnv(t)
	env.project(t, "sentiment")
	release := make(chan struct{})
	defer close(release)
	env.Engine.Labeler = autolabel.Func(func(ctx context.Context, req autolabel.Request) (autolabel.Result, error) {
		<-release
		return autolabel.Result{Payload: labels.NewSentiment("POSITIVE", nil)}, nil
	})
	ids := env.upload(t, "proj-1", "slow")

	_, err := env.Engine.SubmitForLabeling(env.Ctx, ids[0], "admin", 20*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, autolabel.ErrLabeling)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	task, err := env.Engine.GetTask(env.Ctx, "proj-1", ids[0])
	require.NoError(t, err)
	assert.Equal(t, domain.StatusUploaded, task.Status)
}

func TestInvalidLabelerOutputIsLabelingError(t *testing.T) {
	env := newTestEnv(t)
	env.project(t, "sentiment")
	tests := []struct {
		name string
		res  autolabel.Result
	}{
		{name: "confidence", res: autolabel.Result{Payload: labels.NewSentiment("POSITIVE", nil), Confidence: ptr(1.5)}},
		{name: "wrong type", res: autolabel.Result{Payload: labels.NewClassification("books", nil)}},
		{name: "scores", res: autolabel.Result{Payload: labels.NewSentiment("POSITIVE", map[string]float64{"POSITIVE": 0.2})}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env.Engine.Labeler = autolabel.Func(func(context.Context, autolabel.Request) (autolabel.Result, error) {
				return tt.res, nil
			})
			ids := env.upload(t, "proj-1", "text")
			_, err := env.Engine.SubmitForLabeling(env.Ctx, ids[0], "admin", 0)
			assert.ErrorIs(t, err, autolabel.ErrLabeling)
			task, err := env.Engine.GetTask(env.Ctx, "", ids[0])
			require.NoError(t, err)
			assert.Equal(t, domain.StatusUploaded, task.Status)
		})
	}
}

func TestLabelingTwiceFails(t *testing.T) {
	env := newTestEnv(t)
	env.project(t, "sentiment")
	ids := env.upload(t, "proj-1", "I love it")
	_, err := env.Engine.SubmitForLabeling(env.Ctx, ids[0], "admin", 0)
	require.NoError(t, err)
	_, err = env.Engine.SubmitForLabeling(env.Ctx, ids[0], "admin", 0)
	assert.ErrorIs(t, err, engine.ErrInvalidTransition)
}

func TestFeedbackCorrectReplacesLabels(t *testing.T) {
	env := newTestEnv(t)
	env.project(t, "sentiment")
	task := env.reviewed(t, "I love it")

	corrected := labels.NewSentiment("NEGATIVE", map[string]float64{"NEGATIVE": 0.8, "POSITIVE": 0.2})
	res, err := env.Engine.SubmitFeedback(env.Ctx, engine.FeedbackOptions{
		TaskID: task.ID, Action: domain.ActionCorrect, CorrectedLabels: &corrected, SubmittedBy: "client-1", ClientName: "Acme",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusClientApproved, res.Task.Status)
	assert.Equal(t, "NEGATIVE", res.Task.FinalLabels.Sentiment.Label)
	require.NotNil(t, res.Feedback.CorrectedLabels)

	stored, err := env.Engine.GetTask(env.Ctx, "proj-1", task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusClientApproved, stored.Status)
	assert.Equal(t, "NEGATIVE", stored.FinalLabels.Sentiment.Label)
	assert.Contains(t, eventTypes(t, env, task.ID), events.TaskClientApproved)

	// a later rejection overrides the approval and keeps the corrected labels
	res, err = env.Engine.SubmitFeedback(env.Ctx, engine.FeedbackOptions{TaskID: task.ID, Action: domain.ActionReject, SubmittedBy: "client-1"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusClientRejected, res.Task.Status)
	assert.Equal(t, "NEGATIVE", res.Task.FinalLabels.Sentiment.Label)

	list, err := env.Engine.ListFeedback(env.Ctx, repo.FeedbackFilters{ProjectID: "proj-1", TaskID: task.ID})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, domain.ActionCorrect, list[0].Action)
	assert.Equal(t, domain.ActionReject, list[1].Action)
}

func TestFeedbackCorrectIsNotRequeued(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Lifecycle.RequeueRejected = config.RequeueAuto
	env.project(t, "sentiment")
	task := env.reviewed(t, "I love it")

	corrected := labels.NewSentiment("NEGATIVE", nil)
	res, err := env.Engine.SubmitFeedback(env.Ctx, engine.FeedbackOptions{
		TaskID: task.ID, Action: domain.ActionCorrect, CorrectedLabels: &corrected, SubmittedBy: "client-1",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusClientApproved, res.Task.Status)
	require.NotNil(t, res.Task.FinalLabels)
	assert.Equal(t, "NEGATIVE", res.Task.FinalLabels.Sentiment.Label)
	assert.NotContains(t, eventTypes(t, env, task.ID), events.TaskRequeued)

	out, err := env.Engine.Export(env.Ctx, "proj-1")
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, domain.StatusClientApproved, out[0].Status)
	require.NotNil(t, out[0].FinalLabels)
	assert.Equal(t, "NEGATIVE", out[0].FinalLabels.Sentiment.Label)
}

func TestFeedbackValidationWritesNothing(t *testing.T) {
	env := newTestEnv(t)
	env.project(t, "sentiment")
	task := env.reviewed(t, "I love it")

	_, err := env.Engine.SubmitFeedback(env.Ctx, engine.FeedbackOptions{TaskID: task.ID, Action: domain.ActionCorrect, SubmittedBy: "client-1"})
	assert.ErrorIs(t, err, labels.ErrInvalidShape)
	bad := labels.NewSentiment("", nil)
	_, err = env.Engine.SubmitFeedback(env.Ctx, engine.FeedbackOptions{TaskID: task.ID, Action: domain.ActionCorrect, CorrectedLabels: &bad, SubmittedBy: "client-1"})
	assert.ErrorIs(t, err, labels.ErrInvalidShape)
	_, err = env.Engine.SubmitFeedback(env.Ctx, engine.FeedbackOptions{TaskID: task.ID, Action: "shrug", SubmittedBy: "client-1"})
	assert.Error(t, err)
	_, err = env.Engine.SubmitFeedback(env.Ctx, engine.FeedbackOptions{TaskID: task.ID, Action: domain.ActionApprove})
	assert.Error(t, err)

	list, err := env.Engine.ListFeedback(env.Ctx, repo.FeedbackFilters{ProjectID: "proj-1"})
	require.NoError(t, err)
	assert.Empty(t, list)
	stored, err := env.Engine.GetTask(env.Ctx, "proj-1", task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusReviewed, stored.Status)
}

func TestFeedbackBeforeReviewFails(t *testing.T) {
	env := newTestEnv(t)
	env.project(t, "sentiment")
	ids := env.upload(t, "proj-1", "I love it")
	_, err := env.Engine.SubmitFeedback(env.Ctx, engine.FeedbackOptions{TaskID: ids[0], Action: domain.ActionApprove, SubmittedBy: "client-1"})
	assert.ErrorIs(t, err, engine.ErrInvalidTransition)
}

func TestRequeueReturnsTaskToQueue(t *testing.T) {
	env := newTestEnv(t)
	env.project(t, "sentiment")
	task := env.reviewed(t, "I love it")

	_, err := env.Engine.Requeue(env.Ctx, task.ID, "admin")
	require.ErrorIs(t, err, engine.ErrInvalidTransition)

	_, err = env.Engine.SubmitFeedback(env.Ctx, engine.FeedbackOptions{TaskID: task.ID, Action: domain.ActionReject, SubmittedBy: "client-1", Comment: "wrong"})
	require.NoError(t, err)
	requeued, err := env.Engine.Requeue(env.Ctx, task.ID, "admin")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAutoLabeled, requeued.Status)
	assert.Nil(t, requeued.FinalLabels)
	assert.Nil(t, requeued.AnnotatorID)
	assert.Nil(t, requeued.ReviewedAt)
	assert.NotNil(t, requeued.AutoLabels)

	pending, err := env.Engine.PendingTasks(env.Ctx, "proj-1", "", 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, task.ID, pending[0].ID)

	sample, err := env.Engine.FetchSample(env.Ctx, "proj-1", 10)
	require.NoError(t, err)
	assert.Empty(t, sample)

	_, err = env.Engine.Review(env.Ctx, engine.ReviewOptions{TaskID: task.ID, FinalLabels: labels.NewSentiment("NEGATIVE", nil), AnnotatorID: "ann-2"})
	require.NoError(t, err)
	sample, err = env.Engine.FetchSample(env.Ctx, "proj-1", 10)
	require.NoError(t, err)
	require.Len(t, sample, 1)
	assert.Equal(t, task.ID, sample[0].ID)
	assert.Equal(t, domain.StatusReviewed, sample[0].Status)
}

func TestAutoRequeueOnReject(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Lifecycle.RequeueRejected = config.RequeueAuto
	env.project(t, "sentiment")
	task := env.reviewed(t, "I love it")

	res, err := env.Engine.SubmitFeedback(env.Ctx, engine.FeedbackOptions{TaskID: task.ID, Action: domain.ActionReject, SubmittedBy: "client-1"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAutoLabeled, res.Task.Status)
	assert.Equal(t, domain.ActionReject, res.Feedback.Action)
	assert.Contains(t, eventTypes(t, env, task.ID), events.TaskRequeued)
}

func TestCompleteFromReviewedAndRejected(t *testing.T) {
	env := newTestEnv(t)
	env.project(t, "sentiment")
	a := env.reviewed(t, "I love it")
	done, err := env.Engine.Complete(env.Ctx, a.ID, "admin")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, done.Status)
	_, err = env.Engine.Complete(env.Ctx, a.ID, "admin")
	assert.ErrorIs(t, err, engine.ErrInvalidTransition)

	b := env.reviewed(t, "I hate it")
	_, err = env.Engine.SubmitFeedback(env.Ctx, engine.FeedbackOptions{TaskID: b.ID, Action: domain.ActionReject, SubmittedBy: "client-1"})
	require.NoError(t, err)
	done, err = env.Engine.Complete(env.Ctx, b.ID, "admin")
	require.NoError(t, err)
	assert.NotNil(t, done.FinalLabels)

	st, err := env.Engine.Stats(env.Ctx, "proj-1")
	require.NoError(t, err)
	assert.Equal(t, 2, st.Counts[domain.StatusCompleted])
	assert.InDelta(t, 1.0, st.CompletionRate, 1e-9)
}

func TestStatsEmptyProject(t *testing.T) {
	env := newTestEnv(t)
	env.project(t, "classification")
	st, err := env.Engine.Stats(env.Ctx, "proj-1")
	require.NoError(t, err)
	assert.Zero(t, st.Total)
	assert.Zero(t, st.CompletionRate)
	assert.Zero(t, st.AverageConfidence)
	assert.Len(t, st.Counts, len(domain.Statuses))
	for _, s := range domain.Statuses {
		assert.Contains(t, st.Counts, s)
	}
	assert.Len(t, st.Feedback, 3)

	_, err = env.Engine.Stats(env.Ctx, "missing")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestFetchPendingWalksAllPages(t *testing.T) {
	env := newTestEnv(t)
	env.project(t, "sentiment")
	env.Engine.Labeler = autolabel.Func(func(ctx context.Context, req autolabel.Request) (autolabel.Result, error) {
		var n int
		_, _ = fmt.Sscanf(req.Text, "item %d", &n)
		res := autolabel.Result{Payload: labels.NewSentiment("NEUTRAL", nil)}
		if n%10 != 0 {
			c := float64((n*37)%20) / 20
			res.Confidence = &c
		}
		return res, nil
	})
	texts := make([]string, 0, 230)
	for i := range 230 {
		texts = append(texts, fmt.Sprintf("item %d", i))
	}
	env.upload(t, "proj-1", texts...)
	res, err := env.Engine.LabelBatch(env.Ctx, engine.LabelBatchOptions{ProjectID: "proj-1", BatchSize: 500})
	require.NoError(t, err)
	require.Equal(t, 230, res.Succeeded)

	var got []domain.Task
	for task, err := range env.Engine.FetchPending(env.Ctx, "proj-1", "") {
		require.NoError(t, err)
		got = append(got, task)
	}
	require.Len(t, got, 230)
	key := func(task domain.Task) float64 {
		if task.Confidence == nil {
			return -1
		}
		return *task.Confidence
	}
	assert.True(t, sort.SliceIsSorted(got, func(i, j int) bool {
		if key(got[i]) != key(got[j]) {
			return key(got[i]) < key(got[j])
		}
		return got[i].ID < got[j].ID
	}))
	assert.Nil(t, got[0].Confidence)
	seen := map[string]bool{}
	for _, task := range got {
		assert.False(t, seen[task.ID])
		seen[task.ID] = true
	}

	first, err := env.Engine.PendingTasks(env.Ctx, "proj-1", "", 5)
	require.NoError(t, err)
	assert.Len(t, first, 5)
}

type failingNotifier struct{}

func (failingNotifier) Publish(context.Context, notify.Event) error { return errors.New("broker down") }

func TestNotifyFailureDoesNotFailOperation(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Notifier = failingNotifier{}
	env.project(t, "sentiment")
	task := env.reviewed(t, "I love it")
	assert.Equal(t, domain.StatusReviewed, task.Status)
}

func TestProjectValidationAndUpdate(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{Name: "x", TaskType: "audio"})
	assert.Error(t, err)
	_, err = env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{Name: "x", TaskType: "ner"})
	assert.Error(t, err)
	_, err = env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{TaskType: "sentiment"})
	assert.Error(t, err)

	p := env.project(t, "ner")
	assert.Equal(t, "en", p.Language)
	desc := "tagged news"
	classes := []string{"LOC", " LOC ", "MISC"}
	p, err = env.Engine.UpdateProject(env.Ctx, engine.ProjectUpdateOptions{ID: p.ID, Description: &desc, EntityClasses: &classes})
	require.NoError(t, err)
	assert.Equal(t, []string{"LOC", "MISC"}, p.EntityClasses)
	empty := []string{}
	_, err = env.Engine.UpdateProject(env.Ctx, engine.ProjectUpdateOptions{ID: p.ID, EntityClasses: &empty})
	assert.Error(t, err)
}

func TestDeleteProjectRemovesTasks(t *testing.T) {
	env := newTestEnv(t)
	env.project(t, "sentiment")
	task := env.reviewed(t, "I love it")
	require.NoError(t, env.Engine.DeleteProject(env.Ctx, "proj-1", "admin"))
	_, err := env.Engine.GetTask(env.Ctx, "", task.ID)
	assert.ErrorIs(t, err, repo.ErrNotFound)
	assert.ErrorIs(t, env.Engine.DeleteProject(env.Ctx, "proj-1", "admin"), repo.ErrNotFound)
}

func TestUploadParsesDataset(t *testing.T) {
	env := newTestEnv(t)
	env.project(t, "sentiment")
	res, err := env.Engine.Upload(env.Ctx, engine.UploadOptions{
		ProjectID: "proj-1",
		Filename:  "reviews.csv",
		Data:      strings.NewReader("text,stars\nGreat,5\nAwful,1\n"),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Created)
	task, err := env.Engine.GetTask(env.Ctx, "proj-1", res.TaskIDs[0])
	require.NoError(t, err)
	assert.Equal(t, domain.StatusUploaded, task.Status)
	assert.Equal(t, "reviews.csv", task.Metadata.SourceFile)

	_, err = env.Engine.Upload(env.Ctx, engine.UploadOptions{ProjectID: "proj-1", Filename: "x.png", Data: strings.NewReader("abc")})
	assert.ErrorIs(t, err, ingest.ErrInvalidDataset)
	_, err = env.Engine.Upload(env.Ctx, engine.UploadOptions{ProjectID: "proj-1", Filename: "x.json", Data: strings.NewReader("[]")})
	assert.ErrorIs(t, err, ingest.ErrEmptyDataset)
	_, err = env.Engine.Upload(env.Ctx, engine.UploadOptions{ProjectID: "nope", Items: []ingest.Item{{Text: "a"}}})
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestGuidelineVersions(t *testing.T) {
	env := newTestEnv(t)
	env.project(t, "sentiment")
	g1, err := env.Engine.CreateGuideline(env.Ctx, engine.GuidelineCreateOptions{ProjectID: "proj-1", Title: "v1", Content: "label tone", ActorID: "admin"})
	require.NoError(t, err)
	g2, err := env.Engine.CreateGuideline(env.Ctx, engine.GuidelineCreateOptions{ProjectID: "proj-1", Title: "v2", Content: "label tone, ignore sarcasm", ActorID: "admin"})
	require.NoError(t, err)
	assert.Equal(t, 1, g1.Version)
	assert.Equal(t, 2, g2.Version)

	active, err := env.Engine.ListGuidelines(env.Ctx, "proj-1", true)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, g2.ID, active[0].ID)
	all, err := env.Engine.ListGuidelines(env.Ctx, "proj-1", false)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = env.Engine.CreateGuideline(env.Ctx, engine.GuidelineCreateOptions{ProjectID: "proj-1", Title: "empty"})
	assert.Error(t, err)
}

func TestRegisterAnnotator(t *testing.T) {
	env := newTestEnv(t)
	a, err := env.Engine.RegisterAnnotator(env.Ctx, domain.Annotator{ID: "ann-1", Name: "Ana", Email: "ana@example.com"}, "admin")
	require.NoError(t, err)
	assert.Equal(t, "Ana", a.Name)
	a, err = env.Engine.RegisterAnnotator(env.Ctx, domain.Annotator{ID: "ann-1", Name: "Ana B"}, "admin")
	require.NoError(t, err)
	assert.Equal(t, "Ana B", a.Name)
	_, err = env.Engine.RegisterAnnotator(env.Ctx, domain.Annotator{}, "admin")
	assert.Error(t, err)
}

func TestAPIKeyLifecycle(t *testing.T) {
	env := newTestEnv(t)
	issued, err := env.Engine.CreateAPIKey(env.Ctx, "client-1", "client", "acme")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(issued.Key, "lf_"))
	assert.NotEqual(t, issued.Key, issued.KeyHash)

	found, err := env.Engine.ResolveAPIKey(env.Ctx, issued.Key)
	require.NoError(t, err)
	assert.Equal(t, "client-1", found.ActorID)
	assert.Equal(t, "client", found.Role)

	_, err = env.Engine.CreateAPIKey(env.Ctx, "client-1", "root", "")
	assert.EqualError(t, err, `invalid role "root"`)

	require.NoError(t, env.Engine.RevokeAPIKey(env.Ctx, issued.ID))
	_, err = env.Engine.ResolveAPIKey(env.Ctx, issued.Key)
	assert.ErrorIs(t, err, repo.ErrNotFound)
	keys, err := env.Engine.ListAPIKeys(env.Ctx, "")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func ptr(v float64) *float64 { return &v }
