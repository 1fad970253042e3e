package engine

import (
	"context"
	"math"

	"labelflow/internal/domain"
	"labelflow/internal/events"
)

// Export returns every task that carries final labels, ordered by id.
func (e Engine) Export(ctx context.Context, projectID string) ([]domain.ExportRecord, error) {
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	tasks, err := e.Repo.ExportTasks(ctx, projectID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.ExportRecord, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, domain.ExportRecord{
			ID:          t.ID,
			Text:        t.Text,
			Metadata:    t.Metadata,
			AutoLabels:  t.AutoLabels,
			FinalLabels: t.FinalLabels,
			Confidence:  t.Confidence,
			Status:      t.Status,
			AnnotatorID: t.AnnotatorID,
			ReviewedAt:  t.ReviewedAt,
		})
	}
	return out, nil
}

// Stats summarizes a project. Every status and feedback action is present in
// the maps, zero when unused. Completion counts every task past review.
func (e Engine) Stats(ctx context.Context, projectID string) (domain.ProjectStats, error) {
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return domain.ProjectStats{}, err
	}
	counts, err := e.Repo.CountTasksByStatus(ctx, projectID)
	if err != nil {
		return domain.ProjectStats{}, err
	}
	st := domain.ProjectStats{ProjectID: projectID, Counts: map[string]int{}, Feedback: map[string]int{}}
	for _, s := range domain.Statuses {
		st.Counts[s] = counts[s]
		st.Total += counts[s]
	}
	if st.Total > 0 {
		done := 0
		for _, s := range domain.PostReviewStatuses {
			done += st.Counts[s]
		}
		st.CompletionRate = round4(float64(done) / float64(st.Total))
	}
	avg, ok, err := e.Repo.AverageConfidence(ctx, projectID)
	if err != nil {
		return domain.ProjectStats{}, err
	}
	if ok {
		st.AverageConfidence = round4(avg)
	}
	fb, err := e.Repo.CountFeedbackByAction(ctx, projectID)
	if err != nil {
		return domain.ProjectStats{}, err
	}
	for _, a := range []string{domain.ActionApprove, domain.ActionReject, domain.ActionCorrect} {
		st.Feedback[a] = fb[a]
	}
	if st.Corrections, err = e.Repo.CountEvents(ctx, projectID, events.TaskCorrected); err != nil {
		return domain.ProjectStats{}, err
	}
	return st, nil
}

// AnnotatorStats reports per-annotator throughput and client acceptance for
// a project.
func (e Engine) AnnotatorStats(ctx context.Context, projectID string) ([]domain.AnnotatorStats, error) {
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	out, err := e.Repo.AnnotatorStats(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []domain.AnnotatorStats{}
	}
	return out, nil
}

func round4(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}
