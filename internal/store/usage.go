package store

import "context"

// AddUsage accumulates per-job token/cost counters (spec.md §3's
// UsageCounter, updated by workers after each LLM call). estimated marks
// whether this particular call's tokens came from the provider or were
// filled in by internal/agent's tiktoken-go estimator; once any call
// folded into a job's counter was estimated, the counter stays marked.
func (s *Store) AddUsage(ctx context.Context, jobID string, inputTokens, outputTokens int64, costUSD float64, estimated bool) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO usage_counters (job_id, input_tokens, output_tokens, calls, cost_usd, estimated, updated_at)
		VALUES ($1, $2, $3, 1, $4, $5, now())
		ON CONFLICT (job_id) DO UPDATE SET
			input_tokens = usage_counters.input_tokens + EXCLUDED.input_tokens,
			output_tokens = usage_counters.output_tokens + EXCLUDED.output_tokens,
			calls = usage_counters.calls + 1,
			cost_usd = usage_counters.cost_usd + EXCLUDED.cost_usd,
			estimated = usage_counters.estimated OR EXCLUDED.estimated,
			updated_at = now()`,
		jobID, inputTokens, outputTokens, costUSD, estimated)
	return classify(err)
}

// GetUsage reads the current usage aggregate, read by the API usage
// endpoint (spec.md §6: GET /projects/{job_id}/usage).
func (s *Store) GetUsage(ctx context.Context, jobID string) (*UsageCounter, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT job_id, input_tokens, output_tokens, calls, cost_usd, estimated, updated_at
		FROM usage_counters WHERE job_id = $1`, jobID)

	var u UsageCounter
	if err := row.Scan(&u.JobID, &u.InputTokens, &u.OutputTokens, &u.Calls, &u.CostUSD, &u.Estimated, &u.UpdatedAt); err != nil {
		if classify(err) == ErrNotFound {
			// No usage recorded yet is not an error — zero-value counters.
			return &UsageCounter{JobID: jobID}, nil
		}
		return nil, classify(err)
	}
	return &u, nil
}
