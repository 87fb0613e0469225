package agent

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// estimator lazily loads a tiktoken-go encoding once per process; building
// it is not free, and every agent's fallback path shares one instance.
var (
	estOnce sync.Once
	enc     *tiktoken.Tiktoken
	encErr  error
)

func encoding() (*tiktoken.Tiktoken, error) {
	estOnce.Do(func() {
		enc, encErr = tiktoken.GetEncoding("cl100k_base")
	})
	return enc, encErr
}

// EstimateUsage fills in Usage.InputTokens/OutputTokens via tiktoken-go
// when a provider response didn't carry a usage figure, marking the
// result Estimated (spec.md §3's UsageCounter.estimated extension in
// SPEC_FULL.md).
func EstimateUsage(prompt, completion string) Usage {
	e, err := encoding()
	if err != nil {
		// Fall back to a character-based heuristic if the BPE tables
		// can't be loaded (e.g. no network access to fetch them).
		return Usage{InputTokens: len(prompt) / 4, OutputTokens: len(completion) / 4, Estimated: true}
	}
	return Usage{
		InputTokens:  len(e.Encode(prompt, nil, nil)),
		OutputTokens: len(e.Encode(completion, nil, nil)),
		Estimated:    true,
	}
}
