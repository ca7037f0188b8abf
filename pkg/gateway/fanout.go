// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gateway

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"golang.org/x/sync/errgroup"
)

// FanoutRequest describes a progressive fan-out across a panel of
// models. Every model needs a prompt: ModelMessages takes precedence
// per model, Messages is the shared fallback.
type FanoutRequest struct {
	// Models are the panel members to query in parallel.
	Models []string

	// Messages is the shared prompt for models without an override.
	Messages []Message

	// ModelMessages holds per-model prompts keyed by model id.
	ModelMessages map[string][]Message

	// StreamTokens switches the per-model calls to streaming mode.
	StreamTokens bool

	// OnModelComplete fires once per model as each call finishes.
	OnModelComplete func(model string, outcome Outcome)

	// OnProgress fires after each completion with a running tally.
	OnProgress func(completed, total int, completedModels, pendingModels []string)

	// OnToken receives streamed deltas. It may be invoked concurrently
	// from per-model goroutines.
	OnToken func(model, delta string)
}

// QueryModelsProgressive queries all models in parallel and reports
// completions as they happen, so slow panel members never hold back
// fast ones. Per-model failures land in the outcome map as *ModelError
// values; only context cancellation aborts the whole fan-out.
//
// OnModelComplete and OnProgress are serialized on the caller's
// goroutine in upstream completion order.
func (c *Client) QueryModelsProgressive(ctx context.Context, req FanoutRequest) (map[string]Outcome, error) {
	outcomes := make(map[string]Outcome, len(req.Models))
	if len(req.Models) == 0 {
		return outcomes, nil
	}

	prompts := make(map[string][]Message, len(req.Models))
	for _, model := range req.Models {
		messages := req.ModelMessages[model]
		if messages == nil {
			messages = req.Messages
		}
		if len(messages) == 0 {
			return nil, fmt.Errorf("no messages provided for model %s", model)
		}
		prompts[model] = messages
	}

	type completion struct {
		model   string
		outcome Outcome
	}

	errGroup, errGroupCtx := errgroup.WithContext(ctx)
	completions := make(chan completion, len(req.Models))

	for _, model := range req.Models {
		errGroup.Go(func() error {
			var result *Result
			var err error
			if req.StreamTokens {
				result, err = c.QueryModelStreaming(errGroupCtx, model, prompts[model], func(delta string) {
					if req.OnToken != nil {
						req.OnToken(model, delta)
					}
				})
			} else {
				result, err = c.QueryModel(errGroupCtx, model, prompts[model])
			}
			if err != nil {
				var merr *ModelError
				if !errors.As(err, &merr) {
					return err
				}
				completions <- completion{model: model, outcome: Outcome{Err: merr}}
				return nil
			}
			completions <- completion{model: model, outcome: Outcome{Result: result}}
			return nil
		})
	}

	// Close completions when all goroutines finish
	go func() {
		_ = errGroup.Wait()
		close(completions)
	}()

	completedModels := make([]string, 0, len(req.Models))
	for comp := range completions {
		outcomes[comp.model] = comp.outcome
		completedModels = append(completedModels, comp.model)

		if req.OnModelComplete != nil {
			req.OnModelComplete(comp.model, comp.outcome)
		}
		if req.OnProgress != nil {
			pending := make([]string, 0, len(req.Models)-len(completedModels))
			for _, m := range req.Models {
				if _, done := outcomes[m]; !done {
					pending = append(pending, m)
				}
			}
			req.OnProgress(len(completedModels), len(req.Models), slices.Clone(completedModels), pending)
		}
	}

	if err := errGroup.Wait(); err != nil {
		return nil, err
	}
	return outcomes, nil
}
