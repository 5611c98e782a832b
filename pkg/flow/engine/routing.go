/*
Copyright 2026 The Flow Engine Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package engine

import (
	flowerrors "github.com/flowforge/engine/pkg/flow/errors"
	"github.com/flowforge/engine/pkg/flow/stage"
)

const originalOwnership = "ORIGINAL"

// ShouldConductResearch is the pure routing predicate deciding whether a
// run detours through RESEARCH before AUDIENCE_ALIGN.
func ShouldConductResearch(ownership string, skipResearch bool) bool {
	return !(ownership == originalOwnership || skipResearch)
}

// NextAfterFeedback maps a human (or default-decision) feedback value to
// the next stage. Unknown or absent feedback behaves like "minor".
func NextAfterFeedback(feedback, ownership string) stage.Stage {
	switch feedback {
	case "minor":
		return stage.StyleValidation
	case "major":
		return stage.AudienceAlign
	case "pivot":
		if ownership != originalOwnership {
			return stage.Research
		}
		return stage.AudienceAlign
	default:
		return stage.StyleValidation
	}
}

// ShouldRetryStage reports whether a failed stage invocation should be
// retried in place: retry budget remains and the error's classification
// is on that stage's retryable list (spec section 4.4).
func ShouldRetryStage(canRetry bool, retryable bool) bool {
	return canRetry && retryable
}

// fallbackOutput returns the synthetic, degraded-but-safe output used,
// when strict mode is off, for a stage whose circuit is open or whose
// failed invocation is not retried.
func fallbackOutput(s stage.Stage) (map[string]any, bool) {
	switch s {
	case stage.Research:
		return map[string]any{"sources": []any{}, "note": "skipped", "used_fallback": true}, true
	case stage.DraftGeneration:
		return map[string]any{"draft": "[placeholder scaffold]", "used_fallback": true}, true
	case stage.StyleValidation:
		return map[string]any{"compliant": true, "score": "medium", "violations": 0, "used_fallback": true}, true
	case stage.QualityCheck:
		return map[string]any{"score": "mid", "recommend_manual_review": true, "used_fallback": true}, true
	default:
		return nil, false
	}
}

func classOf(err error) flowerrors.Class {
	var fe *flowerrors.FlowError
	if flowerrors.As(err, &fe) {
		return fe.Class
	}
	return flowerrors.ClassUnclassified
}
