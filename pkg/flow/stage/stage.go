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

// Package stage defines the content-generation flow's stage enum and its
// compile-time transition table.
package stage

import "fmt"

// Stage is one node of the flow state machine.
type Stage int

const (
	InputValidation Stage = iota
	Research
	AudienceAlign
	DraftGeneration
	StyleValidation
	QualityCheck
	Finalized
	Failed
)

var names = map[Stage]string{
	InputValidation: "INPUT_VALIDATION",
	Research:        "RESEARCH",
	AudienceAlign:   "AUDIENCE_ALIGN",
	DraftGeneration: "DRAFT_GENERATION",
	StyleValidation: "STYLE_VALIDATION",
	QualityCheck:    "QUALITY_CHECK",
	Finalized:       "FINALIZED",
	Failed:          "FAILED",
}

func (s Stage) String() string {
	if n, ok := names[s]; ok {
		return n
	}
	return fmt.Sprintf("UNKNOWN(%d)", int(s))
}

var byName = func() map[string]Stage {
	m := make(map[string]Stage, len(names))
	for s, n := range names {
		m[n] = s
	}
	return m
}()

// ByName reverses String, for config tables keyed by the stage's name.
func ByName(name string) (Stage, bool) {
	s, ok := byName[name]
	return s, ok
}

// All lists every declared stage, in enum declaration order. Declaration
// order is the tie-break rule used when two transition guards would
// otherwise permit the same edge.
var All = []Stage{
	InputValidation, Research, AudienceAlign, DraftGeneration,
	StyleValidation, QualityCheck, Finalized, Failed,
}

var terminal = map[Stage]bool{
	Finalized: true,
	Failed:    true,
}

// IsTerminal reports whether a run in s can make no further non-FAILED
// transition.
func IsTerminal(s Stage) bool {
	return terminal[s]
}

// table is the compile-time transition graph. It is never mutated after
// package initialization. ANY -> Failed and every self-loop are added
// programmatically in init rather than spelled out per row, since they
// apply uniformly.
var table = map[Stage]map[Stage]bool{
	InputValidation: {Research: true, AudienceAlign: true},
	Research:        {AudienceAlign: true, InputValidation: true}, // back-edge, see DESIGN.md
	AudienceAlign:   {DraftGeneration: true},
	// AudienceAlign and Research are reachable here too: the draft_completion
	// review gate's "major"/"pivot" feedback (NextAfterFeedback) routes back
	// past audience alignment, not just to style validation.
	DraftGeneration: {StyleValidation: true, AudienceAlign: true, Research: true},
	StyleValidation: {QualityCheck: true, DraftGeneration: true},
	// AudienceAlign is reachable from a quality-gate rejection on original
	// content, where NextAfterFeedback("pivot", ownership) has no research
	// back-edge to fall to.
	QualityCheck: {Finalized: true, Research: true, AudienceAlign: true},
	Finalized:       {},
	Failed:          {},
}

func init() {
	for _, s := range All {
		if table[s] == nil {
			table[s] = map[Stage]bool{}
		}
		table[s][s] = true // retry self-loop, always permitted
		if s != Failed {
			table[s][Failed] = true // ANY -> FAILED, always permitted
		}
	}
}

// AllowedNext returns the set of stages reachable from s in one accepted
// transition, including the self-loop and the FAILED escape hatch.
func AllowedNext(s Stage) map[Stage]bool {
	next := make(map[Stage]bool, len(table[s]))
	for k, v := range table[s] {
		next[k] = v
	}
	return next
}

// CanTransition reports whether a transition from a to b is permitted by
// the table. A terminal stage (other than the FAILED escape hatch and its
// own self-loop) permits nothing further.
func CanTransition(a, b Stage) bool {
	if IsTerminal(a) {
		return b == Failed || b == a
	}
	return table[a][b]
}
