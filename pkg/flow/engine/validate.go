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
	"context"
	"strings"

	"github.com/go-playground/validator/v10"

	flowerrors "github.com/flowforge/engine/pkg/flow/errors"
)

var structValidator = validator.New(validator.WithRequiredStructEnabled())

// inputPayload mirrors Input's structural shape for tag-driven validation.
// Ownership is intentionally open-ended (a caller-extensible enum, not a
// fixed set) but must be present; topic, platform and ownership are all
// mandatory wherever INPUT_VALIDATION's default handler is used.
type inputPayload struct {
	Topic     string `validate:"required"`
	Platform  string `validate:"required"`
	Ownership string `validate:"required"`
}

// NewInputValidationHandler builds the INPUT_VALIDATION stage handler used
// when the caller does not supply one: structural validation of topic,
// platform, and ownership via struct tags, raising a ValidationFailure
// (unrecoverable — the run is rejected, never retried or routed around)
// that names every missing field.
func NewInputValidationHandler() Handler {
	return func(_ context.Context, input map[string]any, _ int) (map[string]any, error) {
		payload := inputPayload{
			Topic:     stringField(input, "topic"),
			Platform:  stringField(input, "platform"),
			Ownership: stringField(input, "ownership"),
		}
		if err := structValidator.Struct(payload); err != nil {
			var verrs validator.ValidationErrors
			if errsAs(err, &verrs) {
				fields := make([]string, 0, len(verrs))
				for _, fe := range verrs {
					fields = append(fields, strings.ToLower(fe.Field()))
				}
				return nil, flowerrors.New(flowerrors.ValidationFailure, "missing required field(s): "+strings.Join(fields, ", "), err)
			}
			return nil, flowerrors.New(flowerrors.ValidationFailure, "input validation failed", err)
		}
		return map[string]any{"valid": true}, nil
	}
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

// errsAs is a local errors.As wrapper so this file only imports the
// validator package's error type, not stdlib errors, for the one
// conversion it needs.
func errsAs(err error, target *validator.ValidationErrors) bool {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return false
	}
	*target = verrs
	return true
}
