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

package alerting

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/slack-go/slack"
)

// SlackChannel posts fired alerts to a Slack channel via a bot token.
type SlackChannel struct {
	client    *slack.Client
	channelID string
}

// NewSlackChannel builds a SlackChannel from a bot token and target
// channel ID.
func NewSlackChannel(token, channelID string) *SlackChannel {
	return &SlackChannel{client: slack.New(token), channelID: channelID}
}

func (s *SlackChannel) Notify(ctx context.Context, a Alert) error {
	text := fmt.Sprintf(":rotating_light: [%s] %s: value=%.3f threshold=%.3f", a.Severity, a.Rule, a.Value, a.Threshold)
	_, _, err := s.client.PostMessageContext(ctx, s.channelID, slack.MsgOptionText(text, false))
	return err
}

// WebhookChannel POSTs a JSON-ish alert summary to an arbitrary HTTP
// endpoint (e.g. a PagerDuty or Opsgenie intake URL).
type WebhookChannel struct {
	URL    string
	Client *http.Client
}

func (w *WebhookChannel) Notify(ctx context.Context, a Alert) error {
	client := w.Client
	if client == nil {
		client = http.DefaultClient
	}
	body := fmt.Sprintf(`{"rule":%q,"severity":%q,"value":%f,"threshold":%f}`, a.Rule, a.Severity, a.Value, a.Threshold)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, strings.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("alerting: webhook %s returned status %d", w.URL, resp.StatusCode)
	}
	return nil
}
