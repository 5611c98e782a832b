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

package alerting_test

import (
	"context"
	"sync"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sirupsen/logrus"

	"github.com/flowforge/engine/pkg/alerting"
	"github.com/flowforge/engine/pkg/metrics"
)

func TestAlerting(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Alert Manager Suite")
}

type recordingChannel struct {
	mu    sync.Mutex
	seen  []alerting.Alert
}

func (r *recordingChannel) Notify(_ context.Context, a alerting.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, a)
	return nil
}

func (r *recordingChannel) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen)
}

var _ = Describe("AlertManager", func() {
	var rec *recordingChannel

	BeforeEach(func() {
		rec = &recordingChannel{}
	})

	It("fires and dispatches when a threshold is crossed", func() {
		rule := &alerting.Rule{
			Name: "high_error_rate", KPI: metrics.KPIErrorRate, Comparator: alerting.GreaterThan,
			Threshold: 0.5, Severity: alerting.SeverityCritical,
		}
		m, err := alerting.New([]*alerting.Rule{rule}, []alerting.Channel{rec}, logrus.New())
		Expect(err).NotTo(HaveOccurred())

		fired := m.Evaluate(context.Background(), metrics.Snapshot{ErrorRate: 0.9}, nil)
		Expect(fired).To(HaveLen(1))

		Eventually(rec.count).Should(Equal(1))
	})

	It("respects cooldown between repeated firings", func() {
		rule := &alerting.Rule{
			Name: "busy", KPI: metrics.KPIQueueSize, Comparator: alerting.GreaterThan,
			Threshold: 10, Severity: alerting.SeverityWarning, Cooldown: time.Hour,
		}
		m, err := alerting.New([]*alerting.Rule{rule}, []alerting.Channel{rec}, logrus.New())
		Expect(err).NotTo(HaveOccurred())

		first := m.Evaluate(context.Background(), metrics.Snapshot{QueueSize: 20}, nil)
		second := m.Evaluate(context.Background(), metrics.Snapshot{QueueSize: 25}, nil)
		Expect(first).To(HaveLen(1))
		Expect(second).To(BeEmpty())
	})

	It("scopes rules by a gojq metadata filter", func() {
		rule := &alerting.Rule{
			Name: "draft_only", KPI: metrics.KPIErrorRate, Comparator: alerting.GreaterThan,
			Threshold: 0.1, Severity: alerting.SeverityWarning, MetaFilter: `.stage == "draft_generation"`,
		}
		m, err := alerting.New([]*alerting.Rule{rule}, []alerting.Channel{rec}, logrus.New())
		Expect(err).NotTo(HaveOccurred())

		fired := m.Evaluate(context.Background(), metrics.Snapshot{ErrorRate: 0.5}, map[string]any{"stage": "research"})
		Expect(fired).To(BeEmpty())

		fired = m.Evaluate(context.Background(), metrics.Snapshot{ErrorRate: 0.5}, map[string]any{"stage": "draft_generation"})
		Expect(fired).To(HaveLen(1))
	})

	It("escalates severity once repeated breaches reach the threshold, even during cooldown", func() {
		rule := &alerting.Rule{
			Name: "flapping", KPI: metrics.KPIErrorRate, Comparator: alerting.GreaterThan,
			Threshold: 0.1, Severity: alerting.SeverityWarning, Cooldown: time.Hour, EscalationThreshold: 2,
		}
		m, err := alerting.New([]*alerting.Rule{rule}, []alerting.Channel{rec}, logrus.New())
		Expect(err).NotTo(HaveOccurred())

		first := m.Evaluate(context.Background(), metrics.Snapshot{ErrorRate: 0.5}, nil)
		Expect(first).To(HaveLen(1))
		Expect(first[0].Escalated).To(BeFalse())

		// The second breach lands inside the cooldown window, so it
		// dispatches nothing, but escalation_count still advances.
		second := m.Evaluate(context.Background(), metrics.Snapshot{ErrorRate: 0.6}, nil)
		Expect(second).To(BeEmpty())

		active := m.Active()
		Expect(active).To(HaveLen(1))
		Expect(active[0].EscalationCount).To(Equal(2))
		Expect(active[0].Escalated).To(BeTrue())
		Expect(active[0].Severity).To(Equal(alerting.SeverityCritical))
	})

	It("auto-resolves an active alert once the metric recovers", func() {
		rule := &alerting.Rule{
			Name: "errors", KPI: metrics.KPIErrorRate, Comparator: alerting.GreaterThan,
			Threshold: 0.2, Severity: alerting.SeverityCritical,
		}
		m, err := alerting.New([]*alerting.Rule{rule}, []alerting.Channel{rec}, logrus.New())
		Expect(err).NotTo(HaveOccurred())

		m.Evaluate(context.Background(), metrics.Snapshot{ErrorRate: 0.9}, nil)
		Expect(m.Active()).To(HaveLen(1))

		resolved := m.AutoResolveAlerts(metrics.Snapshot{ErrorRate: 0.01})
		Expect(resolved).To(HaveLen(1))
		Expect(m.Active()).To(BeEmpty())
	})
})
