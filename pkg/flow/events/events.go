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

// Package events defines the engine's typed event stream. Components
// hold a handle to FlowControlState and emit events through a Bus; they
// never call back into one another directly.
package events

import (
	"sync"
	"time"

	"github.com/flowforge/engine/pkg/flow/stage"
)

// Type names one of the fixed event kinds the engine emits.
type Type string

const (
	FlowStarted       Type = "FlowStarted"
	StageStarted      Type = "StageStarted"
	StageCompleted    Type = "StageCompleted"
	TransitionRecorded Type = "TransitionRecorded"
	RetryScheduled    Type = "RetryScheduled"
	CircuitOpened     Type = "CircuitOpened"
	CircuitClosed     Type = "CircuitClosed"
	ReviewRequested   Type = "ReviewRequested"
	ReviewDecided     Type = "ReviewDecided"
	FlowCompleted     Type = "FlowCompleted"
	FlowFailed        Type = "FlowFailed"
)

// Event is one point-in-time occurrence on a flow run.
type Event struct {
	Type        Type
	ExecutionID string
	Stage       stage.Stage
	Status      string
	TS          time.Time
	Detail      map[string]any
}

// Handler consumes events. Handlers must not block the emitting
// goroutine for long; Bus.Emit fans out without waiting on slow
// consumers.
type Handler func(Event)

// Bus is a simple non-blocking pub/sub fan-out for flow events.
type Bus struct {
	mu       sync.RWMutex
	handlers []Handler
}

// NewBus builds an empty event bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers h to receive every future emitted event. Safe to
// call concurrently with Emit.
func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Emit publishes ev to every subscriber on its own goroutine, so a slow
// or panicking consumer cannot stall the engine's execution chain.
func (b *Bus) Emit(ev Event) {
	if ev.TS.IsZero() {
		ev.TS = time.Now()
	}
	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()
	for _, h := range handlers {
		h := h
		go func() {
			defer func() { _ = recover() }()
			h(ev)
		}()
	}
}
