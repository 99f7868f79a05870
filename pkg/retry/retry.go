/*
Copyright The PGKeeper Contributors

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

// Package retry implements the polling helpers used across the agent:
// an exponentially backed off wait-for-condition loop and the
// per-iteration timer of the control loop
package retry

import (
	"context"
	"math/rand"
	"time"

	"github.com/pgkeeper/pgkeeper/pkg/log"
)

// Unbounded makes Value and Await poll until the condition holds or the
// context is cancelled
const Unbounded = time.Duration(-1)

const initialSleep = time.Second

// Value polls poll until it reports success, the timeout expires, or the
// context is cancelled. The sleep between attempts starts at one second
// and is grown by 1.1x plus up to 100ms of jitter, never exceeding the
// remaining budget.
func Value[T any](
	ctx context.Context,
	timeout time.Duration,
	eventName string,
	poll func() (T, bool),
) (T, bool) {
	contextLogger := log.FromContext(ctx)

	deadline := time.Now().Add(timeout)
	sleep := initialSleep
	var zero T
	for timeout == Unbounded || time.Now().Before(deadline) {
		if value, ok := poll(); ok {
			return value, true
		}
		if err := ctx.Err(); err != nil {
			contextLogger.Debug("Context closed while waiting", "event", eventName)
			return zero, false
		}

		currentSleep := sleep
		if timeout != Unbounded {
			if remaining := time.Until(deadline); remaining < currentSleep {
				currentSleep = remaining
			}
		}
		if currentSleep > 0 {
			contextLogger.Info("Waiting for event", "event", eventName, "sleep", currentSleep)
			select {
			case <-ctx.Done():
				return zero, false
			case <-time.After(currentSleep):
			}
		}
		sleep = time.Duration(1.1*float64(sleep)) +
			time.Duration(rand.Float64()*float64(100*time.Millisecond)) // #nosec
	}
	contextLogger.Warning("Retrying timeout expired", "event", eventName)
	return zero, false
}

// Await polls condition until it holds, with the same backoff
// policy of Value
func Await(ctx context.Context, timeout time.Duration, eventName string, condition func() bool) bool {
	_, ok := Value(ctx, timeout, eventName, func() (struct{}, bool) {
		return struct{}{}, condition()
	})
	return ok
}

// IterationTimer measures one tick of the control loop and sleeps
// away whatever remains of the iteration budget
type IterationTimer struct {
	start time.Time
}

// NewIterationTimer starts measuring a tick
func NewIterationTimer() IterationTimer {
	return IterationTimer{start: time.Now()}
}

// Sleep waits until the tick budget is exhausted, or returns
// immediately when the tick overran it. Context cancellation
// interrupts the wait.
func (t IterationTimer) Sleep(ctx context.Context, budget time.Duration) {
	elapsed := time.Since(t.start)
	if elapsed >= budget {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(budget - elapsed):
	}
}
