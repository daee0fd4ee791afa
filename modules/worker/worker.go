// Copyright 2025 Nguyen Nhat Nguyen
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

package worker

import (
	"context"
	"log/slog"
	"sync"
)

type Worker[Job any] func(context.Context, Job)

// BlockingPool runs size workers over jobs and blocks until the channel is
// closed and drained, or ctx is cancelled.
//
// The caller must ensure that jobs eventually gets closed or the context gets cancelled.
//
// A panicking job is logged and skipped; the worker keeps pulling jobs, so one
// bad job cannot shrink the pool.
func BlockingPool[Job any](ctx context.Context, size int, jobs <-chan Job, worker Worker[Job]) {
	if size <= 0 {
		size = 1
	}
	wg := sync.WaitGroup{}
	for range size {
		wg.Go(func() {
			for {
				select {
				case <-ctx.Done():
					return
				case job, ok := <-jobs:
					if !ok {
						return
					}
					run(ctx, worker, job)
				}
			}
		})
	}

	wg.Wait()
}

// run isolates a single job; wg.Go requires that func does not panic.
func run[Job any](ctx context.Context, worker Worker[Job], job Job) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "worker: job panicked", slog.Any("panic", r))
		}
	}()
	worker(ctx, job)
}
