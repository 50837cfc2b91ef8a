//go:build unit

/*
Copyright 2024 Alexandre Mahdhaoui

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

package gracefulshutdown_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alexandremahdhaoui/installsuite/internal/util/gracefulshutdown"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type exitRecorder struct {
	mu    sync.Mutex
	codes []int
}

func (r *exitRecorder) exit(code int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codes = append(r.codes, code)
}

func (r *exitRecorder) Codes() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.codes...)
}

func TestNew(t *testing.T) {
	rec := &exitRecorder{}
	gs := gracefulshutdown.New("test", gracefulshutdown.WithExit(rec.exit))

	require.NotNil(t, gs.Context())
	assert.NoError(t, gs.Context().Err(), "context should not be cancelled initially")

	gs.Shutdown(0)
	assert.Error(t, gs.Context().Err(), "context should be cancelled after shutdown")
	assert.Equal(t, []int{0}, rec.Codes())
}

func TestShutdown_RunsHooksInReverseAfterGoroutines(t *testing.T) {
	rec := &exitRecorder{}
	gs := gracefulshutdown.New("test", gracefulshutdown.WithExit(rec.exit))

	var (
		mu    sync.Mutex
		order []string
	)
	record := func(s string) {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, s)
	}

	gs.Go(func(ctx context.Context) {
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		record("worker")
	})
	gs.OnShutdown("disk", func(context.Context) error {
		record("disk")
		return nil
	})
	gs.OnShutdown("domain", func(ctx context.Context) error {
		assert.NoError(t, ctx.Err(), "cleanup context must outlive the run context")
		record("domain")
		return nil
	})

	gs.Shutdown(0)

	assert.Equal(t, []string{"worker", "domain", "disk"}, order)
	assert.Equal(t, []int{0}, rec.Codes())
}

func TestShutdown_HookErrorSetsExitCode(t *testing.T) {
	tests := []struct {
		name     string
		exitCode int
		hookErr  error
		want     int
	}{
		{name: "success", exitCode: 0, want: 0},
		{name: "hook failure", exitCode: 0, hookErr: errors.New("undefine failed"), want: 1},
		{name: "run failure kept", exitCode: 1, want: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &exitRecorder{}
			gs := gracefulshutdown.New("test", gracefulshutdown.WithExit(rec.exit))
			gs.OnShutdown("hook", func(context.Context) error { return tt.hookErr })

			gs.Shutdown(tt.exitCode)
			assert.Equal(t, []int{tt.want}, rec.Codes())
		})
	}
}

func TestCleanup_JoinsErrorsAndRunsOnce(t *testing.T) {
	gs := gracefulshutdown.New("test", gracefulshutdown.WithExit(func(int) {}))

	errA := errors.New("a")
	var calls atomic.Int32
	gs.OnShutdown("a", func(context.Context) error {
		calls.Add(1)
		return errA
	})

	err := gs.Cleanup()
	assert.ErrorIs(t, err, errA)
	assert.Contains(t, err.Error(), "hook=a")

	assert.Equal(t, err, gs.Cleanup())
	assert.Equal(t, int32(1), calls.Load())
}

func TestCleanup_Timeout(t *testing.T) {
	gs := gracefulshutdown.New("test",
		gracefulshutdown.WithExit(func(int) {}),
		gracefulshutdown.WithCleanupTimeout(10*time.Millisecond),
	)
	gs.OnShutdown("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	assert.ErrorIs(t, gs.Cleanup(), context.DeadlineExceeded)
}

func TestParentCancellation(t *testing.T) {
	rec := &exitRecorder{}
	parent, cancel := context.WithCancel(context.Background())
	gs := gracefulshutdown.New("test",
		gracefulshutdown.WithParent(parent),
		gracefulshutdown.WithExit(rec.exit),
	)

	cancel()
	assert.Eventually(t, func() bool {
		return len(rec.Codes()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int{1}, rec.Codes())
	assert.Error(t, gs.Context().Err())
}

func TestShutdown_Idempotent(t *testing.T) {
	rec := &exitRecorder{}
	gs := gracefulshutdown.New("test", gracefulshutdown.WithExit(rec.exit))

	const concurrentCalls = 10
	var wg sync.WaitGroup
	for i := 0; i < concurrentCalls; i++ {
		wg.Add(1)
		go func(exitCode int) {
			defer wg.Done()
			gs.Shutdown(exitCode)
		}(i)
	}
	wg.Wait()

	assert.Len(t, rec.Codes(), 1, "exit should be called exactly once")
}
