// Copyright 2024 Alexandre Mahdhaoui
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

package machine

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
)

// ConsoleBuffer accumulates console output across boots and lets callers wait
// for a pattern. Each successful wait consumes the output up to the end of the
// match.
type ConsoleBuffer struct {
	mu       sync.Mutex
	buf      []byte
	consumed int
	notify   chan struct{}
}

// NewConsoleBuffer returns an empty ConsoleBuffer.
func NewConsoleBuffer() *ConsoleBuffer {
	return &ConsoleBuffer{notify: make(chan struct{})}
}

// Write implements io.Writer.
func (b *ConsoleBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.buf = append(b.buf, p...)
	close(b.notify)
	b.notify = make(chan struct{})
	return len(p), nil
}

// String returns everything written so far.
func (b *ConsoleBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

// WaitFor blocks until unconsumed output matches re or ctx is done.
func (b *ConsoleBuffer) WaitFor(ctx context.Context, re *regexp.Regexp) (string, error) {
	for {
		b.mu.Lock()
		pending := b.buf[b.consumed:]
		if loc := re.FindIndex(pending); loc != nil {
			match := string(pending[loc[0]:loc[1]])
			b.consumed += loc[1]
			b.mu.Unlock()
			return match, nil
		}
		notify := b.notify
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return "", errors.Join(ctx.Err(), fmt.Errorf("pattern=%q", re.String()), ErrTimeout)
		case <-notify:
		}
	}
}
