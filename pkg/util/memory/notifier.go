// Copyright 2025 PelicanDB, Inc.
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

package memory

import "sync"

// Notifier is a one-shot coalescing wake signal. Producers call Notify from
// any goroutine without ever blocking; a single consumer blocks in Wait.
// Notifications are not counted or ordered: any number of Notify calls
// before the consumer wakes collapse into one observed wakeup, so the
// consumer must treat "woken" as "check current state", not "an event
// happened". The mutex protects only the wakeup handshake, never shared
// data.
type Notifier struct {
	mu       sync.Mutex
	cond     *sync.Cond
	notified bool
	closed   bool
}

// NewNotifier builds a notifier.
func NewNotifier() *Notifier {
	n := &Notifier{}
	n.cond = sync.NewCond(&n.mu)
	return n
}

// Notify sets the flag and wakes every waiter. Never blocks beyond the
// handshake mutex.
func (n *Notifier) Notify() {
	n.mu.Lock()
	n.notified = true
	n.mu.Unlock()
	n.cond.Broadcast()
}

// Wait blocks until the flag is observed true, clears it, and returns true.
// Returns false once the notifier is closed.
func (n *Notifier) Wait() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for !n.notified && !n.closed {
		n.cond.Wait()
	}
	if n.closed {
		return false
	}
	n.notified = false
	return true
}

// Close wakes all waiters and makes every subsequent Wait return false.
// Used only at shutdown.
func (n *Notifier) Close() {
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()
	n.cond.Broadcast()
}
