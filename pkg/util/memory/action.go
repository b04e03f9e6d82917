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

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pelicandb/pelican/pkg/util/logutil"
	"go.uber.org/zap"
)

// ActionOnExceed is the action taken when a tracker's consumption exceeds
// its limit. All implementors must be thread-safe.
type ActionOnExceed interface {
	// Action is called by the tracker whose limit was exceeded.
	Action(t *Tracker)
	// SetFallback sets a fallback action triggered if this one has already
	// been triggered.
	SetFallback(a ActionOnExceed)
	// GetFallback gets the fallback action.
	GetFallback() ActionOnExceed
	// GetPriority gets the priority of the action.
	GetPriority() int64
	// SetFinished marks the action as finished.
	SetFinished()
	// IsFinished reports whether the action has finished.
	IsFinished() bool
}

// BaseOOMAction manages the fallback chain shared by all actions.
type BaseOOMAction struct {
	fallbackAction ActionOnExceed
	finished       int32
}

// SetFallback sets a fallback action triggered if this one has already been
// triggered.
func (b *BaseOOMAction) SetFallback(a ActionOnExceed) {
	b.fallbackAction = a
}

// SetFinished marks the action as finished.
func (b *BaseOOMAction) SetFinished() {
	atomic.StoreInt32(&b.finished, 1)
}

// IsFinished reports whether the action has finished.
func (b *BaseOOMAction) IsFinished() bool {
	return atomic.LoadInt32(&b.finished) == 1
}

// GetFallback gets the fallback action, dropping finished ones.
func (b *BaseOOMAction) GetFallback() ActionOnExceed {
	for b.fallbackAction != nil && b.fallbackAction.IsFinished() {
		b.SetFallback(b.fallbackAction.GetFallback())
	}
	return b.fallbackAction
}

// Action priorities, higher runs first.
const (
	DefPanicPriority = iota
	DefLogPriority
	DefNotifyPriority
	DefSpillPriority
)

// LogOnExceed logs a warning only once when consumption exceeds the limit.
type LogOnExceed struct {
	logHook func(label int)
	BaseOOMAction
	mutex sync.Mutex
	acted bool
}

// SetLogHook sets a hook for LogOnExceed.
func (a *LogOnExceed) SetLogHook(hook func(label int)) {
	a.logHook = hook
}

// Action logs a warning only once when consumption exceeds the limit.
func (a *LogOnExceed) Action(t *Tracker) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	if !a.acted {
		a.acted = true
		if a.logHook == nil {
			logutil.BgLogger().Warn("memory exceeds quota",
				zap.Int("label", t.Label()),
				zap.Int64("consumed", t.BytesConsumed()),
				zap.Int64("quota", t.GetBytesLimit()),
				zap.String("tree", t.String()))
			return
		}
		a.logHook(t.Label())
	}
}

// GetPriority gets the priority of the action.
func (*LogOnExceed) GetPriority() int64 {
	return DefLogPriority
}

// PanicOnExceed panics when consumption exceeds the limit.
type PanicOnExceed struct {
	logHook func(label int)
	BaseOOMAction
	mutex sync.Mutex
	acted bool
}

// SetLogHook sets a hook for PanicOnExceed.
func (a *PanicOnExceed) SetLogHook(hook func(label int)) {
	a.logHook = hook
}

// Action panics when consumption exceeds the limit.
func (a *PanicOnExceed) Action(t *Tracker) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	if !a.acted {
		if a.logHook == nil {
			logutil.BgLogger().Warn("memory exceeds quota",
				zap.Int("label", t.Label()),
				zap.Int64("consumed", t.BytesConsumed()),
				zap.Int64("quota", t.GetBytesLimit()))
		} else {
			a.logHook(t.Label())
		}
	}
	a.acted = true
	panic(PanicMemoryExceed + fmt.Sprintf("[label=%d]", t.Label()))
}

// GetPriority gets the priority of the action.
func (*PanicOnExceed) GetPriority() int64 {
	return DefPanicPriority
}

// NotifyOnExceed flips a pressure notifier when consumption exceeds the
// limit. It never blocks the consuming goroutine; the heavy work happens on
// the maintenance daemon that drains the notifier. Unlike LogOnExceed it
// fires on every exceeding Consume, since notifications coalesce for free.
type NotifyOnExceed struct {
	BaseOOMAction
	Notifier *Notifier
}

// Action wakes the notifier's consumer.
func (a *NotifyOnExceed) Action(*Tracker) {
	if a.Notifier != nil {
		a.Notifier.Notify()
	}
}

// GetPriority gets the priority of the action.
func (*NotifyOnExceed) GetPriority() int64 {
	return DefNotifyPriority
}

const (
	// PanicMemoryExceed is the panic message when out of memory quota.
	PanicMemoryExceed string = "Out Of Memory Quota!"
)
