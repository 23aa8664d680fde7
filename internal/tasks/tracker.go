// Package tasks 记录每个分组正在进行的网络操作，支持按分组或全局批量取消。
// 注册表在进程内全局共享，由一把粗粒度互斥锁保护：操作数量很少，优先保证不丢取消。
package tasks

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

type entry struct {
	token  uuid.UUID
	cancel context.CancelFunc
}

var (
	mu       sync.Mutex
	inflight = make(map[string][]entry)
)

// Tracker 是全局注册表的轻量句柄，所有实例共享同一份状态。
type Tracker struct{}

// NewTracker 返回 Tracker。
func NewTracker() *Tracker {
	return &Tracker{}
}

// Track 登记 groupKey 下的一个可取消操作，返回用于 Untrack 的 token。
func (t *Tracker) Track(groupKey string, cancel context.CancelFunc) uuid.UUID {
	token := uuid.New()
	mu.Lock()
	inflight[groupKey] = append(inflight[groupKey], entry{token: token, cancel: cancel})
	mu.Unlock()
	return token
}

// Untrack 在操作结束（成功或失败）时移除登记，分组清空后删除键。
func (t *Tracker) Untrack(groupKey string, token uuid.UUID) {
	mu.Lock()
	defer mu.Unlock()

	entries := inflight[groupKey]
	for i, e := range entries {
		if e.token == token {
			entries = append(entries[:i], entries[i+1:]...)
			break
		}
	}
	if len(entries) == 0 {
		delete(inflight, groupKey)
		return
	}
	inflight[groupKey] = entries
}

// CancelTasks 取消分组下所有登记的操作；登记项由各操作自己的 Untrack 清理。
func (t *Tracker) CancelTasks(groupKey string) int {
	mu.Lock()
	entries := append([]entry(nil), inflight[groupKey]...)
	mu.Unlock()

	for _, e := range entries {
		e.cancel()
	}
	return len(entries)
}

// CancelAllTasks 取消所有分组的全部操作。
func (t *Tracker) CancelAllTasks() int {
	mu.Lock()
	var entries []entry
	for _, group := range inflight {
		entries = append(entries, group...)
	}
	mu.Unlock()

	for _, e := range entries {
		e.cancel()
	}
	return len(entries)
}

// Count 返回分组当前登记的操作数量。
func (t *Tracker) Count(groupKey string) int {
	mu.Lock()
	defer mu.Unlock()
	return len(inflight[groupKey])
}
