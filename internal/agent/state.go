package agent

import (
	"sync"
	"time"
)

// Phase 表示控制循环所处的阶段。
type Phase string

// 控制循环的各个阶段
const (
	PhaseIdle          Phase = "idle"
	PhaseBootstrapping Phase = "bootstrapping"
	PhaseRegistering   Phase = "registering"
	PhaseMonitoring    Phase = "monitoring"
	PhaseTriggering    Phase = "triggering"
	PhaseTerminated    Phase = "terminated"
)

// State 是控制循环状态的只读快照。
type State struct {
	Phase                    Phase     `json:"phase"`
	Contract                 string    `json:"contract,omitempty"`
	Registered               bool      `json:"registered"`
	Threshold                string    `json:"threshold"`
	LastBalance              string    `json:"last_balance,omitempty"`
	LastObservedAt           time.Time `json:"last_observed_at,omitzero"`
	LastSwapTx               string    `json:"last_swap_tx,omitempty"`
	Swaps                    int       `json:"swaps"`
	Cycles                   uint64    `json:"cycles"`
	ConsecutiveFetchFailures int       `json:"consecutive_fetch_failures"`
	Graceful                 bool      `json:"graceful"`
	Cause                    string    `json:"cause,omitempty"`
	UpdatedAt                time.Time `json:"updated_at"`
}

// Terminated 判断循环是否已经结束。
func (s State) Terminated() bool {
	return s.Phase == PhaseTerminated
}

// board 保存最新快照。只有循环 goroutine 调用 update。
type board struct {
	mu    sync.RWMutex
	state State
	cause error
}

func (b *board) update(fn func(*State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn(&b.state)
	b.state.UpdatedAt = time.Now().UTC()
}

func (b *board) snapshot() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

func (b *board) setCause(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cause = err
}

func (b *board) err() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cause
}
