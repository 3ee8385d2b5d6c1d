package application

import "sync"

// userGate 单个用户的两段锁
//
// state 保护内存中的变更，持有期间不做任何 I/O；flush 保证同一用户的持久化按变更顺序执行。
// 变更流程固定为 state.Lock -> 修改 -> flush.Lock -> state.Unlock -> 落库 -> flush.Unlock，
// 两把锁的获取顺序始终是先 state 后 flush。
type userGate struct {
	state sync.Mutex
	flush sync.Mutex
}

type userGates struct {
	mu    sync.Mutex
	gates map[string]*userGate
}

func newUserGates() *userGates {
	return &userGates{gates: make(map[string]*userGate)}
}

func (g *userGates) get(userID string) *userGate {
	g.mu.Lock()
	defer g.mu.Unlock()
	gate, ok := g.gates[userID]
	if !ok {
		gate = &userGate{}
		g.gates[userID] = gate
	}
	return gate
}
