package container

import (
	"context"
	"fmt"
	"sync"
)

// Component 一个可启停的组件。StopFn 可为 nil。
type Component struct {
	Name    string
	StartFn func(ctx context.Context) error
	StopFn  func() error
}

// LifecycleManager 生命周期管理器：按注册顺序启动，逆序停止。
type LifecycleManager struct {
	components []Component
	mu         sync.Mutex
}

// NewLifecycleManager 创建新的生命周期管理器
func NewLifecycleManager() *LifecycleManager {
	return &LifecycleManager{}
}

// Register 注册组件
func (m *LifecycleManager) Register(c Component) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.components = append(m.components, c)
}

// StartAll 按顺序启动所有组件；失败时回滚已启动的组件。
func (m *LifecycleManager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, c := range m.components {
		if c.StartFn == nil {
			continue
		}
		if err := c.StartFn(ctx); err != nil {
			for j := i - 1; j >= 0; j-- {
				if m.components[j].StopFn != nil {
					_ = m.components[j].StopFn()
				}
			}
			return fmt.Errorf("start %s: %w", c.Name, err)
		}
	}
	return nil
}

// StopAll 逆序停止所有组件
func (m *LifecycleManager) StopAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var lastErr error
	for i := len(m.components) - 1; i >= 0; i-- {
		if m.components[i].StopFn == nil {
			continue
		}
		if err := m.components[i].StopFn(); err != nil {
			lastErr = fmt.Errorf("stop %s: %w", m.components[i].Name, err)
		}
	}
	return lastErr
}
