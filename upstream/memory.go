package upstream

import (
	"context"
	"strings"
	"sync"

	"github.com/warp/allocation-ledger/ledger"
)

// Memory resolves names from static tables. Names match case-insensitively,
// since viper lowercases the keys of configured tables. Safe for concurrent use.
type Memory struct {
	mu        sync.RWMutex
	projects  map[string]string
	resources map[string]string
	users     map[string]string
}

var _ ledger.Resolver = (*Memory)(nil)

// NewMemory copies the given name -> ID tables. Nil maps are empty.
func NewMemory(projects, resources, users map[string]string) *Memory {
	return &Memory{
		projects:  cloneFolded(projects),
		resources: cloneFolded(resources),
		users:     cloneFolded(users),
	}
}

func cloneFolded(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for name, id := range m {
		out[foldName(name)] = id
	}
	return out
}

func foldName(name string) string {
	return strings.ToLower(name)
}

// AddProject registers or replaces a project mapping.
func (m *Memory) AddProject(name, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.projects[foldName(name)] = id
}

// AddResource registers or replaces a resource mapping.
func (m *Memory) AddResource(name, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resources[foldName(name)] = id
}

// AddUser registers or replaces a user mapping.
func (m *Memory) AddUser(name, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[foldName(name)] = id
}

func (m *Memory) ProjectID(_ context.Context, name string) (string, error) {
	return m.lookup(m.projects, "project", name)
}

func (m *Memory) ResourceID(_ context.Context, name string) (string, error) {
	return m.lookup(m.resources, "resource", name)
}

func (m *Memory) UserID(_ context.Context, name string) (string, error) {
	return m.lookup(m.users, "user", name)
}

func (m *Memory) lookup(table map[string]string, kind, name string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := table[foldName(name)]
	if !ok {
		return "", &ledger.NotFoundError{Kind: kind, Key: name}
	}
	return id, nil
}
