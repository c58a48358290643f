package testutil

import (
	"net/http"
	"strings"
	"sync"
)

// MockJira serves issue priorities for bearer-authenticated requests.
type MockJira struct {
	*Server

	mu         sync.RWMutex
	token      string
	priorities map[string]string
}

// NewMockJira creates a mock Jira accepting the given bearer token.
func NewMockJira(token string) *MockJira {
	m := &MockJira{
		Server:     NewServer(),
		token:      token,
		priorities: make(map[string]string),
	}
	m.setFallback(m.handle)
	return m
}

// SetPriority registers an issue. An empty priority serves an issue without
// a priority field.
func (m *MockJira) SetPriority(key, priority string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.priorities[key] = priority
}

func (m *MockJira) handle(w http.ResponseWriter, r *http.Request) {
	const prefix = "/rest/api/2/issue/"
	if r.Header.Get("Authorization") != "Bearer "+m.token {
		WriteJSON(w, http.StatusUnauthorized, map[string]any{"errorMessages": []string{"unauthorized"}})
		return
	}
	if !strings.HasPrefix(r.URL.Path, prefix) {
		WriteJSON(w, http.StatusNotFound, map[string]any{"errorMessages": []string{"not found"}})
		return
	}
	key := strings.TrimPrefix(r.URL.Path, prefix)

	m.mu.RLock()
	priority, ok := m.priorities[key]
	m.mu.RUnlock()
	if !ok {
		WriteJSON(w, http.StatusNotFound, map[string]any{"errorMessages": []string{"Issue does not exist"}})
		return
	}

	fields := map[string]any{}
	if priority != "" {
		fields["priority"] = map[string]string{"name": priority}
	} else {
		fields["priority"] = nil
	}
	WriteJSON(w, http.StatusOK, map[string]any{"key": key, "fields": fields})
}
