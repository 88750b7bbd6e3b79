package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/GoCodeAlone/openact/openactmodel"
	"github.com/GoCodeAlone/openact/trn"
)

// ConfigStore is the Connection/Action definition store: TRN-keyed CRUD
// with referential integrity between an Action and the Connection it names,
// and cascade delete from Connection to its dependent Actions.
type ConfigStore interface {
	GetConnection(ctx context.Context, connTRN string) (*openactmodel.Connection, error)
	PutConnection(ctx context.Context, conn *openactmodel.Connection) error
	DeleteConnection(ctx context.Context, connTRN string) (bool, error)
	ListConnections(ctx context.Context) ([]*openactmodel.Connection, error)

	GetAction(ctx context.Context, actionTRN string) (*openactmodel.Action, error)
	PutAction(ctx context.Context, action *openactmodel.Action) error
	DeleteAction(ctx context.Context, actionTRN string) (bool, error)
	ListActions(ctx context.Context) ([]*openactmodel.Action, error)
	ListActionsByConnection(ctx context.Context, connTRN string) ([]*openactmodel.Action, error)
}

// MemoryConfigStore is the default ConfigStore: a mutex-guarded pair of maps.
// PutAction validates connection_trn resolves to an existing Connection,
// and DeleteConnection cascades to every Action that names it.
type MemoryConfigStore struct {
	mu          sync.RWMutex
	connections map[string]*openactmodel.Connection
	actions     map[string]*openactmodel.Action
}

// NewMemoryConfigStore builds an empty store.
func NewMemoryConfigStore() *MemoryConfigStore {
	return &MemoryConfigStore{
		connections: make(map[string]*openactmodel.Connection),
		actions:     make(map[string]*openactmodel.Action),
	}
}

func (s *MemoryConfigStore) GetConnection(ctx context.Context, connTRN string) (*openactmodel.Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conn, ok := s.connections[connTRN]
	if !ok {
		return nil, nil
	}
	cp := *conn
	return &cp, nil
}

func (s *MemoryConfigStore) PutConnection(ctx context.Context, conn *openactmodel.Connection) error {
	if conn.TRN == "" {
		return &openactmodel.ValidationError{Msg: "connection: trn is required"}
	}
	if _, err := trn.Parse(conn.TRN); err != nil {
		return &openactmodel.ValidationError{Msg: fmt.Sprintf("connection: %v", err)}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *conn
	if existing, ok := s.connections[conn.TRN]; ok {
		cp.CreatedAt = existing.CreatedAt
		cp.Version = existing.Version + 1
	} else {
		cp.Version = 1
	}
	s.connections[conn.TRN] = &cp
	return nil
}

// DeleteConnection removes the connection and every Action that references
// it.
func (s *MemoryConfigStore) DeleteConnection(ctx context.Context, connTRN string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.connections[connTRN]
	if !ok {
		return false, nil
	}
	delete(s.connections, connTRN)
	for ref, action := range s.actions {
		if action.ConnectionTRN == connTRN {
			delete(s.actions, ref)
		}
	}
	return true, nil
}

func (s *MemoryConfigStore) ListConnections(ctx context.Context) ([]*openactmodel.Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*openactmodel.Connection, 0, len(s.connections))
	for _, conn := range s.connections {
		cp := *conn
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryConfigStore) GetAction(ctx context.Context, actionTRN string) (*openactmodel.Action, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	action, ok := s.actions[actionTRN]
	if !ok {
		return nil, nil
	}
	cp := *action
	return &cp, nil
}

// PutAction validates that action.ConnectionTRN resolves to an existing
// Connection before storing: an Action can never point at a Connection
// that does not exist.
func (s *MemoryConfigStore) PutAction(ctx context.Context, action *openactmodel.Action) error {
	if action.TRN == "" {
		return &openactmodel.ValidationError{Msg: "action: trn is required"}
	}
	if _, err := trn.Parse(action.TRN); err != nil {
		return &openactmodel.ValidationError{Msg: fmt.Sprintf("action: %v", err)}
	}
	if action.ConnectionTRN == "" {
		return &openactmodel.ValidationError{Msg: "action: connection_trn is required"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.connections[action.ConnectionTRN]; !ok {
		return &openactmodel.ValidationError{Msg: fmt.Sprintf("action: connection_trn %q does not exist", action.ConnectionTRN)}
	}
	cp := *action
	s.actions[action.TRN] = &cp
	return nil
}

func (s *MemoryConfigStore) DeleteAction(ctx context.Context, actionTRN string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.actions[actionTRN]
	delete(s.actions, actionTRN)
	return ok, nil
}

func (s *MemoryConfigStore) ListActions(ctx context.Context) ([]*openactmodel.Action, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*openactmodel.Action, 0, len(s.actions))
	for _, action := range s.actions {
		cp := *action
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryConfigStore) ListActionsByConnection(ctx context.Context, connTRN string) ([]*openactmodel.Action, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*openactmodel.Action
	for _, action := range s.actions {
		if action.ConnectionTRN == connTRN {
			cp := *action
			out = append(out, &cp)
		}
	}
	return out, nil
}
