// Package directory holds the collaborators the engine reads from but never
// owns: the user/role directory and typed access to document fields.
package directory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/songzhibin97/docflow/types"
)

var (
	ErrUserNotFound     = errors.New("user not found")
	ErrDocumentNotFound = errors.New("document not found")
	ErrFieldNotFound    = errors.New("document field not found")
)

// Directory answers identity questions about actors.
type Directory interface {
	// UsersWithRole lists enabled users holding role.
	UsersWithRole(ctx context.Context, role string) ([]string, error)
	// IsEnabled reports whether the user exists and may act.
	IsEnabled(ctx context.Context, user string) (bool, error)
	// Roles lists the roles held by user.
	Roles(ctx context.Context, user string) ([]string, error)
}

// DocumentReader reads typed field values of a document.
type DocumentReader interface {
	ReadField(ctx context.Context, documentID, field string) (types.TypedValue, error)
}

// User is a directory entry.
type User struct {
	ID       string   `json:"id" yaml:"id"`
	Roles    []string `json:"roles" yaml:"roles"`
	Disabled bool     `json:"disabled,omitempty" yaml:"disabled,omitempty"`
}

// StaticDirectory is an in-memory Directory.
type StaticDirectory struct {
	mu    sync.RWMutex
	users map[string]User
}

// NewStaticDirectory creates a directory populated with users.
func NewStaticDirectory(users ...User) *StaticDirectory {
	d := &StaticDirectory{users: make(map[string]User)}
	for _, u := range users {
		d.Put(u)
	}
	return d
}

// Put adds or replaces a user.
func (d *StaticDirectory) Put(u User) {
	d.mu.Lock()
	defer d.mu.Unlock()
	u.Roles = append([]string(nil), u.Roles...)
	d.users[u.ID] = u
}

// UsersWithRole implements Directory.
func (d *StaticDirectory) UsersWithRole(ctx context.Context, role string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []string
	for _, u := range d.users {
		if u.Disabled {
			continue
		}
		for _, r := range u.Roles {
			if r == role {
				out = append(out, u.ID)
				break
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

// IsEnabled implements Directory.
func (d *StaticDirectory) IsEnabled(ctx context.Context, user string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[user]
	return ok && !u.Disabled, nil
}

// Roles implements Directory.
func (d *StaticDirectory) Roles(ctx context.Context, user string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[user]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, user)
	}
	return append([]string(nil), u.Roles...), nil
}

// HasRole reports whether user is enabled and holds role according to dir.
func HasRole(ctx context.Context, dir Directory, user, role string) (bool, error) {
	enabled, err := dir.IsEnabled(ctx, user)
	if err != nil || !enabled {
		return false, err
	}
	roles, err := dir.Roles(ctx, user)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return false, nil
		}
		return false, err
	}
	for _, r := range roles {
		if r == role {
			return true, nil
		}
	}
	return false, nil
}

// MemoryDocuments is an in-memory DocumentReader keyed by document id.
type MemoryDocuments struct {
	mu   sync.RWMutex
	docs map[string]map[string]types.TypedValue
}

// NewMemoryDocuments creates an empty document store.
func NewMemoryDocuments() *MemoryDocuments {
	return &MemoryDocuments{docs: make(map[string]map[string]types.TypedValue)}
}

// Put merges fields into the document, creating it when missing. It reports
// whether this call created the document.
func (m *MemoryDocuments) Put(documentID string, fields map[string]types.TypedValue) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[documentID]
	if !ok {
		doc = make(map[string]types.TypedValue, len(fields))
		m.docs[documentID] = doc
	}
	for k, v := range fields {
		doc[k] = v
	}
	return !ok
}

// Fields returns a copy of every field of the document.
func (m *MemoryDocuments) Fields(documentID string) (map[string]types.TypedValue, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.docs[documentID]
	if !ok {
		return nil, false
	}
	out := make(map[string]types.TypedValue, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out, true
}

// ReadField implements DocumentReader.
func (m *MemoryDocuments) ReadField(ctx context.Context, documentID, field string) (types.TypedValue, error) {
	if err := ctx.Err(); err != nil {
		return types.TypedValue{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.docs[documentID]
	if !ok {
		return types.TypedValue{}, fmt.Errorf("%w: %s", ErrDocumentNotFound, documentID)
	}
	v, ok := doc[field]
	if !ok {
		return types.TypedValue{}, fmt.Errorf("%w: %s.%s", ErrFieldNotFound, documentID, field)
	}
	return v, nil
}
