package workspacebot

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Logger is the subset of *log.Logger the package needs.
type Logger interface {
	Printf(format string, args ...any)
}

// SessionSnapshotSchema validates persisted session snapshots before they are
// trusted at startup.
const SessionSnapshotSchema = `{
	"type": "object",
	"required": ["sessions"],
	"properties": {
		"sessions": {
			"type": "object",
			"additionalProperties": {
				"type": "object",
				"required": ["userId", "workspace", "threads"],
				"properties": {
					"userId": {"type": "string", "minLength": 1},
					"displayName": {"type": "string"},
					"workspace": {"type": "string", "minLength": 1},
					"activeThread": {"type": "string"},
					"threads": {
						"type": "array",
						"items": {
							"type": "object",
							"required": ["id", "name"],
							"properties": {
								"id": {"type": "string", "minLength": 1},
								"name": {"type": "string", "minLength": 1}
							}
						}
					}
				}
			}
		}
	}
}`

type Thread struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// WorkspaceSession is the durable record tying an owner to their remote
// workspace and conversation threads. The active thread's ID doubles as the
// remote chat session identifier.
type WorkspaceSession struct {
	UserID       string   `json:"userId"`
	DisplayName  string   `json:"displayName,omitempty"`
	Workspace    string   `json:"workspace"`
	ActiveThread string   `json:"activeThread"`
	Threads      []Thread `json:"threads"`
}

func (s WorkspaceSession) clone() WorkspaceSession {
	out := s
	out.Threads = append([]Thread(nil), s.Threads...)
	return out
}

// ThreadByID returns the named thread, reporting false when absent.
func (s WorkspaceSession) ThreadByID(id string) (Thread, bool) {
	for _, thread := range s.Threads {
		if thread.ID == id {
			return thread, true
		}
	}
	return Thread{}, false
}

type Identity struct {
	UserKey     string
	DisplayName string
}

// WorkspaceProvider provisions the remote workspace backing a session.
type WorkspaceProvider interface {
	GetOrCreateWorkspace(ctx context.Context, ownerKey string) (string, error)
}

type sessionSnapshot struct {
	Sessions map[string]*WorkspaceSession `json:"sessions"`
}

type SessionStoreOptions struct {
	Provider WorkspaceProvider
	Backend  StateBackend
	Logger   Logger
}

// SessionStore owns the owner-to-workspace mapping. Provisioning is
// serialized under the store mutex, so two concurrent first messages from the
// same owner cannot create duplicate remote workspaces.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]*WorkspaceSession
	provider WorkspaceProvider
	backend  StateBackend
	logger   Logger
}

func NewSessionStore(opts SessionStoreOptions) (*SessionStore, error) {
	if opts.Provider == nil {
		return nil, fmt.Errorf("%w: session store requires a workspace provider", ErrInvalidInput)
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	store := &SessionStore{
		sessions: map[string]*WorkspaceSession{},
		provider: opts.Provider,
		backend:  opts.Backend,
		logger:   logger,
	}
	if opts.Backend != nil {
		var snapshot sessionSnapshot
		loaded, err := opts.Backend.Load(&snapshot)
		if err != nil {
			return nil, fmt.Errorf("load session snapshot: %w", err)
		}
		if loaded && snapshot.Sessions != nil {
			store.sessions = snapshot.Sessions
		}
	}
	return store, nil
}

func (s *SessionStore) Close() {
	closeStateBackend(s.backend)
}

// GetOrCreate returns the owner's session, provisioning the remote workspace
// and an initial thread on first contact. The remote call happens while the
// store mutex is held.
func (s *SessionStore) GetOrCreate(ctx context.Context, id Identity) (WorkspaceSession, error) {
	userKey := strings.TrimSpace(id.UserKey)
	if userKey == "" {
		return WorkspaceSession{}, fmt.Errorf("%w: empty user key", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if session, ok := s.sessions[userKey]; ok {
		if id.DisplayName != "" && session.DisplayName != id.DisplayName {
			session.DisplayName = id.DisplayName
			s.saveLocked()
		}
		return session.clone(), nil
	}

	slug, err := s.provider.GetOrCreateWorkspace(ctx, userKey)
	if err != nil {
		return WorkspaceSession{}, err
	}
	initial := Thread{ID: uuid.NewString(), Name: "general"}
	session := &WorkspaceSession{
		UserID:       userKey,
		DisplayName:  id.DisplayName,
		Workspace:    slug,
		ActiveThread: initial.ID,
		Threads:      []Thread{initial},
	}
	s.sessions[userKey] = session
	s.saveLocked()
	s.logger.Printf("session: provisioned workspace %s for user %s", slug, userKey)
	return session.clone(), nil
}

func (s *SessionStore) Get(userKey string) (WorkspaceSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[strings.TrimSpace(userKey)]
	if !ok {
		return WorkspaceSession{}, fmt.Errorf("%w: no session for user %s", ErrNotFound, userKey)
	}
	return session.clone(), nil
}

// NewThread creates a thread and makes it active. An empty name gets a
// sequential default.
func (s *SessionStore) NewThread(userKey, name string) (Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[strings.TrimSpace(userKey)]
	if !ok {
		return Thread{}, fmt.Errorf("%w: no session for user %s", ErrNotFound, userKey)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = fmt.Sprintf("thread-%d", len(session.Threads)+1)
	}
	thread := Thread{ID: uuid.NewString(), Name: name}
	session.Threads = append(session.Threads, thread)
	session.ActiveThread = thread.ID
	s.saveLocked()
	return thread, nil
}

// SwitchThread makes an existing thread active, matching by ID first, then by
// exact name.
func (s *SessionStore) SwitchThread(userKey, ref string) (Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[strings.TrimSpace(userKey)]
	if !ok {
		return Thread{}, fmt.Errorf("%w: no session for user %s", ErrNotFound, userKey)
	}
	ref = strings.TrimSpace(ref)
	for _, thread := range session.Threads {
		if thread.ID == ref {
			session.ActiveThread = thread.ID
			s.saveLocked()
			return thread, nil
		}
	}
	for _, thread := range session.Threads {
		if thread.Name == ref {
			session.ActiveThread = thread.ID
			s.saveLocked()
			return thread, nil
		}
	}
	return Thread{}, fmt.Errorf("%w: thread %s", ErrNotFound, ref)
}

func (s *SessionStore) saveLocked() {
	if s.backend == nil {
		return
	}
	if err := s.backend.Save(&sessionSnapshot{Sessions: s.sessions}); err != nil {
		s.logger.Printf("session: persist snapshot: %v", err)
	}
}
