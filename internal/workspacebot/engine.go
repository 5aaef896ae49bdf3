package workspacebot

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/amarelo/workspacebot/internal/anythingllm"
)

// Service is the remote vector-document surface the engine drives.
// *anythingllm.Client satisfies it.
type Service interface {
	GetOrCreateWorkspace(ctx context.Context, ownerKey string) (string, error)
	ListWorkspaceDocuments(ctx context.Context, slug string) ([]anythingllm.WorkspaceDocument, error)
	ListAllDocuments(ctx context.Context) ([]string, error)
	UploadDocument(ctx context.Context, content []byte, name string) (string, error)
	UpdateEmbeddings(ctx context.Context, slug string, adds, removes []string) error
	DeleteDocument(ctx context.Context, location string) error
	SendChat(ctx context.Context, slug, sessionID, text string) (anythingllm.ChatResponse, error)
	ResetChat(ctx context.Context, slug, sessionID string) error
}

type Reply struct {
	Text     string                   `json:"text,omitempty"`
	ChartURL string                   `json:"chartUrl,omitempty"`
	Sources  []anythingllm.ChatSource `json:"sources,omitempty"`
	TaskID   string                   `json:"taskId,omitempty"`
}

type SyncReport struct {
	Available int      `json:"available"`
	Embedded  int      `json:"embedded"`
	Added     []string `json:"added"`
}

type EngineOptions struct {
	Service  Service
	Sessions *SessionStore
	Registry *FileRegistry
	Queue    *TaskQueue
	Repairer *ChartRepairer
	DataDir  string
	Logger   Logger
	Now      func() time.Time
}

// Engine ties sessions, the file registry and the task queue together and
// owns the reconciliation rules: the registry reflects only documents whose
// embed succeeded, and replacement is delete-then-reinsert because the remote
// service has no update primitive.
type Engine struct {
	service  Service
	sessions *SessionStore
	registry *FileRegistry
	queue    *TaskQueue
	repairer *ChartRepairer
	dataDir  string
	logger   Logger
	now      func() time.Time
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.Service == nil || opts.Sessions == nil || opts.Registry == nil || opts.Queue == nil {
		return nil, fmt.Errorf("%w: engine requires service, sessions, registry and queue", ErrInvalidInput)
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	dataDir := strings.TrimSpace(opts.DataDir)
	if dataDir == "" {
		dataDir = "data"
	}
	return &Engine{
		service:  opts.Service,
		sessions: opts.Sessions,
		registry: opts.Registry,
		queue:    opts.Queue,
		repairer: opts.Repairer,
		dataDir:  dataDir,
		logger:   logger,
		now:      now,
	}, nil
}

// HandleMessage routes a free-form message. Expense phrases are parsed up
// front so malformed input fails fast, then recorded through the queue;
// anything else goes to the workspace chat.
func (e *Engine) HandleMessage(ctx context.Context, id Identity, text string) (Reply, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Reply{}, fmt.Errorf("%w: empty message", ErrInvalidInput)
	}
	session, err := e.sessions.GetOrCreate(ctx, id)
	if err != nil {
		return Reply{}, err
	}
	if isExpensePhrase(text) {
		expense, err := ParseExpense(text, e.now())
		if err != nil {
			return Reply{}, err
		}
		taskID, err := e.submitExpense(id, session, expense)
		if err != nil {
			return Reply{}, err
		}
		return Reply{
			Text:   fmt.Sprintf("Recording %s for %q on %s.", expense.Value, expense.Description, expense.Date),
			TaskID: taskID,
		}, nil
	}
	chat, err := e.service.SendChat(ctx, session.Workspace, session.ActiveThread, text)
	if err != nil {
		return Reply{}, err
	}
	reply := Reply{
		Text:    chat.TextResponse,
		Sources: chat.Sources,
	}
	if chat.ChartURL != "" {
		reply.ChartURL = chat.ChartURL
		if e.repairer != nil {
			reply.ChartURL = e.repairer.Repair(chat.ChartURL)
		}
	}
	return reply, nil
}

func isExpensePhrase(text string) bool {
	lower := strings.ToLower(text)
	return lower == "gastei" || strings.HasPrefix(lower, "gastei ")
}

// SubmitAddFile queues an upload-and-embed for an owner's file. A file with
// the same name is replaced: the old document is unembedded and deleted
// before the new one is inserted.
func (e *Engine) SubmitAddFile(ctx context.Context, id Identity, name string, content []byte) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || len(content) == 0 {
		return "", fmt.Errorf("%w: file upload requires a name and content", ErrInvalidInput)
	}
	session, err := e.sessions.GetOrCreate(ctx, id)
	if err != nil {
		return "", err
	}
	task := Task{
		ID:   uuid.NewString(),
		Name: "add-file " + name,
		Run: func(ctx context.Context) error {
			return e.replaceDocument(ctx, session.Workspace, id.UserKey, name, content)
		},
	}
	if _, err := e.queue.Submit(task); err != nil {
		return "", err
	}
	return task.ID, nil
}

// SubmitRemoveFile queues unembedding a file from the owner's workspace. The
// document stays in the service catalog.
func (e *Engine) SubmitRemoveFile(id Identity, name string) (string, error) {
	return e.submitDetach(id, name, "remove-file", false)
}

// SubmitDeleteFile queues unembedding plus deletion from the service catalog.
func (e *Engine) SubmitDeleteFile(id Identity, name string) (string, error) {
	return e.submitDetach(id, name, "delete-file", true)
}

func (e *Engine) submitDetach(id Identity, name, taskName string, purge bool) (string, error) {
	session, err := e.sessions.Get(id.UserKey)
	if err != nil {
		return "", err
	}
	location, ok := e.registry.Location(id.UserKey, name)
	if !ok {
		return "", fmt.Errorf("%w: file %s", ErrNotFound, name)
	}
	task := Task{
		ID:   uuid.NewString(),
		Name: taskName + " " + name,
		Run: func(ctx context.Context) error {
			if err := e.service.UpdateEmbeddings(ctx, session.Workspace, nil, []string{location}); err != nil {
				if e.dropInconsistentEntry(err, id.UserKey, name, location) {
					return nil
				}
				return err
			}
			if purge {
				if err := e.service.DeleteDocument(ctx, location); err != nil {
					if e.dropInconsistentEntry(err, id.UserKey, name, location) {
						return nil
					}
					return err
				}
			}
			e.registry.Delete(id.UserKey, name)
			return nil
		},
	}
	if _, err := e.queue.Submit(task); err != nil {
		return "", err
	}
	return task.ID, nil
}

// FullResync embeds every catalog document the workspace does not yet have.
// It only ever adds: documents embedded remotely but absent from the catalog
// are left alone.
func (e *Engine) FullResync(ctx context.Context, id Identity) (SyncReport, error) {
	session, err := e.sessions.GetOrCreate(ctx, id)
	if err != nil {
		return SyncReport{}, err
	}
	embedded, err := e.service.ListWorkspaceDocuments(ctx, session.Workspace)
	if err != nil {
		return SyncReport{}, err
	}
	available, err := e.service.ListAllDocuments(ctx)
	if err != nil {
		return SyncReport{}, err
	}
	embeddedSet := make(map[string]struct{}, len(embedded))
	for _, doc := range embedded {
		embeddedSet[doc.DocPath] = struct{}{}
	}
	adds := make([]string, 0)
	for _, location := range available {
		if _, ok := embeddedSet[location]; !ok {
			adds = append(adds, location)
		}
	}
	if err := e.service.UpdateEmbeddings(ctx, session.Workspace, adds, nil); err != nil {
		return SyncReport{}, err
	}
	e.logger.Printf("resync: workspace %s embedded %d of %d catalog documents", session.Workspace, len(adds), len(available))
	return SyncReport{
		Available: len(available),
		Embedded:  len(embedded),
		Added:     adds,
	}, nil
}

// SubmitFullResync queues the catalog reconciliation so a large embed batch
// never blocks the inbound-event path.
func (e *Engine) SubmitFullResync(ctx context.Context, id Identity) (string, error) {
	if _, err := e.sessions.GetOrCreate(ctx, id); err != nil {
		return "", err
	}
	task := Task{
		ID:   uuid.NewString(),
		Name: "full-resync " + id.UserKey,
		Run: func(ctx context.Context) error {
			_, err := e.FullResync(ctx, id)
			return err
		},
	}
	if _, err := e.queue.Submit(task); err != nil {
		return "", err
	}
	return task.ID, nil
}

// NewThread starts a conversation thread and makes it active.
func (e *Engine) NewThread(id Identity, name string) (Thread, error) {
	return e.sessions.NewThread(id.UserKey, name)
}

func (e *Engine) Threads(id Identity) (WorkspaceSession, error) {
	return e.sessions.Get(id.UserKey)
}

func (e *Engine) SwitchThread(id Identity, ref string) (Thread, error) {
	return e.sessions.SwitchThread(id.UserKey, ref)
}

// ResetConversation clears the remote chat history of the active thread.
func (e *Engine) ResetConversation(ctx context.Context, id Identity) error {
	session, err := e.sessions.Get(id.UserKey)
	if err != nil {
		return err
	}
	return e.service.ResetChat(ctx, session.Workspace, session.ActiveThread)
}

// ListDocuments returns the owner's registered files plus the workspace's
// embedded document paths.
func (e *Engine) ListDocuments(ctx context.Context, id Identity) (map[string]string, []string, error) {
	session, err := e.sessions.Get(id.UserKey)
	if err != nil {
		return nil, nil, err
	}
	embedded, err := e.service.ListWorkspaceDocuments(ctx, session.Workspace)
	if err != nil {
		return nil, nil, err
	}
	paths := make([]string, 0, len(embedded))
	for _, doc := range embedded {
		paths = append(paths, doc.DocPath)
	}
	return e.registry.Files(id.UserKey), paths, nil
}

// Watch exposes queue completions for push channels.
func (e *Engine) Watch() (<-chan TaskResult, func()) {
	return e.queue.Watch()
}

func (e *Engine) submitExpense(id Identity, session WorkspaceSession, expense Expense) (string, error) {
	task := Task{
		ID:   uuid.NewString(),
		Name: "record-expense",
		Run: func(ctx context.Context) error {
			return e.recordExpense(ctx, id, session, expense)
		},
	}
	if _, err := e.queue.Submit(task); err != nil {
		return "", err
	}
	return task.ID, nil
}

// recordExpense appends to the owner's local ledger, then replaces the remote
// ledger document wholesale. The local file is the source of truth; the
// remote copy is derived.
func (e *Engine) recordExpense(ctx context.Context, id Identity, session WorkspaceSession, expense Expense) error {
	ledgerName := fmt.Sprintf("expenses_%s.json", id.UserKey)
	ledgerPath := e.ledgerPath(id, ledgerName)

	entries, err := readLedger(ledgerPath)
	if err != nil {
		return fmt.Errorf("read ledger %s: %w", ledgerPath, err)
	}
	entries = append(entries, expense)
	content, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	if err := writeFileAtomic(ledgerPath, content); err != nil {
		return fmt.Errorf("write ledger %s: %w", ledgerPath, err)
	}
	return e.replaceDocument(ctx, session.Workspace, id.UserKey, ledgerName, content)
}

func (e *Engine) ledgerPath(id Identity, ledgerName string) string {
	owner := sanitizePathComponent(id.DisplayName)
	if owner == "" {
		owner = sanitizePathComponent(id.UserKey)
	}
	return filepath.Join(e.dataDir, owner, ledgerName)
}

// replaceDocument is the delete-then-reinsert primitive: unembed and delete
// the previous version when one is registered, upload and embed the new one,
// and record the new location only after the embed succeeded. A failure before
// the final registration leaves the registry on its prior state.
func (e *Engine) replaceDocument(ctx context.Context, slug, ownerKey, name string, content []byte) error {
	if old, ok := e.registry.Location(ownerKey, name); ok {
		if err := e.detachPrior(ctx, slug, ownerKey, name, old); err != nil {
			return err
		}
	}
	location, err := e.service.UploadDocument(ctx, content, name)
	if err != nil {
		return err
	}
	if err := e.service.UpdateEmbeddings(ctx, slug, []string{location}, nil); err != nil {
		return err
	}
	return e.registry.Set(ownerKey, name, location)
}

// detachPrior unembeds and deletes the old version of a file before its
// replacement is uploaded. A location the service no longer knows is dropped
// from the registry and the replace proceeds as a plain add.
func (e *Engine) detachPrior(ctx context.Context, slug, ownerKey, name, location string) error {
	err := e.service.UpdateEmbeddings(ctx, slug, nil, []string{location})
	if err == nil {
		err = e.service.DeleteDocument(ctx, location)
	}
	if err == nil {
		return nil
	}
	if e.dropInconsistentEntry(err, ownerKey, name, location) {
		return nil
	}
	return err
}

func (e *Engine) dropInconsistentEntry(err error, ownerKey, name, location string) bool {
	if !anythingllm.IsNotFound(err) {
		return false
	}
	e.logger.Printf("%v: %s/%s location %s unknown to the service, dropping entry", ErrRegistryInconsistency, ownerKey, name, location)
	e.registry.Delete(ownerKey, name)
	return true
}

func readLedger(path string) ([]Expense, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []Expense{}, nil
		}
		return nil, err
	}
	var entries []Expense
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func writeFileAtomic(path string, data []byte) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func sanitizePathComponent(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, s)
	return strings.Trim(s, ". ")
}
