package workspacebot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/amarelo/workspacebot/internal/anythingllm"
)

type fakeService struct {
	mu             sync.Mutex
	workspaceDocs  map[string][]string
	catalog        map[string][]byte
	uploadCount    int
	deleted        []string
	embedErr       error
	embedAddErr    error
	removeErr      error
	deleteErr      error
	uploadErr      error
	chatResponse   anythingllm.ChatResponse
	chatErr        error
	resetCalls     []string
	chatMessages   []string
	embedAddCalls  [][]string
	embedRemoveOps [][]string
}

func newFakeService() *fakeService {
	return &fakeService{
		workspaceDocs: map[string][]string{},
		catalog:       map[string][]byte{},
	}
}

func (f *fakeService) GetOrCreateWorkspace(ctx context.Context, ownerKey string) (string, error) {
	return "ws-" + ownerKey, nil
}

func (f *fakeService) ListWorkspaceDocuments(ctx context.Context, slug string) ([]anythingllm.WorkspaceDocument, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	docs := make([]anythingllm.WorkspaceDocument, 0, len(f.workspaceDocs[slug]))
	for _, location := range f.workspaceDocs[slug] {
		docs = append(docs, anythingllm.WorkspaceDocument{DocPath: location})
	}
	return docs, nil
}

func (f *fakeService) ListAllDocuments(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	locations := make([]string, 0, len(f.catalog))
	for location := range f.catalog {
		locations = append(locations, location)
	}
	return locations, nil
}

func (f *fakeService) UploadDocument(ctx context.Context, content []byte, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploadErr != nil {
		return "", f.uploadErr
	}
	f.uploadCount++
	location := fmt.Sprintf("custom-documents/%s-%d.json", name, f.uploadCount)
	f.catalog[location] = content
	return location, nil
}

func (f *fakeService) UpdateEmbeddings(ctx context.Context, slug string, adds, removes []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.embedErr != nil {
		return f.embedErr
	}
	if len(adds) > 0 {
		if f.embedAddErr != nil {
			return f.embedAddErr
		}
		f.embedAddCalls = append(f.embedAddCalls, adds)
		f.workspaceDocs[slug] = append(f.workspaceDocs[slug], adds...)
	}
	if len(removes) > 0 {
		if f.removeErr != nil {
			return f.removeErr
		}
		f.embedRemoveOps = append(f.embedRemoveOps, removes)
		kept := f.workspaceDocs[slug][:0]
		for _, location := range f.workspaceDocs[slug] {
			drop := false
			for _, removed := range removes {
				if location == removed {
					drop = true
				}
			}
			if !drop {
				kept = append(kept, location)
			}
		}
		f.workspaceDocs[slug] = kept
	}
	return nil
}

func (f *fakeService) DeleteDocument(ctx context.Context, location string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	delete(f.catalog, location)
	f.deleted = append(f.deleted, location)
	return nil
}

func (f *fakeService) SendChat(ctx context.Context, slug, sessionID, text string) (anythingllm.ChatResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chatMessages = append(f.chatMessages, text)
	return f.chatResponse, f.chatErr
}

func (f *fakeService) ResetChat(ctx context.Context, slug, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resetCalls = append(f.resetCalls, slug+"/"+sessionID)
	return nil
}

type engineFixture struct {
	engine   *Engine
	service  *fakeService
	registry *FileRegistry
	queue    *TaskQueue
	dataDir  string
	watch    <-chan TaskResult
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	service := newFakeService()
	sessions, err := NewSessionStore(SessionStoreOptions{Provider: service})
	if err != nil {
		t.Fatalf("session store: %v", err)
	}
	registry, err := NewFileRegistry(FileRegistryOptions{})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	queue := NewTaskQueue(TaskQueueOptions{Capacity: 16})
	t.Cleanup(queue.Close)
	dataDir := t.TempDir()
	engine, err := NewEngine(EngineOptions{
		Service:  service,
		Sessions: sessions,
		Registry: registry,
		Queue:    queue,
		Repairer: NewChartRepairer(ChartRepairerOptions{}),
		DataDir:  dataDir,
		Now:      func() time.Time { return time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	watch, cancelWatch := engine.Watch()
	t.Cleanup(cancelWatch)
	return &engineFixture{engine: engine, service: service, registry: registry, queue: queue, dataDir: dataDir, watch: watch}
}

func (fx *engineFixture) waitTask(t *testing.T, taskID string) TaskResult {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case result := <-fx.watch:
			if result.ID == taskID {
				return result
			}
		case <-deadline:
			t.Fatalf("task %s did not finish", taskID)
		}
	}
}

func TestSubmitAddFileRegistersAfterEmbed(t *testing.T) {
	fx := newEngineFixture(t)
	id := Identity{UserKey: "42", DisplayName: "Ana"}

	watch, cancel := fx.engine.Watch()
	defer cancel()
	taskID, err := fx.engine.SubmitAddFile(context.Background(), id, "notes.txt", []byte("hello"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	result := <-watch
	if result.ID != taskID || result.Failed() {
		t.Fatalf("result = %+v", result)
	}
	location, ok := fx.registry.Location("42", "notes.txt")
	if !ok {
		t.Fatal("registry entry missing after successful embed")
	}
	if len(fx.service.embedAddCalls) != 1 || fx.service.embedAddCalls[0][0] != location {
		t.Fatalf("embed calls = %v", fx.service.embedAddCalls)
	}
}

func TestSubmitAddFileEmbedFailureLeavesRegistryUntouched(t *testing.T) {
	fx := newEngineFixture(t)
	fx.service.embedErr = errors.New("embed down")
	id := Identity{UserKey: "42"}

	watch, cancel := fx.engine.Watch()
	defer cancel()
	taskID, err := fx.engine.SubmitAddFile(context.Background(), id, "notes.txt", []byte("hello"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	result := <-watch
	if result.ID != taskID || !result.Failed() {
		t.Fatalf("expected failure, result = %+v", result)
	}
	if _, ok := fx.registry.Location("42", "notes.txt"); ok {
		t.Fatal("registry must not record a document that failed to embed")
	}
}

func TestSubmitAddFileReplacesExisting(t *testing.T) {
	fx := newEngineFixture(t)
	id := Identity{UserKey: "42"}

	taskID, err := fx.engine.SubmitAddFile(context.Background(), id, "notes.txt", []byte("v1"))
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	fx.waitTask(t, taskID)
	oldLocation, _ := fx.registry.Location("42", "notes.txt")

	taskID, err = fx.engine.SubmitAddFile(context.Background(), id, "notes.txt", []byte("v2"))
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	fx.waitTask(t, taskID)

	newLocation, ok := fx.registry.Location("42", "notes.txt")
	if !ok || newLocation == oldLocation {
		t.Fatalf("replacement did not register a new location, old=%s new=%s", oldLocation, newLocation)
	}
	if len(fx.service.deleted) != 1 || fx.service.deleted[0] != oldLocation {
		t.Fatalf("old document not deleted, deleted = %v", fx.service.deleted)
	}
	if len(fx.service.embedRemoveOps) != 1 || fx.service.embedRemoveOps[0][0] != oldLocation {
		t.Fatalf("old document not unembedded, removes = %v", fx.service.embedRemoveOps)
	}
}

func TestReplaceEmbedFailureKeepsPriorEntry(t *testing.T) {
	fx := newEngineFixture(t)
	id := Identity{UserKey: "42"}

	taskID, err := fx.engine.SubmitAddFile(context.Background(), id, "notes.txt", []byte("v1"))
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	fx.waitTask(t, taskID)
	oldLocation, _ := fx.registry.Location("42", "notes.txt")

	fx.service.embedAddErr = errors.New("embed down")
	taskID, err = fx.engine.SubmitAddFile(context.Background(), id, "notes.txt", []byte("v2"))
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if result := fx.waitTask(t, taskID); !result.Failed() {
		t.Fatalf("expected failure, result = %+v", result)
	}
	location, ok := fx.registry.Location("42", "notes.txt")
	if !ok || location != oldLocation {
		t.Fatalf("registry must keep the prior entry on a failed replace, got %q want %q", location, oldLocation)
	}
}

func TestReplaceRecoversFromStaleLocation(t *testing.T) {
	fx := newEngineFixture(t)
	id := Identity{UserKey: "42"}

	taskID, err := fx.engine.SubmitAddFile(context.Background(), id, "notes.txt", []byte("v1"))
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	fx.waitTask(t, taskID)
	oldLocation, _ := fx.registry.Location("42", "notes.txt")

	// The service lost the old document out of band.
	fx.service.deleteErr = &anythingllm.HTTPError{StatusCode: 404, Message: "document not found"}
	taskID, err = fx.engine.SubmitAddFile(context.Background(), id, "notes.txt", []byte("v2"))
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if result := fx.waitTask(t, taskID); result.Failed() {
		t.Fatalf("stale location must be recoverable, result = %+v", result)
	}
	location, ok := fx.registry.Location("42", "notes.txt")
	if !ok || location == oldLocation {
		t.Fatalf("replace after stale location should register a new location, got %q", location)
	}
}

func TestRemoveRecoversFromStaleLocation(t *testing.T) {
	fx := newEngineFixture(t)
	id := Identity{UserKey: "42"}

	taskID, _ := fx.engine.SubmitAddFile(context.Background(), id, "notes.txt", []byte("a"))
	fx.waitTask(t, taskID)

	fx.service.removeErr = &anythingllm.HTTPError{StatusCode: 404, Message: "document not found"}
	taskID, err := fx.engine.SubmitRemoveFile(id, "notes.txt")
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if result := fx.waitTask(t, taskID); result.Failed() {
		t.Fatalf("stale location must be recoverable, result = %+v", result)
	}
	if _, ok := fx.registry.Location("42", "notes.txt"); ok {
		t.Fatal("stale entry must be dropped")
	}
}

func TestRemoveVersusDelete(t *testing.T) {
	fx := newEngineFixture(t)
	id := Identity{UserKey: "42"}

	taskID, _ := fx.engine.SubmitAddFile(context.Background(), id, "keep.txt", []byte("a"))
	fx.waitTask(t, taskID)
	taskID, _ = fx.engine.SubmitAddFile(context.Background(), id, "purge.txt", []byte("b"))
	fx.waitTask(t, taskID)
	keepLocation, _ := fx.registry.Location("42", "keep.txt")
	purgeLocation, _ := fx.registry.Location("42", "purge.txt")

	taskID, err := fx.engine.SubmitRemoveFile(id, "keep.txt")
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	fx.waitTask(t, taskID)
	if _, ok := fx.service.catalog[keepLocation]; !ok {
		t.Fatal("remove must keep the document in the catalog")
	}
	if _, ok := fx.registry.Location("42", "keep.txt"); ok {
		t.Fatal("remove must clear the registry entry")
	}

	taskID, err = fx.engine.SubmitDeleteFile(id, "purge.txt")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	fx.waitTask(t, taskID)
	if _, ok := fx.service.catalog[purgeLocation]; ok {
		t.Fatal("delete must remove the document from the catalog")
	}
	if _, ok := fx.registry.Location("42", "purge.txt"); ok {
		t.Fatal("delete must clear the registry entry")
	}

	if _, err := fx.engine.SubmitRemoveFile(id, "unknown.txt"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown file should be ErrNotFound, got %v", err)
	}
}

func TestFullResyncAddsOnly(t *testing.T) {
	fx := newEngineFixture(t)
	id := Identity{UserKey: "42"}
	fx.service.catalog["custom-documents/a.json"] = []byte("a")
	fx.service.catalog["custom-documents/b.json"] = []byte("b")
	fx.service.workspaceDocs["ws-42"] = []string{"custom-documents/a.json", "custom-documents/ghost.json"}

	report, err := fx.engine.FullResync(context.Background(), id)
	if err != nil {
		t.Fatalf("resync: %v", err)
	}
	if report.Available != 2 || report.Embedded != 2 {
		t.Fatalf("report = %+v", report)
	}
	if len(report.Added) != 1 || report.Added[0] != "custom-documents/b.json" {
		t.Fatalf("added = %v", report.Added)
	}
	// The ghost document embedded remotely but missing from the catalog is
	// never removed.
	for _, removes := range fx.service.embedRemoveOps {
		t.Fatalf("resync must not unembed anything, got removes %v", removes)
	}

	report, err = fx.engine.FullResync(context.Background(), id)
	if err != nil {
		t.Fatalf("second resync: %v", err)
	}
	if len(report.Added) != 0 {
		t.Fatalf("second resync should already be synchronized, added = %v", report.Added)
	}
}

func TestSubmitFullResyncRunsThroughQueue(t *testing.T) {
	fx := newEngineFixture(t)
	id := Identity{UserKey: "42"}
	fx.service.catalog["custom-documents/a.json"] = []byte("a")

	taskID, err := fx.engine.SubmitFullResync(context.Background(), id)
	if err != nil {
		t.Fatalf("submit resync: %v", err)
	}
	if result := fx.waitTask(t, taskID); result.Failed() {
		t.Fatalf("resync task result = %+v", result)
	}
	fx.service.mu.Lock()
	defer fx.service.mu.Unlock()
	if len(fx.service.embedAddCalls) != 1 || fx.service.embedAddCalls[0][0] != "custom-documents/a.json" {
		t.Fatalf("embed calls = %v", fx.service.embedAddCalls)
	}
}

func TestHandleMessageChatsAndRepairsChart(t *testing.T) {
	fx := newEngineFixture(t)
	fx.service.chatResponse = anythingllm.ChatResponse{
		TextResponse: "Total spent: 120",
		ChartURL:     "https://quickchart.io/chart?c=" + url.QueryEscape(`{"title":"R$ total"}`),
	}
	reply, err := fx.engine.HandleMessage(context.Background(), Identity{UserKey: "42"}, "how much did I spend?")
	if err != nil {
		t.Fatalf("handle message: %v", err)
	}
	if reply.Text != "Total spent: 120" {
		t.Fatalf("text = %q", reply.Text)
	}
	parsed, err := url.Parse(reply.ChartURL)
	if err != nil {
		t.Fatalf("parse chart url: %v", err)
	}
	var definition map[string]any
	if err := json.Unmarshal([]byte(parsed.Query().Get("c")), &definition); err != nil {
		t.Fatalf("decode chart: %v", err)
	}
	if definition["title"] != "Real total" {
		t.Fatalf("title = %v", definition["title"])
	}
}

func TestHandleMessageExpenseEndToEnd(t *testing.T) {
	fx := newEngineFixture(t)
	id := Identity{UserKey: "42", DisplayName: "Ana"}

	watch, cancel := fx.engine.Watch()
	defer cancel()
	reply, err := fx.engine.HandleMessage(context.Background(), id, "Gastei R$ 20 com ração hoje")
	if err != nil {
		t.Fatalf("handle expense: %v", err)
	}
	if reply.TaskID == "" {
		t.Fatal("expense reply missing task id")
	}
	result := <-watch
	if result.ID != reply.TaskID || result.Failed() {
		t.Fatalf("expense task result = %+v", result)
	}

	ledgerPath := filepath.Join(fx.dataDir, "Ana", "expenses_42.json")
	data, err := os.ReadFile(ledgerPath)
	if err != nil {
		t.Fatalf("read ledger: %v", err)
	}
	var entries []Expense
	if err := json.Unmarshal(data, &entries); err != nil {
		t.Fatalf("decode ledger: %v", err)
	}
	if len(entries) != 1 || entries[0].Value != 2000 || entries[0].Description != "ração" || entries[0].Date != "2026-09-01" {
		t.Fatalf("ledger entries = %+v", entries)
	}

	location, ok := fx.registry.Location("42", "expenses_42.json")
	if !ok {
		t.Fatal("ledger not registered after embed")
	}
	if string(fx.service.catalog[location]) != string(data) {
		t.Fatal("remote ledger content does not match local ledger")
	}
}

func TestHandleMessageMalformedExpense(t *testing.T) {
	fx := newEngineFixture(t)
	for _, text := range []string{"Gastei com nada", "gastei"} {
		if _, err := fx.engine.HandleMessage(context.Background(), Identity{UserKey: "42"}, text); !errors.Is(err, ErrMalformedInput) {
			t.Fatalf("%q: expected ErrMalformedInput, got %v", text, err)
		}
	}
	fx.service.mu.Lock()
	defer fx.service.mu.Unlock()
	if len(fx.service.chatMessages) != 0 {
		t.Fatalf("malformed expenses must not reach chat, got %v", fx.service.chatMessages)
	}
}

func TestResetConversation(t *testing.T) {
	fx := newEngineFixture(t)
	id := Identity{UserKey: "42"}
	session, err := fx.engine.Threads(id)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("threads before provisioning should be ErrNotFound, got %v", err)
	}
	if _, err := fx.engine.HandleMessage(context.Background(), id, "hello"); err != nil {
		t.Fatalf("handle message: %v", err)
	}
	if err := fx.engine.ResetConversation(context.Background(), id); err != nil {
		t.Fatalf("reset: %v", err)
	}
	session, err = fx.engine.Threads(id)
	if err != nil {
		t.Fatalf("threads: %v", err)
	}
	expected := session.Workspace + "/" + session.ActiveThread
	if len(fx.service.resetCalls) != 1 || fx.service.resetCalls[0] != expected {
		t.Fatalf("reset calls = %v, want %s", fx.service.resetCalls, expected)
	}
}
