package worktree

import (
	"context"
	"database/sql"
	"strings"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/agentdevsl/claudorc/internal/resultx"
)

type fakeRunner struct {
	calls [][]string
	dirs  []string
	out   map[string]string // joined args -> stdout
	err   map[string]error
}

func (f *fakeRunner) Run(ctx context.Context, dir, name string, args ...string) (string, string, error) {
	all := append([]string{name}, args...)
	f.calls = append(f.calls, all)
	f.dirs = append(f.dirs, dir)
	key := strings.Join(all, " ")
	if err, ok := f.err[key]; ok {
		return "", "boom", err
	}
	return f.out[key], "", nil
}

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if _, err := db.Exec(`CREATE TABLE projects (id TEXT PRIMARY KEY, path TEXT);`); err != nil {
		t.Fatalf("create projects: %v", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE worktrees (
			id TEXT PRIMARY KEY, project_id TEXT, task_id TEXT, session_id TEXT, agent_id TEXT,
			branch TEXT, base_branch TEXT, path TEXT, status TEXT
		);`); err != nil {
		t.Fatalf("create worktrees: %v", err)
	}
	if _, err := db.Exec(`CREATE TABLE sessions (id TEXT PRIMARY KEY, status TEXT);`); err != nil {
		t.Fatalf("create sessions: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO projects (id, path) VALUES ('p1', '');`); err != nil {
		t.Fatalf("seed project: %v", err)
	}
	return db
}

func newTestService(t *testing.T) (*Service, *fakeRunner) {
	db := newTestDB(t)
	r := &fakeRunner{out: map[string]string{}, err: map[string]error{}}
	return &Service{db: db, runner: r}, r
}

func TestCreateRecordsActiveWorktree(t *testing.T) {
	s, _ := newTestService(t)
	dir := t.TempDir()
	w, err := s.Create(context.Background(), CreateParams{
		ProjectID: "p1", TaskID: "t1", ProjectDir: dir, RootDir: "worktrees",
		Branch: "task/t1", BaseBranch: "main",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if w.Status != StatusActive || w.Branch != "task/t1" {
		t.Fatalf("unexpected worktree: %+v", w)
	}

	got, err := s.Get(context.Background(), w.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Path != w.Path {
		t.Fatalf("Get path = %q, want %q", got.Path, w.Path)
	}
}

func TestCreateFailureReturnsWorktreeCreateFailed(t *testing.T) {
	db := newTestDB(t)
	r := &fakeRunner{out: map[string]string{}, err: map[string]error{}}
	s := &Service{db: db, runner: r}
	dir := t.TempDir()

	r.err["git worktree add -b task/t1 "+dir+"/wt/t1 main"] = errFake{}

	_, err := s.Create(context.Background(), CreateParams{
		ProjectID: "p1", TaskID: "t1", ProjectDir: dir, RootDir: "wt",
		Branch: "task/t1", BaseBranch: "main",
	})
	if !resultx.Is(err, resultx.CodeWorktreeCreateFailed) {
		t.Fatalf("expected WORKTREE_CREATE_FAILED, got %v", err)
	}
}

type errFake struct{}

func (errFake) Error() string { return "git failed" }

func TestMergeChecksOutBaseThenMerges(t *testing.T) {
	s, r := newTestService(t)
	projectDir := t.TempDir()
	if _, err := s.db.Exec(`UPDATE projects SET path = ? WHERE id = 'p1';`, projectDir); err != nil {
		t.Fatalf("seed project path: %v", err)
	}
	taskWorktreeDir := t.TempDir()
	w, err := s.Create(context.Background(), CreateParams{
		ProjectID: "p1", TaskID: "t1", ProjectDir: taskWorktreeDir, RootDir: "wt", Branch: "task/t1", BaseBranch: "main",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := s.Merge(context.Background(), w.ID, "merge it"); err != nil {
		t.Fatalf("Merge: %v", err)
	}

	got, err := s.Get(context.Background(), w.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusMerged {
		t.Fatalf("status = %q, want merged", got.Status)
	}

	var sawCheckout, sawMerge bool
	for i, c := range r.calls {
		joined := strings.Join(c, " ")
		if strings.HasPrefix(joined, "git checkout main") {
			sawCheckout = true
			if r.dirs[i] != projectDir {
				t.Fatalf("checkout ran in %q, want the project's primary worktree %q", r.dirs[i], projectDir)
			}
		}
		if strings.HasPrefix(joined, "git merge") {
			sawMerge = true
			if r.dirs[i] != projectDir {
				t.Fatalf("merge ran in %q, want the project's primary worktree %q", r.dirs[i], projectDir)
			}
		}
	}
	if !sawCheckout || !sawMerge {
		t.Fatalf("expected checkout+merge calls, got %v", r.calls)
	}
}

func TestRemoveMarksRemoved(t *testing.T) {
	s, _ := newTestService(t)
	dir := t.TempDir()
	w, err := s.Create(context.Background(), CreateParams{
		ProjectID: "p1", TaskID: "t1", ProjectDir: dir, RootDir: "wt", Branch: "task/t1", BaseBranch: "main",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Remove(context.Background(), w.ID); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	got, err := s.Get(context.Background(), w.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusRemoved {
		t.Fatalf("status = %q, want removed", got.Status)
	}
}

func TestPruneSkipsWorktreesWithActiveSession(t *testing.T) {
	s, _ := newTestService(t)
	db := s.db
	dir := t.TempDir()

	w1, err := s.Create(context.Background(), CreateParams{
		ProjectID: "p1", TaskID: "t1", ProjectDir: dir, RootDir: "wt", Branch: "b1", BaseBranch: "main",
	})
	if err != nil {
		t.Fatalf("create w1: %v", err)
	}
	if err := s.Remove(context.Background(), w1.ID); err != nil {
		t.Fatalf("remove w1: %v", err)
	}

	w2, err := s.Create(context.Background(), CreateParams{
		ProjectID: "p1", TaskID: "t2", ProjectDir: dir, RootDir: "wt", Branch: "b2", BaseBranch: "main",
	})
	if err != nil {
		t.Fatalf("create w2: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO sessions (id, status) VALUES ('s1', 'active');`); err != nil {
		t.Fatalf("seed session: %v", err)
	}
	if _, err := db.Exec(`UPDATE worktrees SET status = 'removed', session_id = 's1' WHERE id = ?;`, w2.ID); err != nil {
		t.Fatalf("attach session: %v", err)
	}

	ids, err := s.Prune(context.Background())
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if len(ids) != 1 || ids[0] != w1.ID {
		t.Fatalf("Prune = %v, want [%s]", ids, w1.ID)
	}
}
