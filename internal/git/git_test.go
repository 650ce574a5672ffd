package git

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/wangzexi/vibecraft-sub001/internal/broadcast"
)

// fakeRunner maps "args joined by space" to canned output. Queries against
// failDir always fail, simulating a deleted directory.
type fakeRunner struct {
	outputs map[string]string
	failDir string
}

func (f *fakeRunner) run(_ context.Context, dir string, args ...string) (string, error) {
	if f.failDir != "" && dir == f.failDir {
		return "", errors.New("exit status 128")
	}
	key := strings.Join(args, " ")
	out, ok := f.outputs[key]
	if !ok {
		return "", errors.New("exit status 128")
	}
	return out, nil
}

func cleanRepoRunner() *fakeRunner {
	return &fakeRunner{outputs: map[string]string{
		"rev-parse --abbrev-ref HEAD":                      "main\n",
		"rev-list --left-right --count @{upstream}...HEAD": "2\t3\n",
		"status --porcelain":                               "",
		"diff HEAD --shortstat":                            "",
	}}
}

func TestCollectParsesQueries(t *testing.T) {
	runner := &fakeRunner{outputs: map[string]string{
		"rev-parse --abbrev-ref HEAD":                      "feature/poll\n",
		"rev-list --left-right --count @{upstream}...HEAD": "1\t4\n",
		"status --porcelain": "M  staged.go\n" +
			" M unstaged.go\n" +
			"MM both.go\n" +
			"?? new.txt\n" +
			"A  added.go\n",
		"diff HEAD --shortstat": " 3 files changed, 42 insertions(+), 7 deletions(-)\n",
	}}
	tr := NewTracker(broadcast.NewBroker(), runner.run)

	status := tr.collect(context.Background(), "/tmp/proj")

	if !status.IsRepo {
		t.Fatal("expected IsRepo")
	}
	if status.Branch != "feature/poll" {
		t.Errorf("Branch = %q", status.Branch)
	}
	if status.Behind != 1 || status.Ahead != 4 {
		t.Errorf("ahead/behind = %d/%d, want 4/1", status.Ahead, status.Behind)
	}
	if status.Staged != 3 { // M, MM, A
		t.Errorf("Staged = %d, want 3", status.Staged)
	}
	if status.Unstaged != 2 { // _M, MM
		t.Errorf("Unstaged = %d, want 2", status.Unstaged)
	}
	if status.Untracked != 1 {
		t.Errorf("Untracked = %d, want 1", status.Untracked)
	}
	if status.Added != 42 || status.Deleted != 7 {
		t.Errorf("diff lines = +%d/-%d, want +42/-7", status.Added, status.Deleted)
	}
}

func TestCollectNonRepo(t *testing.T) {
	runner := &fakeRunner{outputs: map[string]string{}}
	tr := NewTracker(broadcast.NewBroker(), runner.run)

	status := tr.collect(context.Background(), "/tmp/not-a-repo")
	if status.IsRepo {
		t.Error("expected IsRepo=false for failed rev-parse")
	}
}

func TestPollOncePublishesOnlyOnChange(t *testing.T) {
	broker := broadcast.NewBroker()
	sub, cancel := broker.Subscribe()
	defer cancel()

	runner := cleanRepoRunner()
	tr := NewTracker(broker, runner.run)
	tr.Track("sess1", "/tmp/proj")

	tr.PollOnce(context.Background())

	select {
	case msg := <-sub:
		if msg.Kind != broadcast.KindGit {
			t.Errorf("Kind = %q", msg.Kind)
		}
		upd := msg.Payload.(Update)
		if upd.SessionID != "sess1" || upd.Status.Branch != "main" {
			t.Errorf("unexpected payload %+v", upd)
		}
	case <-time.After(time.Second):
		t.Fatal("no broadcast for first snapshot")
	}

	// Second poll with identical output: no new message.
	tr.PollOnce(context.Background())
	select {
	case msg := <-sub:
		t.Errorf("unexpected broadcast for unchanged status: %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}

	// Change the tree; expect exactly one more message.
	runner.outputs["status --porcelain"] = "?? scratch.txt\n"
	tr.PollOnce(context.Background())
	select {
	case msg := <-sub:
		upd := msg.Payload.(Update)
		if upd.Status.Untracked != 1 {
			t.Errorf("Untracked = %d, want 1", upd.Status.Untracked)
		}
	case <-time.After(time.Second):
		t.Fatal("no broadcast after change")
	}
}

func TestUntrackDropsState(t *testing.T) {
	tr := NewTracker(broadcast.NewBroker(), cleanRepoRunner().run)
	tr.Track("sess1", "/tmp/proj")
	tr.PollOnce(context.Background())

	if _, ok := tr.Status("sess1"); !ok {
		t.Fatal("expected cached status after poll")
	}

	tr.Untrack("sess1")
	if _, ok := tr.Status("sess1"); ok {
		t.Error("status survived untrack")
	}
}

func TestPollIsolatesFailingDirectory(t *testing.T) {
	broker := broadcast.NewBroker()
	sub, cancel := broker.Subscribe()
	defer cancel()

	runner := cleanRepoRunner()
	runner.failDir = "/definitely/gone"
	tr := NewTracker(broker, runner.run)
	tr.Track("broken", "/definitely/gone")
	tr.Track("ok", "/tmp/proj")

	// The broken directory degrades to a non-repo snapshot; the healthy
	// one must still be polled and published.
	tr.PollOnce(context.Background())

	sawOK := false
	sawBroken := false
	deadline := time.After(time.Second)
	for !(sawOK && sawBroken) {
		select {
		case msg := <-sub:
			upd := msg.Payload.(Update)
			switch upd.SessionID {
			case "ok":
				sawOK = true
				if !upd.Status.IsRepo {
					t.Error("healthy dir reported as non-repo")
				}
			case "broken":
				sawBroken = true
				if upd.Status.IsRepo {
					t.Error("broken dir reported as repo")
				}
			}
		case <-deadline:
			t.Fatalf("missing snapshots: ok=%v broken=%v", sawOK, sawBroken)
		}
	}
}
