package notify

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

type dropped struct {
	meetingID  string
	transcript string
}

func TestWatcherDispatchesNewTranscript(t *testing.T) {
	dir := t.TempDir()
	received := make(chan dropped, 1)

	watcher := NewTranscriptWatcher(dir, func(meetingID, transcript string, _ time.Time) {
		received <- dropped{meetingID, transcript}
	})
	if err := watcher.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer watcher.Stop()

	// Give fsnotify a moment to register
	time.Sleep(50 * time.Millisecond)

	path := filepath.Join(dir, "2025-06-02 standup.txt")
	if err := os.WriteFile(path, []byte("the mobile app is blocked\n"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	select {
	case msg := <-received:
		if msg.meetingID != "2025-06-02_standup" {
			t.Errorf("meeting ID = %q", msg.meetingID)
		}
		if msg.transcript != "the mobile app is blocked" {
			t.Errorf("transcript = %q", msg.transcript)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for transcript")
	}
}

func TestWatcherDrainsExistingTranscripts(t *testing.T) {
	dir := t.TempDir()

	// Files dropped BEFORE the watcher starts.
	_ = os.WriteFile(filepath.Join(dir, "first.txt"), []byte("a"), 0o644)
	_ = os.WriteFile(filepath.Join(dir, "second.md"), []byte("b"), 0o644)
	_ = os.WriteFile(filepath.Join(dir, "ignored.json"), []byte("{}"), 0o644)

	received := make(chan string, 10)
	watcher := NewTranscriptWatcher(dir, func(meetingID, _ string, _ time.Time) {
		received <- meetingID
	})
	if err := watcher.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer watcher.Stop()

	time.Sleep(100 * time.Millisecond)

	if len(received) != 2 {
		t.Fatalf("drained %d transcripts, want 2", len(received))
	}
}

func TestWatcherArchivesProcessedFiles(t *testing.T) {
	dir := t.TempDir()
	_ = os.WriteFile(filepath.Join(dir, "meeting.txt"), []byte("content"), 0o644)

	watcher := NewTranscriptWatcher(dir, func(_, _ string, _ time.Time) {})
	if err := watcher.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer watcher.Stop()

	time.Sleep(100 * time.Millisecond)

	if _, err := os.Stat(filepath.Join(dir, "meeting.txt")); !os.IsNotExist(err) {
		t.Fatal("consumed transcript should be moved out of the drop dir")
	}
	if _, err := os.Stat(filepath.Join(dir, "processed", "meeting.txt")); err != nil {
		t.Fatalf("archived copy missing: %v", err)
	}
}

func TestWatcherSkipsEmptyFiles(t *testing.T) {
	dir := t.TempDir()
	_ = os.WriteFile(filepath.Join(dir, "empty.txt"), []byte("  \n"), 0o644)

	received := make(chan string, 1)
	watcher := NewTranscriptWatcher(dir, func(meetingID, _ string, _ time.Time) {
		received <- meetingID
	})
	if err := watcher.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer watcher.Stop()

	time.Sleep(100 * time.Millisecond)

	if len(received) != 0 {
		t.Fatal("empty transcript must not be dispatched")
	}
}

func TestMeetingIDFromFilename(t *testing.T) {
	cases := map[string]string{
		"/drop/2025-06-02 standup.txt": "2025-06-02_standup",
		"weekly-sync.md":               "weekly-sync",
		"a:b c.txt":                    "a_b_c",
	}
	for in, want := range cases {
		if got := MeetingIDFromFilename(in); got != want {
			t.Errorf("MeetingIDFromFilename(%q) = %q, want %q", in, got, want)
		}
	}
}
