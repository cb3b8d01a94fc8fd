// Package notify provides the transcript drop directory: meeting transcripts
// written into a watched directory are picked up and fed to the ingestion
// queue, so tools that only know how to write files can feed the workspace.
package notify

import (
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// transcriptExtensions are the file types treated as transcripts.
var transcriptExtensions = map[string]bool{
	".txt": true,
	".md":  true,
}

// TranscriptWatcher watches a drop directory and dispatches each transcript
// file to the callback. Consumed files are moved to a processed/
// subdirectory so a crash between read and ingest leaves the file in place.
type TranscriptWatcher struct {
	dir      string
	callback func(meetingID, transcript string, meetingTime time.Time)
	watcher  *fsnotify.Watcher
	done     chan struct{}
}

// NewTranscriptWatcher creates a watcher for the given drop directory.
func NewTranscriptWatcher(dir string, callback func(meetingID, transcript string, meetingTime time.Time)) *TranscriptWatcher {
	return &TranscriptWatcher{
		dir:      dir,
		callback: callback,
		done:     make(chan struct{}),
	}
}

// Start begins watching. Transcripts already sitting in the directory are
// drained first, then new files are dispatched as they appear. Call Stop to
// clean up.
func (tw *TranscriptWatcher) Start() error {
	if err := os.MkdirAll(tw.dir, 0o700); err != nil {
		return err
	}
	if err := os.MkdirAll(tw.processedDir(), 0o700); err != nil {
		return err
	}

	tw.drainExisting()

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(tw.dir); err != nil {
		_ = w.Close()
		return err
	}
	tw.watcher = w

	go tw.loop()
	log.Printf("notify: watching %s for meeting transcripts", tw.dir)
	return nil
}

// Stop shuts down the watcher.
func (tw *TranscriptWatcher) Stop() {
	if tw.watcher != nil {
		_ = tw.watcher.Close()
	}
	<-tw.done
}

func (tw *TranscriptWatcher) loop() {
	defer close(tw.done)
	for {
		select {
		case evt, ok := <-tw.watcher.Events:
			if !ok {
				return
			}
			if evt.Op&(fsnotify.Create|fsnotify.Rename) != 0 && isTranscript(evt.Name) {
				tw.processFile(evt.Name)
			}
		case err, ok := <-tw.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("notify: watcher error: %v", err)
		}
	}
}

func (tw *TranscriptWatcher) drainExisting() {
	entries, err := os.ReadDir(tw.dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() && isTranscript(entry.Name()) {
			tw.processFile(filepath.Join(tw.dir, entry.Name()))
		}
	}
}

func (tw *TranscriptWatcher) processFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Already consumed by a concurrent watcher.
		return
	}
	transcript := strings.TrimSpace(string(data))
	if transcript == "" {
		log.Printf("notify: skipping empty transcript %s", filepath.Base(path))
		_ = os.Remove(path)
		return
	}

	meetingTime := time.Now().UTC()
	if info, err := os.Stat(path); err == nil {
		meetingTime = info.ModTime().UTC()
	}

	if tw.callback != nil {
		tw.callback(MeetingIDFromFilename(path), transcript, meetingTime)
	}

	dest := filepath.Join(tw.processedDir(), filepath.Base(path))
	if err := os.Rename(path, dest); err != nil {
		log.Printf("notify: failed to archive %s: %v", filepath.Base(path), err)
		_ = os.Remove(path)
	}
}

func (tw *TranscriptWatcher) processedDir() string {
	return filepath.Join(tw.dir, "processed")
}

// MeetingIDFromFilename derives a meeting ID from a transcript filename:
// the base name without extension, with path separators and spaces folded
// to underscores. "2025-06-02 standup.txt" becomes "2025-06-02_standup".
func MeetingIDFromFilename(path string) string {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '/', '\\', ':':
			return '_'
		}
		return r
	}, base)
}

func isTranscript(path string) bool {
	return transcriptExtensions[strings.ToLower(filepath.Ext(path))]
}
