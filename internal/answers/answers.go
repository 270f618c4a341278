// Package answers implements the drop-file convention an operator uses to
// answer a pending question from outside the running dispatcher process:
// `whs answer` writes one JSON file per answer; the dispatcher's fsnotify
// watcher (internal/watch) notices the directory change and Drain reads
// and removes every answer file it finds, feeding the result into
// state.WithAnsweredQuestion.
package answers

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"whs/internal/log"
)

// Answer is the payload one drop-file carries.
type Answer struct {
	QuestionID string `json:"question_id"`
	WorkItemID string `json:"work_item_id"`
	Text       string `json:"answer"`
}

// Dir returns the answers directory for a dispatcher rooted at stateDir
// (the directory holding state.json and dispatcher.lock).
func Dir(stateDir string) string {
	return filepath.Join(stateDir, "answers")
}

// Write drops a new answer file into dir, named after the question id so
// a repeat answer simply overwrites the same file.
func Write(dir string, a Answer) error {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("creating answers directory: %w", err)
	}
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encoding answer: %w", err)
	}
	path := filepath.Join(dir, a.QuestionID+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing answer file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("renaming answer file: %w", err)
	}
	return nil
}

// Drain reads every *.json file in dir, returning the parsed answers and
// deleting each file it successfully parsed. A file that fails to parse
// is logged and left in place for operator inspection rather than
// silently discarded.
func Drain(dir string) []Answer {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	var out []Answer
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			log.Warn(log.CatWatcher, "failed to read answer file", "path", path, "error", err.Error())
			continue
		}
		var a Answer
		if err := json.Unmarshal(data, &a); err != nil {
			log.Warn(log.CatWatcher, "failed to parse answer file, leaving in place", "path", path, "error", err.Error())
			continue
		}
		if err := os.Remove(path); err != nil {
			log.Warn(log.CatWatcher, "failed to remove consumed answer file", "path", path, "error", err.Error())
		}
		out = append(out, a)
	}
	return out
}
