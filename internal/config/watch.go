package config

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// ParamChange identifies one parameter file that was written or replaced.
type ParamChange struct {
	Kind string
	Name string
	Path string
}

// WatchParams blocks until ctx is done, calling onChange for every write,
// create or rename under the box/mouse/pi/task subdirectories of dir.
func WatchParams(ctx context.Context, dir string, logger *log.Logger, onChange func(ParamChange)) error {
	if logger == nil {
		logger = log.Default()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer func() {
		_ = watcher.Close()
	}()

	for _, kind := range []string{KindBox, KindMouse, KindPi, KindTask} {
		sub := filepath.Join(dir, kind)
		if err := os.MkdirAll(sub, 0o755); err != nil {
			return fmt.Errorf("ensure params dir %s: %w", sub, err)
		}
		if err := watcher.Add(sub); err != nil {
			return fmt.Errorf("watch %s: %w", sub, err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			change, ok := classifyParamPath(event.Name)
			if !ok {
				continue
			}
			logger.Printf("params changed kind=%s name=%s op=%s", change.Kind, change.Name, event.Op)
			onChange(change)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Printf("params watcher error: %v", err)
		}
	}
}

func classifyParamPath(path string) (ParamChange, bool) {
	ext := filepath.Ext(path)
	known := false
	for _, e := range paramExtensions {
		if e == ext {
			known = true
			break
		}
	}
	if !known {
		return ParamChange{}, false
	}
	kind := filepath.Base(filepath.Dir(path))
	switch kind {
	case KindBox, KindMouse, KindPi, KindTask:
	default:
		return ParamChange{}, false
	}
	name := strings.TrimSuffix(filepath.Base(path), ext)
	return ParamChange{Kind: kind, Name: name, Path: path}, true
}
