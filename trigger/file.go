package trigger

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// File triggers when an abort file is created, e.g. by an operator running
// `touch /run/ccd/abort`. The file is removed when the request is consumed.
type File struct {
	Flag
	path    string
	watcher *fsnotify.Watcher

	mu  sync.Mutex
	err error
}

func WatchFile(path string) (*File, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watching %q: %w", path, err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watching %q: %w", path, err)
	}
	f := &File{path: path, watcher: watcher}
	// A file left over from before startup is a stale request.
	if err := os.Remove(path); err == nil {
		log.Printf("removed stale abort file %q", path)
	}
	go f.loop()
	return f, nil
}

func (f *File) loop() {
	for {
		select {
		case event, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) == filepath.Clean(f.path) && event.Has(fsnotify.Create|fsnotify.Write) {
				f.Set()
			}
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			f.mu.Lock()
			f.err = err
			f.mu.Unlock()
		}
	}
}

func (f *File) Triggered() (bool, error) {
	f.mu.Lock()
	err := f.err
	f.err = nil
	f.mu.Unlock()
	ok, _ := f.Flag.Triggered()
	if ok {
		if rmErr := os.Remove(f.path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			log.Printf("removing abort file %q: %v", f.path, rmErr)
		}
	}
	return ok, err
}

func (f *File) Close() error {
	return f.watcher.Close()
}
