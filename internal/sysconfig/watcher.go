package sysconfig

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/go-hclog"
)

// Watcher re-loads a resolv.conf when it changes on disk and delivers the new Config to a
// callback. Most systems re-write resolv.conf by renaming a temp file over it so we watch the
// containing directory, not the file - a watch on the file itself dies with the inode.
type Watcher struct {
	path     string
	log      hclog.Logger
	onChange func(*Config)
	fsw      *fsnotify.Watcher
	done     chan struct{}
}

// NewWatcher starts watching path. onChange is invoked from the watcher's goroutine with each new
// successfully loaded Config; load failures are logged and otherwise ignored as a half-written
// file is usually followed by the real one moments later.
func NewWatcher(path string, log hclog.Logger, onChange func(*Config)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	err = fsw.Add(filepath.Dir(path))
	if err != nil {
		fsw.Close()
		return nil, err
	}

	t := &Watcher{path: path, log: log, onChange: onChange, fsw: fsw, done: make(chan struct{})}
	go t.run()

	return t, nil
}

func (t *Watcher) run() {
	defer close(t.done)
	for {
		select {
		case ev, ok := <-t.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(t.path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			cfg, err := Load(t.path)
			if err != nil {
				t.log.Warn("resolv.conf reload failed", "path", t.path, "error", err)
				continue
			}
			t.log.Debug("resolv.conf reloaded", "path", t.path, "servers", len(cfg.Servers))
			t.onChange(cfg)

		case err, ok := <-t.fsw.Errors:
			if !ok {
				return
			}
			t.log.Warn("resolv.conf watch error", "error", err)
		}
	}
}

// Close stops the watcher and waits for the delivery goroutine to exit, after which onChange will
// never be invoked again.
func (t *Watcher) Close() error {
	err := t.fsw.Close()
	<-t.done

	return err
}
