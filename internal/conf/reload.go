package conf

import (
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"

	"fastrelay/internal/diag"
	"fastrelay/internal/flog"

	"github.com/fsnotify/fsnotify"
)

var ErrReloadInProgress = errors.New("reload already in progress")

// Watcher keeps the current config and reloads it whenever the file changes.
// Changes that need a restart are refused and the old config stays active.
type Watcher struct {
	path    string
	current atomic.Pointer[Conf]

	mu       sync.RWMutex
	watchers []func(old, new *Conf)

	fsw       *fsnotify.Watcher
	stop      chan struct{}
	done      chan struct{}
	reloading atomic.Bool
}

// NewWatcher starts watching path. initial is the config already loaded from it.
func NewWatcher(path string, initial *Conf) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	// Editors often replace the file instead of writing it, so watch the
	// directory and filter by name.
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watch config dir: %w", err)
	}
	w := &Watcher{
		path: filepath.Clean(path),
		fsw:  fsw,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	w.current.Store(initial)
	go w.loop()
	return w, nil
}

func (w *Watcher) Get() *Conf { return w.current.Load() }

// Watch registers fn to run after every accepted reload. Callbacks run on the
// watcher goroutine, in registration order.
func (w *Watcher) Watch(fn func(old, new *Conf)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.watchers = append(w.watchers, fn)
}

// Reload reads the file again and applies it if the change is allowed.
func (w *Watcher) Reload() error {
	if !w.reloading.CompareAndSwap(false, true) {
		return ErrReloadInProgress
	}
	defer w.reloading.Store(false)

	next, err := LoadFromFile(w.path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	prev := w.Get()
	if err := validateTransition(prev, next); err != nil {
		return fmt.Errorf("validate transition: %w", err)
	}
	w.current.Store(next)
	diag.IncReloads()

	w.mu.RLock()
	watchers := slices.Clone(w.watchers)
	w.mu.RUnlock()
	for _, fn := range watchers {
		fn(prev, next)
	}
	return nil
}

// validateTransition refuses changes the running process cannot apply.
func validateTransition(prev, next *Conf) error {
	var errs []error
	if prev.Role != next.Role {
		errs = append(errs, fmt.Errorf("role change requires restart: %s -> %s", prev.Role, next.Role))
	}
	if prev.Listen != next.Listen {
		errs = append(errs, fmt.Errorf("listen address change requires restart"))
	}
	if prev.Transport.Protocol != next.Transport.Protocol || prev.Transport.Server != next.Transport.Server {
		errs = append(errs, fmt.Errorf("transport change requires restart"))
	}
	if prev.Relay.BufferSize != next.Relay.BufferSize {
		errs = append(errs, fmt.Errorf("relay buffer_size change requires restart"))
	}
	if prev.Chaos.Enabled != next.Chaos.Enabled {
		errs = append(errs, fmt.Errorf("enabling or disabling chaos requires restart"))
	}
	if !slices.Equal(prev.Exit.Allow, next.Exit.Allow) {
		errs = append(errs, fmt.Errorf("exit allow list change requires restart"))
	}
	if prev.Delay != next.Delay {
		errs = append(errs, fmt.Errorf("delay change requires restart"))
	}
	return errors.Join(errs...)
}

func (w *Watcher) loop() {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path || !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if err := w.Reload(); err != nil {
				flog.Errorf("config reload failed: %v", err)
				continue
			}
			flog.Infof("config reloaded from %s", w.path)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			flog.Warnf("config watcher error: %v", err)
		case <-w.stop:
			return
		}
	}
}

// Close stops watching. It is safe to call more than once.
func (w *Watcher) Close() error {
	select {
	case <-w.stop:
		return nil
	default:
	}
	close(w.stop)
	err := w.fsw.Close()
	<-w.done
	return err
}
