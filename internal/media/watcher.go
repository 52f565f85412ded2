package media

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDeviceDirs are watched when NewFSWatcher gets no directories.
var DefaultDeviceDirs = []string{"/dev", "/dev/snd"}

const settleDelay = 500 * time.Millisecond

// FSWatcher reports device node churn under /dev. A burst of node events
// (a camera exposes several) collapses into one signal.
type FSWatcher struct {
	w      *fsnotify.Watcher
	events chan struct{}
	closed chan struct{}
	once   sync.Once
}

func NewFSWatcher(dirs ...string) (*FSWatcher, error) {
	if len(dirs) == 0 {
		dirs = DefaultDeviceDirs
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	added := 0
	for _, d := range dirs {
		if err := w.Add(d); err != nil {
			log.Debugf("MEDIA: not watching %s: %v", d, err)
			continue
		}
		added++
	}
	if added == 0 {
		w.Close()
		return nil, fmt.Errorf("media: no device directory could be watched (%s)", strings.Join(dirs, ", "))
	}
	fw := &FSWatcher{
		w:      w,
		events: make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
	go fw.loop()
	return fw, nil
}

func (fw *FSWatcher) Events() <-chan struct{} { return fw.events }

func (fw *FSWatcher) Close() error {
	var err error
	fw.once.Do(func() {
		close(fw.closed)
		err = fw.w.Close()
	})
	return err
}

func (fw *FSWatcher) loop() {
	defer close(fw.events)
	var settle <-chan time.Time
	for {
		select {
		case <-fw.closed:
			return
		case ev, ok := <-fw.w.Events:
			if !ok {
				return
			}
			if !isDeviceNode(ev.Name) {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				settle = time.After(settleDelay)
			}
		case <-settle:
			settle = nil
			select {
			case fw.events <- struct{}{}:
			default:
			}
		case err, ok := <-fw.w.Errors:
			if !ok {
				return
			}
			log.Warnf("MEDIA: watcher error: %v", err)
		}
	}
}

// isDeviceNode matches video capture nodes and ALSA pcm/control nodes.
func isDeviceNode(name string) bool {
	base := filepath.Base(name)
	if strings.HasPrefix(base, "video") {
		return true
	}
	if filepath.Base(filepath.Dir(name)) == "snd" {
		return strings.HasPrefix(base, "pcm") || strings.HasPrefix(base, "control")
	}
	return false
}
