// Package seedfile loads the initial speaker fleet from a JSON file and
// watches it for edits, so a demo deployment can add/remove speakers by
// editing a file on disk instead of wiring real UPnP discovery.
package seedfile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/snarg/sonosevents/internal/model"
)

// Entry is one line of the seed file: just enough to construct a
// model.Speaker.
type Entry struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	RoomName  string   `json:"room_name"`
	IP        string   `json:"ip"`
	Port      int      `json:"port"`
	ModelName string   `json:"model_name"`
	Satellites []string `json:"satellites,omitempty"`
}

func (e Entry) toSpeaker() model.Speaker {
	sats := make([]model.SpeakerId, 0, len(e.Satellites))
	for _, s := range e.Satellites {
		sats = append(sats, model.SpeakerId(s))
	}
	return model.Speaker{
		ID:         model.SpeakerId(e.ID),
		Name:       e.Name,
		RoomName:   e.RoomName,
		IP:         e.IP,
		Port:       e.Port,
		ModelName:  e.ModelName,
		Satellites: sats,
	}
}

// Load reads and parses a seed file into its speaker list.
func Load(path string) ([]model.Speaker, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	out := make([]model.Speaker, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.toSpeaker())
	}
	return out, nil
}

// ChangeHandler receives the full, re-parsed speaker list every time the
// seed file changes. It does not diff against the previous list; callers
// (typically the subscription manager) are responsible for reconciling.
type ChangeHandler func([]model.Speaker)

// Watcher watches a single seed file for edits and re-delivers its full
// contents on change, debounced to coalesce an editor's rapid
// create+write+rename sequence.
type Watcher struct {
	path     string
	log      zerolog.Logger
	onChange ChangeHandler

	fsw    *fsnotify.Watcher
	status atomic.Value // string: "starting", "watching", "stopped"

	debounceMu sync.Mutex
	debounce   *time.Timer
}

// New constructs a Watcher over the given seed file path.
func New(path string, onChange ChangeHandler, log zerolog.Logger) *Watcher {
	w := &Watcher{
		path:     path,
		log:      log.With().Str("component", "seedfile_watcher").Str("path", path).Logger(),
		onChange: onChange,
	}
	w.status.Store("starting")
	return w
}

// Start performs an initial load (delivered synchronously via onChange
// before Start returns), then begins watching the containing directory in
// the background. fsnotify watches directories, not individual files, so
// editors that rewrite-via-rename are still observed.
func (w *Watcher) Start(stop <-chan struct{}) error {
	speakers, err := Load(w.path)
	if err != nil {
		return err
	}
	w.onChange(speakers)

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.fsw = fsw

	dir := filepath.Dir(w.path)
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	w.status.Store("watching")
	go w.watchLoop(stop)
	return nil
}

// Stop closes the underlying fsnotify watcher.
func (w *Watcher) Stop() {
	w.status.Store("stopped")
	if w.fsw != nil {
		w.fsw.Close()
	}
}

// Status reports "starting", "watching", or "stopped".
func (w *Watcher) Status() string {
	s, _ := w.status.Load().(string)
	return s
}

func (w *Watcher) watchLoop(stop <-chan struct{}) {
	target := filepath.Clean(w.path)
	for {
		select {
		case <-stop:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.scheduleReload()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Error().Err(err).Msg("fsnotify error")
		}
	}
}

func (w *Watcher) scheduleReload() {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if w.debounce != nil {
		w.debounce.Reset(250 * time.Millisecond)
		return
	}
	w.debounce = time.AfterFunc(250*time.Millisecond, func() {
		w.debounceMu.Lock()
		w.debounce = nil
		w.debounceMu.Unlock()
		w.reload()
	})
}

func (w *Watcher) reload() {
	speakers, err := Load(w.path)
	if err != nil {
		w.log.Warn().Err(err).Msg("failed to reload seed file")
		return
	}
	w.log.Info().Int("speakers", len(speakers)).Msg("seed file changed")
	w.onChange(speakers)
}
