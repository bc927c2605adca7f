package registry

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	k8syaml "k8s.io/apimachinery/pkg/util/yaml"

	"github.com/gitopsd/gitopsd/pkg/apis/application/v1alpha1"
)

const applicationAPIVersion = "gitopsd.io/v1alpha1"

// Watcher keeps the registry in step with a directory of Application YAML
// documents: an initial scan, then fsnotify-driven rescans. A burst of file
// events is debounced into a single rescan.
type Watcher struct {
	dir      string
	registry *Registry
	debounce time.Duration
}

func NewWatcher(dir string, registry *Registry, debounce time.Duration) *Watcher {
	return &Watcher{
		dir:      dir,
		registry: registry,
		debounce: debounce,
	}
}

func (w *Watcher) Run(ctx context.Context) error {
	if err := w.rescan(); err != nil {
		return err
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer fsWatcher.Close()

	if err := fsWatcher.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.dir, err)
	}

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fsWatcher.Events:
			if !ok {
				return nil
			}
			log.Debugf("Application directory event: %s", event)
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}
		case err, ok := <-fsWatcher.Errors:
			if !ok {
				return nil
			}
			log.Warningf("Application directory watch error: %s", err)
		case <-timerC:
			timer = nil
			timerC = nil
			if err := w.rescan(); err != nil {
				log.Errorf("Error reloading application directory: %s", err)
			}
		}
	}
}

// rescan loads the directory and reconciles the registry with it: new files
// register, changed specs update, vanished applications are deleted.
func (w *Watcher) rescan() error {
	apps, err := LoadApplications(w.dir)
	if err != nil {
		return err
	}

	seen := make(map[string]bool, len(apps))
	for _, app := range apps {
		seen[app.Name] = true
		w.registry.Upsert(app)
	}

	for _, name := range w.registry.Names() {
		if !seen[name] {
			w.registry.Delete(name)
		}
	}

	return nil
}

// LoadApplications reads every Application document under dir. Documents of
// other kinds, undecodable files and invalid Applications are skipped with a
// warning; one bad file never blocks the rest of the directory.
func LoadApplications(dir string) ([]*v1alpha1.Application, error) {
	var apps []*v1alpha1.Application

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		switch filepath.Ext(path) {
		case ".yaml", ".yml", ".json":
		default:
			return nil
		}

		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}

		dec := k8syaml.NewYAMLOrJSONDecoder(bytes.NewReader(content), 4096)
		for {
			var app v1alpha1.Application
			if err := dec.Decode(&app); err != nil {
				if err == io.EOF {
					break
				}
				log.Warningf("Skipping %s: failed to decode: %s", path, err)
				break
			}
			if app.Kind == "" {
				continue
			}
			if app.Kind != "Application" || app.APIVersion != applicationAPIVersion {
				log.Warningf("Skipping %s document %s/%s in %s", app.Kind, app.APIVersion, app.Name, path)
				continue
			}
			if err := validate(&app); err != nil {
				log.Warningf("Skipping invalid application in %s: %s", path, err)
				continue
			}
			apps = append(apps, &app)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return apps, nil
}

func validate(app *v1alpha1.Application) error {
	if app.Name == "" {
		return fmt.Errorf("metadata.name is required")
	}
	if app.Spec.Source.RepoURL == "" {
		return fmt.Errorf("spec.source.repoURL is required")
	}
	return nil
}
