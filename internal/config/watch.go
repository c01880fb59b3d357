package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// watchDebounce coalesces the bursts of events editors emit on save.
const watchDebounce = 200 * time.Millisecond

// Watch reloads the product routing table whenever the config file changes.
// Only product_repos is hot-reloaded; other settings require a restart. The
// watcher stops when ctx is cancelled.
func (c *Config) Watch(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}

	// Watch the directory: editors replace files on save, which would
	// otherwise drop a watch on the file itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch %s: %w", path, err)
	}

	go func() {
		defer watcher.Close()
		var timer *time.Timer
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(path) {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(watchDebounce, func() {
					c.reloadProductRepos(path)
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("Config watcher error")
			}
		}
	}()

	log.Info().Str("path", path).Msg("Watching config for product routing changes")
	return nil
}

func (c *Config) reloadProductRepos(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Config reload failed")
		return
	}
	var partial struct {
		ProductRepos map[string]string `yaml:"product_repos"`
	}
	if err := yaml.Unmarshal(data, &partial); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Config reload failed")
		return
	}
	if partial.ProductRepos == nil {
		return
	}
	c.SetProductRepos(partial.ProductRepos)
	log.Info().Int("products", len(partial.ProductRepos)).Msg("Reloaded product routing table")
}
