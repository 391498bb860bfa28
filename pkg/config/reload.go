package config

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/bastion/pkg/abac"
	"github.com/cuemby/bastion/pkg/audit"
	"github.com/cuemby/bastion/pkg/log"
	"github.com/cuemby/bastion/pkg/metrics"
	"github.com/cuemby/bastion/pkg/rbac"
	"github.com/cuemby/bastion/pkg/types"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// debounce coalesces editor write bursts into one reload
const reloadDebounce = 250 * time.Millisecond

// Reloader watches the role and policy source files and performs validated,
// atomic reloads. A malformed file rejects the reload and the previous set
// stays active; parsing happens outside any lock, only the final swap is
// atomic.
type Reloader struct {
	rolesFile    string
	policiesFile string
	roles        *rbac.Authority
	policies     *abac.Authority
	broker       *audit.Broker
	logger       zerolog.Logger
}

// NewReloader creates a reloader for the given authorities. Either file may
// be empty to disable watching that source.
func NewReloader(rolesFile, policiesFile string, roles *rbac.Authority, policies *abac.Authority, broker *audit.Broker) *Reloader {
	return &Reloader{
		rolesFile:    rolesFile,
		policiesFile: policiesFile,
		roles:        roles,
		policies:     policies,
		broker:       broker,
		logger:       log.WithComponent("reload"),
	}
}

// LoadAll performs the initial load of both sources
func (r *Reloader) LoadAll() error {
	if r.rolesFile != "" {
		if err := r.reloadRoles(); err != nil {
			return err
		}
	}
	if r.policiesFile != "" {
		if err := r.reloadPolicies(); err != nil {
			return err
		}
	}
	return nil
}

// Watch runs until the context is canceled, reloading sources when their
// files change
func (r *Reloader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch directories, not files: editors replace files on save and a
	// file watch dies with the old inode
	dirs := make(map[string]bool)
	for _, file := range []string{r.rolesFile, r.policiesFile} {
		if file == "" {
			continue
		}
		dir := filepath.Dir(file)
		if !dirs[dir] {
			if err := watcher.Add(dir); err != nil {
				return err
			}
			dirs[dir] = true
		}
	}

	var timer *time.Timer
	pending := make(map[string]bool)
	fire := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			match := filepath.Clean(event.Name)
			if match != filepath.Clean(r.rolesFile) && match != filepath.Clean(r.policiesFile) {
				continue
			}
			pending[match] = true
			if timer == nil {
				timer = time.AfterFunc(reloadDebounce, func() {
					select {
					case fire <- struct{}{}:
					default:
					}
				})
			} else {
				timer.Reset(reloadDebounce)
			}
		case <-fire:
			timer = nil
			for file := range pending {
				delete(pending, file)
				r.reloadFile(file)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn().Err(err).Msg("watcher error")
		}
	}
}

func (r *Reloader) reloadFile(file string) {
	switch filepath.Clean(file) {
	case filepath.Clean(r.rolesFile):
		if err := r.reloadRoles(); err != nil {
			r.reject("roles", err)
		}
	case filepath.Clean(r.policiesFile):
		if err := r.reloadPolicies(); err != nil {
			r.reject("policies", err)
		}
	}
}

func (r *Reloader) reloadRoles() error {
	data, err := os.ReadFile(r.rolesFile)
	if err != nil {
		return err
	}
	roles, err := rbac.ParseRoles(data)
	if err != nil {
		return err
	}
	if err := r.roles.Load(roles); err != nil {
		return err
	}
	r.accepted("roles")
	return nil
}

func (r *Reloader) reloadPolicies() error {
	data, err := os.ReadFile(r.policiesFile)
	if err != nil {
		return err
	}
	policies, err := abac.ParsePolicies(data)
	if err != nil {
		return err
	}
	if err := r.policies.Load(policies); err != nil {
		return err
	}
	r.accepted("policies")
	return nil
}

func (r *Reloader) accepted(source string) {
	metrics.ConfigReloads.WithLabelValues(source, "ok").Inc()
	r.logger.Info().Str("source", source).Msg("configuration reloaded")
	if r.broker != nil {
		r.broker.Publish(types.NewEvent(types.EventConfigReloaded, types.SeverityInfo, "config", "", "").
			WithDetail("source", source))
	}
}

func (r *Reloader) reject(source string, err error) {
	metrics.ConfigReloads.WithLabelValues(source, "rejected").Inc()
	r.logger.Error().Err(err).Str("source", source).
		Msg("reload rejected, previous configuration stays active")
	if r.broker != nil {
		r.broker.Publish(types.NewEvent(types.EventConfigRejected, types.SeverityHigh, "config", "", "").
			WithDetail("source", source).
			WithDetail("error", err.Error()))
	}
}
