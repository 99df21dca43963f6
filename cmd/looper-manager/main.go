// Command looper-manager runs the control-plane daemon: the Test Manager
// /Scheduler, the Machine-Category Controller, and the worker-facing wire
// server, wired together the way cmd/ci-operator-configresolver/main.go
// wires a ConfigAgent/RegistryAgent pair behind an http.Server, adapted
// from a config-serving daemon to a stateful scheduling one.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"gopkg.in/fsnotify.v1"

	"github.com/mattsgit/test-looper/internal/gitcache"
	"github.com/mattsgit/test-looper/internal/machinectl"
	"github.com/mattsgit/test-looper/internal/manager"
	"github.com/mattsgit/test-looper/internal/objdb"
	"github.com/mattsgit/test-looper/internal/resolver"
	"github.com/mattsgit/test-looper/internal/scheduler"
)

type options struct {
	configPath string
	cloneDir   string
	logLevel   string
	address    string
	port       int
}

func bindOptions() *options {
	o := &options{}
	flag.StringVar(&o.configPath, "config", "", "Path to the manager config file (YAML or JSON)")
	flag.StringVar(&o.cloneDir, "clone-dir", "/var/lib/test-looper/repos", "Directory Git clones are cached under")
	flag.StringVar(&o.logLevel, "log-level", "info", "Level at which to log output")
	flag.StringVar(&o.address, "address", "", "Address to run the worker-facing server on")
	flag.IntVar(&o.port, "port", 8080, "Port to run the worker-facing server on")
	return o
}

func (o *options) Validate() error {
	if o.configPath == "" {
		return fmt.Errorf("--config is required")
	}
	if _, err := logrus.ParseLevel(o.logLevel); err != nil {
		return fmt.Errorf("invalid --log-level: %w", err)
	}
	return nil
}

func main() {
	o := bindOptions()
	flag.Parse()

	if err := o.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid options: %v\n", err)
		os.Exit(1)
	}

	level, _ := logrus.ParseLevel(o.logLevel)
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.JSONFormatter{})
	log := logrus.WithField("component", "looper-manager")

	cfg, err := loadConfig(o.configPath)
	if err != nil {
		log.WithError(err).Fatal("failed to load config")
	}

	store := objdb.New(log)
	cloneURLs := newCloneURLMap()
	applyConfig(store, cfg, cloneURLs)

	cache := gitcache.New(o.cloneDir, 4, log)
	lookup := func(repoName string) (resolver.GitSource, error) {
		cloneURL, ok := cloneURLs.get(objdb.RepoID(repoName))
		if !ok {
			return nil, fmt.Errorf("unknown repo %q", repoName)
		}
		return cache.Lookup(repoName, cloneURL), nil
	}
	res := resolver.New(lookup)

	if err := watchConfig(o.configPath, store, cloneURLs, log); err != nil {
		log.WithError(err).Warn("config hot-reload disabled")
	}

	registry := prometheus.NewRegistry()
	driver := &loggingDriver{log: log.WithField("component", "driver")}
	machines := machinectl.New(store, driver, log, registry)

	sched := scheduler.New(store, res, cache, machines, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	seedPeriodicTasks(sched)
	c := cron.New()
	if _, err := c.AddFunc("@every 1m", func() { sched.EnqueueRefreshRepos() }); err != nil {
		log.WithError(err).Fatal("failed to schedule RefreshRepos")
	}
	c.Start()
	defer c.Stop()

	go func() {
		if err := sched.Run(ctx); err != nil && ctx.Err() == nil {
			log.WithError(err).Error("scheduler loop exited")
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/worker", manager.New(sched, res, log))
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	srv := &http.Server{Addr: o.address + ":" + fmt.Sprint(o.port), Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.WithField("addr", srv.Addr).Info("listening for worker connections")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.WithError(err).Fatal("server exited")
	}
}

// seedPeriodicTasks enqueues the initial RefreshRepos/BootMachineCheck
// pair so a freshly started manager begins discovering branches and
// provisioning machines without waiting for the first cron tick (spec
// §4.3.1's task kinds are otherwise only ever self-requeued).
func seedPeriodicTasks(sched *scheduler.Scheduler) {
	sched.EnqueueRefreshRepos()
	sched.EnqueueBootMachineCheck()
}

// cloneURLMap is the resolver's repo-name-to-clone-URL lookup, refreshed
// in place by watchConfig so an in-flight resolution never reads a
// half-updated map.
type cloneURLMap struct {
	mu   sync.RWMutex
	urls map[objdb.RepoID]string
}

func newCloneURLMap() *cloneURLMap { return &cloneURLMap{urls: map[objdb.RepoID]string{}} }

func (m *cloneURLMap) get(id objdb.RepoID) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.urls[id]
	return u, ok
}

func (m *cloneURLMap) replace(urls map[objdb.RepoID]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.urls = urls
}

// applyConfig seeds repos/branch templates/machine categories into the
// object graph (spec §4.1 "Repository", §4.4) and rebuilds the clone-URL
// map resolver.GitLookup closes over.
func applyConfig(store *objdb.Store, cfg *Config, urls *cloneURLMap) {
	fresh := map[objdb.RepoID]string{}
	err := store.Transaction(func(t *objdb.Txn) error {
		for _, rc := range cfg.Repos {
			repo := t.UpsertRepo(objdb.RepoID(rc.Name))
			fresh[repo.Name] = rc.CloneURL
			repo.BranchTemplates = repo.BranchTemplates[:0]
			for _, bt := range rc.BranchTemplates {
				repo.BranchTemplates = append(repo.BranchTemplates, objdb.BranchCreateTemplate{
					Name:          bt.Name,
					IncludeGlobs:  bt.IncludeGlobs,
					ExcludeGlobs:  bt.ExcludeGlobs,
					TrackedRepo:   objdb.RepoID(bt.TrackedRepo),
					TrackedBranch: bt.TrackedBranch,
				})
			}
		}
		for _, mc := range cfg.MachineCategories {
			cat := t.UpsertCategory(objdb.CategoryID{Hardware: mc.Hardware, OS: mc.OS})
			cat.MaxMachines = mc.MaxMachines
		}
		return nil
	})
	if err != nil {
		logrus.WithError(err).Error("failed to apply config to the object graph")
		return
	}
	urls.replace(fresh)
}

// watchConfig re-applies the config file on every write, the same
// fsnotify-driven reload shape the teacher's ConfigAgent/RegistryAgent use
// against a release-repo checkout, generalized here to watch one file
// directly instead of a directory tree synced by an external process.
func watchConfig(path string, store *objdb.Store, urls *cloneURLMap, log *logrus.Entry) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating config watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return fmt.Errorf("watching %s: %w", path, err)
	}
	go func() {
		defer watcher.Close()
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := loadConfig(path)
				if err != nil {
					log.WithError(err).Warn("config reload failed, keeping previous config")
					continue
				}
				applyConfig(store, cfg, urls)
				log.Info("reloaded config")
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.WithError(err).Warn("config watcher error")
			}
		}
	}()
	return nil
}
