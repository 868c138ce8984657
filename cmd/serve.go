package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/quillui/bridge/pkg/auth"
	"github.com/quillui/bridge/pkg/bridge"
	"github.com/quillui/bridge/pkg/config"
	"github.com/quillui/bridge/pkg/dispatch"
	"github.com/quillui/bridge/pkg/httpstatic"
	"github.com/quillui/bridge/pkg/log"
	"github.com/urfave/cli/v3"
)

// ServeCommand creates the serve command
func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the bridge server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "host",
				Usage: "Bridge listen host (overrides config)",
			},
			&cli.IntFlag{
				Name:  "port",
				Usage: "Bridge listen port (overrides config)",
			},
			&cli.StringFlag{
				Name:  "http-root",
				Usage: "Serve static files from this directory (overrides config)",
			},
			&cli.IntFlag{
				Name:  "http-port",
				Usage: "Static server port (overrides config)",
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			ov := &config.Overrides{
				BridgeHost: c.String("host"),
				BridgePort: c.Int("port"),
				HTTPRoot:   c.String("http-root"),
				HTTPPort:   c.Int("http-port"),
			}
			return serve(ctx, c.String("config"), ov)
		},
	}
}

func serve(ctx context.Context, configPath string, ov *config.Overrides) error {
	logger := log.ForComponent("bridge")

	cfg, err := config.Resolve(configPath, ov)
	if err != nil {
		return cli.Exit(fmt.Sprintf("resolving config: %v", err), 2)
	}
	if ov != nil && ov.HTTPRoot != "" {
		cfg.HTTP.Enabled = true
	}

	var schemas bridge.SchemaProvider
	if dir := cfg.Bridge.SchemaDir; dir != "" {
		provider, err := bridge.NewFileSchemaProvider(dir)
		if err != nil {
			return cli.Exit(fmt.Sprintf("loading schemas: %v", err), 2)
		}
		schemas = provider
		logger.Infof("serving schemas from %s", dir)
	}

	srv, err := bridge.New(bridge.Options{
		Config:     cfg,
		Validator:  auth.StaticValidatorFromConfig(cfg.Bridge.Tokens),
		Dispatcher: newDevDispatcher(),
		Schemas:    schemas,
	})
	if err != nil {
		return cli.Exit(fmt.Sprintf("building bridge: %v", err), 2)
	}

	if err := srv.Start(); err != nil {
		return cli.Exit(err.Error(), 3)
	}

	var static *httpstatic.Server
	if cfg.HTTP.Enabled {
		static, err = httpstatic.New(cfg.HTTP)
		if err != nil {
			return cli.Exit(fmt.Sprintf("static server: %v", err), 4)
		}
		if err := static.Start(); err != nil {
			return cli.Exit(err.Error(), 4)
		}
	}

	reloadCtx, stopReload := context.WithCancel(ctx)
	defer stopReload()
	watchConfig(reloadCtx, configPath, srv, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	for {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				applyReload(configPath, srv, logger)
				continue
			}
			logger.Infof("received %s, shutting down", sig)
			return shutdownAll(srv, static, cfg.Bridge.ShutdownDeadline())
		case <-ctx.Done():
			return shutdownAll(srv, static, cfg.Bridge.ShutdownDeadline())
		}
	}
}

func shutdownAll(srv *bridge.Server, static *httpstatic.Server, deadline time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), deadline+time.Second)
	defer cancel()

	if static != nil {
		_ = static.Stop(ctx)
	}
	return srv.Shutdown(ctx)
}

// watchConfig re-applies the runtime-adjustable knobs (default query TTL,
// client broadcast flag) when the config file changes. Everything else needs
// a restart.
func watchConfig(ctx context.Context, configPath string, srv *bridge.Server, logger *log.Logger) {
	if configPath == "" {
		return
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warnf("config watch unavailable: %v", err)
		return
	}
	if err := watcher.Add(configPath); err != nil {
		logger.Debugf("not watching %s: %v", configPath, err)
		_ = watcher.Close()
		return
	}

	go func() {
		defer func() { _ = watcher.Close() }()
		var debounce *time.Timer
		var mu sync.Mutex
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				mu.Lock()
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, func() {
					applyReload(configPath, srv, logger)
				})
				mu.Unlock()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warnf("config watch error: %v", err)
			case <-ctx.Done():
				return
			}
		}
	}()
}

func applyReload(configPath string, srv *bridge.Server, logger *log.Logger) {
	cfg, err := config.Resolve(configPath, nil)
	if err != nil {
		logger.Warnf("config reload skipped: %v", err)
		return
	}
	srv.Cache().SetDefaultQueryTTL(cfg.Bridge.DefaultQueryTTL())
	srv.SetAllowClientBroadcast(cfg.Bridge.AllowClientBroadcast)
	logger.Infof("config reloaded: query ttl %s, client broadcast %t",
		cfg.Bridge.DefaultQueryTTL(), cfg.Bridge.AllowClientBroadcast)
}

// devDispatcher is the built-in command layer for running the bridge
// standalone. It keeps notes in memory so UIs have something to list,
// create and delete against; create_note prompts the caller for missing
// text, which exercises the full input roundtrip.
type devDispatcher struct {
	mu    sync.Mutex
	notes []map[string]any
	seq   int
}

func newDevDispatcher() *devDispatcher {
	return &devDispatcher{}
}

func (d *devDispatcher) Dispatch(ctx context.Context, cmd dispatch.Command, caller auth.Info, conn dispatch.ConnectionHandle) (any, error) {
	switch cmd.Key {
	case "get_time":
		return map[string]any{"time": time.Now().UTC().Format(time.RFC3339)}, nil

	case "get_caller":
		return map[string]any{"identity": caller.Identity, "role": caller.Role, "connection": conn.ID()}, nil

	case "list_notes":
		d.mu.Lock()
		defer d.mu.Unlock()
		notes := make([]map[string]any, len(d.notes))
		copy(notes, d.notes)
		return notes, nil

	case "create_note":
		text, _ := cmd.Args["text"].(string)
		if text == "" {
			answer, err := conn.Prompt(ctx, map[string]any{
				"kind":            "text",
				"label":           "Note text",
				"timeout_seconds": 60,
			})
			if err != nil {
				return nil, err
			}
			text, _ = answer.(string)
		}
		d.mu.Lock()
		defer d.mu.Unlock()
		d.seq++
		note := map[string]any{"id": d.seq, "text": text, "author": caller.Identity}
		d.notes = append(d.notes, note)
		return note, nil

	case "delete_note":
		id, ok := cmd.Args["id"].(float64)
		if !ok {
			return nil, &dispatch.Error{Kind: "bad_frame", Message: "delete_note requires a numeric id"}
		}
		d.mu.Lock()
		defer d.mu.Unlock()
		for i, note := range d.notes {
			if note["id"] == int(id) {
				d.notes = append(d.notes[:i], d.notes[i+1:]...)
				return map[string]any{"deleted": int(id)}, nil
			}
		}
		return nil, &dispatch.Error{Kind: "not_found", Message: fmt.Sprintf("note %d not found", int(id))}

	default:
		return nil, &dispatch.Error{Kind: "command_error", Message: "unknown command " + cmd.Key}
	}
}
