package main

import (
	"context"
	"errors"
	"expvar"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/peerchat"
	"github.com/creachadair/peerchat/admin"
	"github.com/creachadair/peerchat/catalog"
	"github.com/creachadair/peerchat/config"
	"github.com/creachadair/peerchat/peers"
	"github.com/creachadair/peerchat/relay"
	"github.com/creachadair/taskgroup"
	"github.com/sirupsen/logrus"
)

var serveFlags struct {
	Config    string `flag:"config,Configuration file path"`
	Listen    string `flag:"listen,Packet listener address (overrides config)"`
	HTTP      string `flag:"http,HTTP address for WebSocket and admin (overrides config)"`
	Store     string `flag:"store,Directory store kind, memory or badger (overrides config)"`
	StorePath string `flag:"store-path,Directory store path (overrides config)"`
	Content   string `flag:"content,Content bundle path (overrides config)"`
	LogLevel  string `flag:"log-level,Log level (overrides config)"`
}

// serveConfig loads the configuration file and applies flag overrides.
func serveConfig() (*config.Config, error) {
	cfg, err := config.Load(serveFlags.Config)
	if err != nil {
		return nil, err
	}
	for _, o := range []struct {
		flag string
		dst  *string
	}{
		{serveFlags.Listen, &cfg.Listen},
		{serveFlags.HTTP, &cfg.HTTP},
		{serveFlags.Store, &cfg.Store.Kind},
		{serveFlags.StorePath, &cfg.Store.Path},
		{serveFlags.Content, &cfg.Content},
		{serveFlags.LogLevel, &cfg.Log.Level},
	} {
		if o.flag != "" {
			*o.dst = o.flag
		}
	}
	return cfg, cfg.Validate()
}

func runServe(env *command.Env) error {
	if len(env.Args) != 0 {
		return env.Usagef("extra arguments after flags: %q", env.Args)
	}
	cfg, err := serveConfig()
	if err != nil {
		return err
	}
	log, err := cfg.Logger()
	if err != nil {
		return err
	}
	content, err := cfg.LoadContent()
	if err != nil {
		return err
	}
	store, err := cfg.OpenStore()
	if err != nil {
		return err
	}
	defer store.Close()

	cat := catalog.New().SetLogger(log)
	var rl *relay.Relay
	opts := &peers.ServerOptions{
		Dispatcher:   cat,
		OnDisconnect: func(id peerchat.ConnID) { rl.Disconnected(id) },
		Logger:       log,
	}
	if log.IsLevelEnabled(logrus.TraceLevel) {
		opts.LogPackets = func(pi peerchat.PacketInfo) {
			log.WithField("packet", pi.ID).Trace(pi.String())
		}
	}
	srv := peers.NewServer(opts)
	rl = relay.New(store, srv, &relay.Options{Logger: log, Content: content})
	rl.Register(cat)
	cat.Freeze()

	expvar.Publish("peer", new(peerchat.Peer).Metrics())
	expvar.Publish("server", srv.Metrics())
	expvar.Publish("relay", rl.Metrics())

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	addr, err := srv.Listen(ctx, cfg.Listen)
	if err != nil {
		return err
	}
	log.WithField("addr", addr).Info("packet listener started")

	g := taskgroup.New(nil)
	var hsrv *http.Server
	if cfg.HTTP != "" {
		hl, err := net.Listen("tcp", cfg.HTTP)
		if err != nil {
			srv.Shutdown()
			return err
		}
		hsrv = &http.Server{
			Handler: admin.New(admin.Options{
				Server: srv,
				Relay:  rl,
				Store:  store,
				Logger: log,
			}),
			ReadHeaderTimeout: 10 * time.Second,
		}
		log.WithField("addr", hl.Addr()).Info("HTTP server started")
		g.Go(func() error {
			err := hsrv.Serve(hl)
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			cancel()
			return err
		})
	}

	<-ctx.Done()
	log.Info("shutting down")
	if err := srv.Shutdown(); err != nil {
		log.Warnf("server shutdown: %v", err)
	}
	if hsrv != nil {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		hsrv.Shutdown(sctx)
	}
	if err := rl.Shutdown(); err != nil {
		log.Errorf("save directory: %v", err)
	}
	return g.Wait()
}
