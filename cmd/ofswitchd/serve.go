package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/subcommands"
	"github.com/jacobsa/timeutil"
	"github.com/prometheus/client_golang/prometheus"

	"fuchsia.googlesource.com/ofswitch/internal/adminserver"
	"fuchsia.googlesource.com/ofswitch/internal/bridge"
	"fuchsia.googlesource.com/ofswitch/internal/channel"
	"fuchsia.googlesource.com/ofswitch/internal/config"
	"fuchsia.googlesource.com/ofswitch/internal/dispatch"
	"fuchsia.googlesource.com/ofswitch/internal/logging"
	"fuchsia.googlesource.com/ofswitch/internal/metrics"
	"fuchsia.googlesource.com/ofswitch/internal/ofp"
	"fuchsia.googlesource.com/ofswitch/internal/updater"
)

var log = logging.Tag("main")

type serveCommand struct {
	configPath string
	adminAddr  string
}

func (*serveCommand) Name() string     { return "serve" }
func (*serveCommand) Synopsis() string { return "runs the switch core against a configuration file." }
func (*serveCommand) Usage() string    { return "serve -config <path> [-admin-addr <host:port>]\n" }

func (c *serveCommand) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.configPath, "config", "", "path to the YAML configuration file")
	f.StringVar(&c.adminAddr, "admin-addr", "127.0.0.1:8080", "listen address for /healthz, /debug/pprof, and /metrics")
}

func (c *serveCommand) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.configPath == "" {
		log.Errorf("serve: -config is required")
		return subcommands.ExitUsageError
	}

	cfg, err := config.Load(c.configPath)
	if err != nil {
		log.Errorf("serve: loading config: %s", err)
		return subcommands.ExitFailure
	}

	reg := metrics.NewRegistry()
	promReg := prometheus.NewRegistry()
	reg.MustRegisterAll(promReg)

	manager := channel.NewManager(&channel.NetDialer{})
	manager.SetStats(&reg.Channel)
	scheduler := channel.NewScheduler(timeutil.RealClock())
	upd := updater.New(scheduler, cfg.UpdaterPeriod)

	bridges := make([]*bridge.Bridge, 0, len(cfg.Bridges))
	for _, bc := range cfg.Bridges {
		br := bridge.New(bc.Name, bc.DatapathID, manager, bc.BridgeTableConfig(&reg.Forwarding))
		for _, pc := range bc.Ports {
			hwaddr, err := config.ParseHWAddr(pc.HWAddr)
			if err != nil {
				log.Errorf("serve: bridge %s port %s: %s", bc.Name, pc.Name, err)
				return subcommands.ExitFailure
			}
			br.AddPort(bridge.PortInfo{Number: pc.Number, Name: pc.Name, HWAddr: hwaddr})
		}

		sink := &dispatch.BridgeSink{}
		local := ofp.NewVersionBitmap(ofp.Version13)
		for _, cc := range cfg.Controllers {
			// TODO: NetDialer always dials plain TCP; wiring cfg.TLS into an
			// actual tls.Dial-backed Dialer is still open, so ProtocolTLS is
			// recorded on the channel for bookkeeping but not yet enforced.
			proto := channel.ProtocolTCP
			if cfg.TLS != nil {
				proto = channel.ProtocolTLS
			}
			ch := manager.Register(bc.DatapathID, proto, cc.Auxiliary, cc.AuxiliaryID, cc.Address, scheduler, sink, br, local)
			manager.Connect(ch, "tcp", cc.Address)
		}

		br.Start()
		upd.Register(bc.Name, br)
		bridges = append(bridges, br)
	}
	upd.Start()

	adminSrv := &http.Server{
		Addr: c.adminAddr,
		Handler: adminserver.NewRouter(adminserver.Deps{
			Registry: promReg,
			Healthy:  func() bool { return true },
		}),
	}
	go func() {
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warnf("admin server stopped: %s", err)
		}
	}()

	log.Infof("ofswitchd serving %d bridge(s), admin surface on %s", len(bridges), c.adminAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Infof("shutting down")
	upd.Stop()
	for _, br := range bridges {
		if err := br.Shutdown(true); err != nil {
			log.Warnf("bridge %s: shutdown: %s", br.Name, err)
		}
	}
	_ = adminSrv.Close()

	return subcommands.ExitSuccess
}
