// Copyright and command-line shape follow the teacher's small standalone
// daemons (cmd/syncthing/discosrv, cmd/infra/ursrv): a kong CLI, a suture
// supervisor for background collaborators, a foreground loop for the
// interactive part.
package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/thejerf/suture/v4"
	"github.com/willabides/kongplete"
	"golang.org/x/time/rate"

	"github.com/localmesh/node/internal/connmgr"
	"github.com/localmesh/node/internal/discovery"
	"github.com/localmesh/node/internal/events"
	"github.com/localmesh/node/internal/history"
	"github.com/localmesh/node/internal/identity"
	"github.com/localmesh/node/internal/logger"
	"github.com/localmesh/node/internal/metrics"
	"github.com/localmesh/node/internal/shell"
	"github.com/localmesh/node/internal/svcutil"
	_ "github.com/localmesh/node/lib/automaxprocs"
)

var l = logger.DefaultLogger.NewFacility("main", "lanmsgd entry point")

type CLI struct {
	Serve ServeCmd `cmd:"" default:"1" help:"Run the node (default)."`

	InstallCompletions kongplete.InstallCompletions `cmd:"" help:"Install shell completions for lanmsgd."`
}

// ServeCmd is the only real command: bring up identity, history, the
// connection manager, discovery and the interactive shell, and block until
// the shell exits or the process is signaled.
type ServeCmd struct {
	DataDir       string `default:"./lanmsgd-data" help:"Directory for identity, message history and received files."`
	DeviceName    string `help:"Override the announced device name."`
	ListenPort    int    `default:"60000" help:"TCP port to accept peer connections on (well-known port 60000); 0 picks any free port."`
	DiscoveryPort int    `default:"0" help:"UDP discovery broadcast/listen port; 0 uses the well-known port 50000."`
	MetricsListen string `help:"Address for the /metrics and /status HTTP endpoints, e.g. 127.0.0.1:8222. Empty disables it."`
	RateLimitKBps int    `default:"0" help:"Cap outbound file transfer bandwidth in KiB/s; 0 disables the limiter."`
	NoDiscovery   bool   `default:"false" help:"Disable LAN UDP discovery; peers must be connected with 'connect'."`
}

func main() {
	var cli CLI
	parser := kong.Must(&cli,
		kong.Name("lanmsgd"),
		kong.Description("LAN peer-to-peer messaging and file transfer node."),
	)
	kongplete.Complete(parser)

	ctx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)
	ctx.FatalIfErrorf(ctx.Run())
}

func (c *ServeCmd) Run() error {
	log.SetOutput(os.Stdout)
	log.SetFlags(0)

	self, err := identity.Load(c.DataDir, c.DeviceName)
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}
	l.Infof("device ID is %s (%s)", self.DeviceID, self.DeviceName)

	store, err := history.Open(filepath.Join(c.DataDir, "history"))
	if err != nil {
		return fmt.Errorf("open history store: %w", err)
	}
	defer store.Close()

	var limiter *rate.Limiter
	if c.RateLimitKBps > 0 {
		bps := c.RateLimitKBps * 1024
		limiter = rate.NewLimiter(rate.Limit(bps), bps)
	}

	mgr, err := connmgr.New(self, store, filepath.Join(c.DataDir, "received"), connmgr.Options{
		Limiter: limiter,
		Bus:     events.Default,
	})
	if err != nil {
		return fmt.Errorf("build connection manager: %w", err)
	}

	discoveryCh := make(chan discovery.Discovered, 64)
	if err := mgr.Start(c.ListenPort, discoveryCh); err != nil {
		return fmt.Errorf("start listener: %w", err)
	}
	defer mgr.Shutdown()

	tcpPort := c.ListenPort
	if addr, ok := mgr.ListenAddr().(*net.TCPAddr); ok {
		tcpPort = addr.Port
	}
	l.Infof("listening for peers on tcp port %d", tcpPort)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sup := suture.New("main", suture.Spec{PassThroughPanics: true})

	if !c.NoDiscovery {
		disc := discovery.New(self, tcpPort, c.DiscoveryPort)
		sup.Add(svcutil.AsService(func(ctx context.Context) error {
			stop := make(chan struct{})
			go func() {
				<-ctx.Done()
				close(stop)
			}()
			return disc.Run(stop)
		}, "discovery"))

		go func() {
			for ev := range disc.Events() {
				discoveryCh <- ev
			}
		}()
	}

	go func() {
		if err := sup.Serve(ctx); err != nil && ctx.Err() == nil {
			l.Warnln("supervisor exited:", err)
		}
	}()

	if c.MetricsListen != "" {
		srv, err := metrics.Serve(c.MetricsListen, func() metrics.Status {
			return statusSnapshot(mgr)
		})
		if err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
		defer srv.Shutdown(context.Background())
		l.Infof("metrics and status served on %s", c.MetricsListen)
	}

	sub := events.Default.Subscribe(events.DeviceDiscovered)
	defer events.Default.Unsubscribe(sub)

	sh := shell.New(mgr, os.Stdout, sub)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		l.Infoln("signal received, shutting down")
		os.Stdin.Close()
		cancel()
	}()

	return sh.Run(os.Stdin)
}

func statusSnapshot(mgr *connmgr.Manager) metrics.Status {
	peers := mgr.Peers()
	peerIDs := make([]string, len(peers))
	for i, p := range peers {
		peerIDs[i] = p.DeviceID
	}
	groups := mgr.Groups()
	groupIDs := make([]string, len(groups))
	for i, g := range groups {
		groupIDs[i] = g.GroupID
	}
	return metrics.Status{Peers: peerIDs, Groups: groupIDs}
}
