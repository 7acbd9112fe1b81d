package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/chapps-dev/chapps/framework/cfg"
	"github.com/chapps-dev/chapps/framework/log"
	"github.com/chapps-dev/chapps/internal/adapter"
	"github.com/chapps-dev/chapps/internal/cache"
	chappscli "github.com/chapps-dev/chapps/internal/cli"
	"github.com/chapps-dev/chapps/internal/handler"
	"github.com/chapps-dev/chapps/internal/metrics"
	"github.com/chapps-dev/chapps/internal/policy/grl"
	"github.com/chapps-dev/chapps/internal/policy/oqp"
	"github.com/chapps-dev/chapps/internal/policy/sda"
	"github.com/chapps-dev/chapps/internal/policy/spf"
	"github.com/chapps-dev/chapps/internal/protocol"
	"github.com/chapps-dev/chapps/internal/server"
)

func init() {
	chappscli.AddSubcommand(&cli.Command{
		Name:  "run",
		Usage: "start the outbound and inbound policy services",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to chapps.ini",
			},
		},
		Action: runCmd,
	})
}

func runCmd(c *cli.Context) error {
	path := c.String("config")
	if path == "" {
		path = cfg.ConfigPath()
	}

	conf, err := cfg.Load(path)
	if err != nil {
		return cli.Exit(fmt.Sprintf("chapps: %v", err), 1)
	}

	ch := cache.New(conf.Redis)
	defer ch.Close()

	ad, err := adapter.OpenFromConfig(conf.Adapter)
	if err != nil {
		return cli.Exit(fmt.Sprintf("chapps: adapter: %v", err), 1)
	}
	defer ad.Close()

	users := protocol.NewUserKeyExtractor(conf.General.UserKeys, conf.General.RequireUserKey)

	sdaPolicy := sda.New(conf.SenderDomainAuth, conf.General.NoUserKeyResponse, users, ch, ad)
	oqpPolicy, err := oqp.New(conf.OutboundQuota, conf.General.NoUserKeyResponse, users, ch, ad)
	if err != nil {
		return cli.Exit(fmt.Sprintf("chapps: outbound quota: %v", err), 1)
	}
	spfPolicy := spf.New(conf.SPFEnforcement, conf.SPFActions, ch, ad, spf.LibSPF{})
	grlPolicy := grl.New(conf.Greylisting, ch, ad)

	outbound := handler.New(ch, conf.General.NoUserKeyResponse, sdaPolicy, oqpPolicy)
	inbound := handler.New(ch, protocol.Dunno(), spfPolicy, grlPolicy)

	budget := conf.General.RequestBudget.AsDuration()
	pool := conf.General.WorkerPoolSize

	outboundAddr := addrOf(conf.SenderDomainAuth.ListenAddress, conf.SenderDomainAuth.ListenPort,
		conf.OutboundQuota.ListenAddress, conf.OutboundQuota.ListenPort)
	inboundAddr := addrOf(conf.SPFEnforcement.ListenAddress, conf.SPFEnforcement.ListenPort,
		conf.Greylisting.ListenAddress, conf.Greylisting.ListenPort)

	outboundSrv := server.New(outboundAddr, outbound, budget, pool, log.Logger{Name: "outbound"})
	inboundSrv := server.New(inboundAddr, inbound, budget, pool, log.Logger{Name: "inbound"})
	metricsSrv := metrics.NewServer("localhost:9090")

	g, gctx := errgroup.WithContext(context.Background())
	g.Go(outboundSrv.ListenAndServe)
	g.Go(inboundSrv.ListenAndServe)
	g.Go(metricsSrv.ListenAndServe)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGINT)

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return shutdown(outboundSrv, inboundSrv, metricsSrv)
			case s := <-sig:
				switch s {
				case syscall.SIGHUP:
					if _, err := cfg.Load(path); err != nil {
						log.DefaultLogger.Error("config reload failed, keeping previous config", err)
						continue
					}
					log.DefaultLogger.Printf("configuration reloaded from %s", path)
				default:
					log.DefaultLogger.Printf("received %s, draining connections", s)
					return shutdown(outboundSrv, inboundSrv, metricsSrv)
				}
			}
		}
	})

	if err := g.Wait(); err != nil {
		log.DefaultLogger.Error("service exited", err)
	}
	return nil
}

func shutdown(outbound, inbound *server.Server, m *metrics.Server) error {
	_ = outbound.Close()
	_ = inbound.Close()
	_ = m.Shutdown(context.Background())
	return nil
}

// addrOf picks the first non-empty listen_address/listen_port pair,
// mirroring CascadingPolicyHandler.listen_address/listen_port in
// switchboard.py: a combined service's address comes from whichever of
// its policies' sections configures one, in cascade order.
func addrOf(primaryHost string, primaryPort int, fallbackHost string, fallbackPort int) string {
	host, port := primaryHost, primaryPort
	if host == "" {
		host, port = fallbackHost, fallbackPort
	}
	return fmt.Sprintf("%s:%d", host, port)
}
