package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/fsl-jyt/porto"
	"github.com/fsl-jyt/porto/cgroups/fs"
	"github.com/fsl-jyt/porto/config"
	"github.com/fsl-jyt/porto/kv"
	"github.com/fsl-jyt/porto/netclass"
)

func main() {
	app := cli.NewApp()
	app.Name = "portod"
	app.Usage = "container management daemon"
	app.Version = "0.1"
	app.Flags = []cli.Flag{
		cli.BoolFlag{Name: "debug", Usage: "enable debug output in the logs"},
		cli.StringFlag{Name: "log-file", Usage: "write logs to a file instead of stderr"},
		cli.StringFlag{Name: "workdir", Usage: "root directory for per-container work dirs"},
		cli.StringFlag{Name: "keyvalue-dir", Usage: "directory for container records"},
		cli.StringFlag{Name: "cgroup-prefix", Usage: "daemon cgroup name under every controller"},
		cli.DurationFlag{Name: "stop-timeout", Usage: "graceful stop timeout"},
		cli.DurationFlag{Name: "aging-time", Usage: "how long dead containers are kept"},
		cli.IntFlag{Name: "max-containers", Usage: "container count limit"},
		cli.BoolFlag{Name: "net-shaping", Usage: "manage htb classes on uplinks"},
	}
	app.Before = func(context *cli.Context) error {
		if context.GlobalBool("debug") {
			logrus.SetLevel(logrus.DebugLevel)
		}
		if path := context.GlobalString("log-file"); path != "" {
			f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
			if err != nil {
				return err
			}
			logrus.SetOutput(f)
		}
		return nil
	}
	app.Action = daemon
	if err := app.Run(os.Args); err != nil {
		logrus.Fatal(err)
	}
}

// applyFlags folds the command line over the configuration defaults.
func applyFlags(context *cli.Context) *config.Daemon {
	cfg := config.Default()
	if v := context.GlobalString("workdir"); v != "" {
		cfg.WorkDir = v
	}
	if v := context.GlobalString("keyvalue-dir"); v != "" {
		cfg.KeyValueDir = v
	}
	if v := context.GlobalString("cgroup-prefix"); v != "" {
		cfg.CgroupPrefix = v
	}
	if v := context.GlobalDuration("stop-timeout"); v != 0 {
		cfg.StopTimeout = v
	}
	if v := context.GlobalDuration("aging-time"); v != 0 {
		cfg.AgingTime = v
	}
	if v := context.GlobalInt("max-containers"); v != 0 {
		cfg.MaxContainers = v
	}
	return cfg
}

func daemon(context *cli.Context) error {
	config.Set(applyFlags(context))
	cfg := config.Get()

	if err := fs.InitSubsystems(); err != nil {
		return err
	}

	store, err := kv.NewStore(cfg.KeyValueDir)
	if err != nil {
		return err
	}

	tree := porto.NewTree(store)

	if context.GlobalBool("net-shaping") {
		mgr := netclass.NewManager()
		if err := mgr.InitRoot(); err != nil {
			logrus.Warnf("Cannot init net shaping: %v", err)
		} else {
			tree.NetMgr = porto.HtbNetClass{Mgr: mgr}
		}
	}

	queue, err := porto.NewEventQueue(tree)
	if err != nil {
		return err
	}

	tree.RestoreAll()
	queue.Start()

	logrus.Infof("portod started, %d containers restored", tree.Stats.ContainersRestored)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigs
	logrus.Infof("Shutting down on %v", sig)

	// containers keep running and their records are saved on every change,
	// so only the event loops are stopped
	queue.Stop()
	return nil
}
