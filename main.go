package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/fzft/go-reactor/cmd"
	"github.com/fzft/go-reactor/log"
	"github.com/fzft/go-reactor/node"
	"go.uber.org/zap"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "cli" {
		cli := cmd.NewCli(os.Stdin, os.Stdout)
		if err := cli.Run(os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	var cfg Config
	var debug, version bool
	flag.StringVar(&cfg.Addr, "addr", ":2007", "listen address, host:port")
	flag.IntVar(&cfg.Threads, "threads", 0, "number of io loops, 0 serves everything on the main loop")
	flag.BoolVar(&cfg.ReusePort, "reuseport", false, "set SO_REUSEPORT on the listening socket")
	flag.IntVar(&cfg.HighWaterMark, "high-water-mark", node.DefaultHighWaterMark, "pause reading once this many reply bytes are buffered, 0 disables")
	flag.BoolVar(&debug, "debug", false, "log at debug level")
	flag.BoolVar(&version, "version", false, "print version and exit")
	flag.Parse()

	if version {
		fmt.Println(Version())
		return
	}

	if err := log.InitLogger(debug); err != nil {
		fmt.Fprintln(os.Stderr, "init logger:", err)
		os.Exit(1)
	}
	defer log.Sync()

	s, err := NewServer(cfg)
	if err != nil {
		log.Logger.Fatal("start server", zap.String("addr", cfg.Addr), zap.Error(err))
	}
	if err := s.Run(); err != nil {
		log.Logger.Error("server stopped", zap.Error(err))
	}
	log.Logger.Info("server stopped")
}
