package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"blksocks/internal/admin"
	"blksocks/internal/origdst"
	"blksocks/internal/socks5"
	"blksocks/internal/stats"
	"blksocks/internal/supervisor"
	"blksocks/pkg/config"
	plog "blksocks/pkg/log"
	"blksocks/pkg/metrics"
)

var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	configPath := flag.String("c", "", "配置文件路径")
	showVersion := flag.Bool("v", false, "显示版本")

	listenAddr := flag.String("l", "", "监听地址")
	socksAddr := flag.String("s", "", "上游 SOCKS5 地址")
	logLevel := flag.String("log-level", "", "日志级别 (debug/info/warn/error)")

	flag.Parse()

	if *showVersion {
		fmt.Printf("blksocks v%s\n", Version)
		fmt.Printf("  Build: %s\n", BuildTime)
		fmt.Printf("  Commit: %s\n", GitCommit)
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		plog.Fatalf("Load config failed: %v", err)
	}

	if *listenAddr != "" {
		cfg.Network.Listen = *listenAddr
	}
	if *socksAddr != "" {
		cfg.Network.Socks5 = *socksAddr
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	if err := cfg.Validate(); err != nil {
		plog.Fatalf("Config validation failed: %v", err)
	}

	// 监听失败是唯一的致命启动错误，在切换日志输出之前报告
	ln, err := net.Listen("tcp", cfg.Network.Listen)
	if err != nil {
		plog.Fatalf("Bind %s failed: %v", cfg.Network.Listen, err)
	}

	var adminLn net.Listener
	if cfg.Admin.Listen != "" {
		adminLn, err = net.Listen("tcp", cfg.Admin.Listen)
		if err != nil {
			plog.Fatalf("Bind admin %s failed: %v", cfg.Admin.Listen, err)
		}
	}

	printBanner(cfg)

	logCloser, err := plog.Setup(plog.Options{
		Enabled:         cfg.Logging.Enabled,
		Level:           cfg.Logging.Level,
		Dir:             cfg.Logging.Dir,
		FileSizeLimitMB: cfg.Logging.FileSizeLimitMB,
		RotateCount:     cfg.Logging.RotateCount,
	})
	if err != nil {
		plog.Fatalf("Log setup failed: %v", err)
	}

	code := run(cfg, ln, adminLn)
	logCloser.Close()
	os.Exit(code)
}

// loadConfig 未指定路径且默认文件不存在时使用内置默认值
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		if _, err := os.Stat(config.DefaultPath); errors.Is(err, fs.ErrNotExist) {
			return config.DefaultConfig(), nil
		}
	}
	return config.Load(path)
}

func run(cfg *config.Config, ln, adminLn net.Listener) int {
	ledger := stats.NewLedger(stats.WithMaxAge(cfg.Stats.MaxAge))

	var resolver origdst.Resolver = origdst.Kernel{}
	if cfg.Network.StaticDestination != "" {
		resolver = origdst.Static(cfg.Network.StaticDestination)
		plog.Warn("[Main] Static destination %s in use, SO_ORIGINAL_DST is bypassed", cfg.Network.StaticDestination)
	}

	dialer := &socks5.Dialer{
		DialTimeout:      cfg.Upstream.DialTimeout,
		HandshakeTimeout: cfg.Upstream.HandshakeTimeout,
		StrictReply:      cfg.Upstream.StrictReply,
	}

	srv := supervisor.New(supervisor.Config{
		ProxyAddr:      cfg.Network.Socks5,
		MaxConnections: cfg.Network.MaxConnections,
		StatsKey:       cfg.Stats.Key,
		IdleTimeout:    cfg.Relay.IdleTimeout,
	}, ledger, supervisor.WithResolver(resolver), supervisor.WithDialer(dialer))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.Serve(gctx, ln)
	})
	g.Go(func() error {
		return stats.Janitor(gctx, ledger, cfg.Stats.ExpireInterval)
	})
	g.Go(func() error {
		return reportOnSignal(gctx, ledger, cfg.Stats.TopN)
	})

	if adminLn != nil {
		adm := admin.New(admin.Config{
			Listen:       cfg.Admin.Listen,
			Token:        cfg.Admin.Token,
			PushInterval: cfg.Admin.PushInterval,
			TopN:         cfg.Stats.TopN,
			Version:      Version,
		}, ledger, srv)
		g.Go(func() error {
			return adm.Serve(gctx, adminLn)
		})
	}

	err := g.Wait()

	plog.Info("[Main] Shutting down...")
	srv.Stop()
	plog.Info("[Main] %s", metrics.GetStats())

	if err != nil {
		plog.Error("[Main] Exiting: %v", err)
		return 1
	}
	return 0
}

// reportOnSignal 每收到一次报告信号就把前 n 名写入日志
func reportOnSignal(ctx context.Context, ledger *stats.Ledger, n int) error {
	if len(reportSignals) == 0 {
		<-ctx.Done()
		return nil
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, reportSignals...)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sigCh:
			stats.Report(ledger, n)
		}
	}
}

func printBanner(cfg *config.Config) {
	fmt.Println()
	fmt.Println("╔══════════════════════════════════════════════════════════╗")
	fmt.Printf("║  blksocks v%-46s║\n", Version)
	fmt.Println("║  透明代理 → SOCKS5                                        ║")
	fmt.Println("╠══════════════════════════════════════════════════════════╣")
	fmt.Printf("║  监听: %-50s║\n", cfg.Network.Listen)
	fmt.Printf("║  上游: %-50s║\n", cfg.Network.Socks5)
	if cfg.Network.StaticDestination != "" {
		fmt.Printf("║  固定目标: %-46s║\n", cfg.Network.StaticDestination)
	}
	if cfg.Admin.Listen != "" {
		fmt.Printf("║  管理接口: %-46s║\n", cfg.Admin.Listen)
	}
	fmt.Println("╠══════════════════════════════════════════════════════════╣")
	fmt.Println("║  kill -USR1 <pid> 输出流量排名  |  Ctrl+C 停止            ║")
	fmt.Println("╚══════════════════════════════════════════════════════════╝")
	fmt.Println()
}
