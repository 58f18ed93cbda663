package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/olekukonko/tablewriter"

	"github.com/talintel/sitecache/internal/cache"
	"github.com/talintel/sitecache/internal/config"
	"github.com/talintel/sitecache/internal/logging"
	"github.com/talintel/sitecache/internal/server/routes"
	"github.com/talintel/sitecache/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath      string
	checkOnly       bool
	showVersion     bool
	listGenerations bool
}

const configEnv = "SITECACHE_CONFIG"

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["origin"] = cfg.Site.Origin
		fields["cache_version"] = cfg.Site.CacheVersion
		fields["precache"] = len(cfg.Site.Precache)
		fields["storage_backend"] = cfg.Global.StorageBackend
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// 启动顺序：配置 → 日志 → 缓存存储 → worker 注册 → Fiber server。
	// 存储在进程内独占，退出前需等待在途写入落盘后再关闭。
	storage, err := cache.Open(cache.Backend(cfg.Global.StorageBackend), cfg.Global.StoragePath)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存存储失败: %v\n", err)
		return 1
	}
	defer storage.Close()

	if opts.listGenerations {
		if err := printGenerations(context.Background(), storage); err != nil {
			fmt.Fprintf(stdErr, "列出缓存代失败: %v\n", err)
			return 1
		}
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := newSiteRuntime(ctx, cfg, opts.configPath, storage, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "构建 HTTP 服务失败: %v\n", err)
		return 1
	}

	if err := config.Watch(opts.configPath, rt.reload); err != nil {
		logger.WithFields(logging.BaseFields("config_watch", opts.configPath)).WithError(err).Warn("配置热更新未启用")
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["origin"] = cfg.Site.Origin
	fields["cache_version"] = cfg.Site.CacheVersion
	fields["storage_backend"] = cfg.Global.StorageBackend
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := rt.serve(ctx, cfg.Global.ListenPort); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("sitecache", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
		listGens   bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 SITECACHE_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")
	fs.BoolVar(&listGens, "list-generations", false, "列出存储中的缓存代后退出")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv(configEnv)
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = config.DefaultPath
	}

	return cliOptions{
		configPath:      path,
		checkOnly:       checkOnly,
		showVersion:     showVer,
		listGenerations: listGens,
	}, nil
}

// printGenerations 以表格输出每个缓存代的名称与条目数。
func printGenerations(ctx context.Context, storage cache.Storage) error {
	summaries, err := routes.ListGenerations(ctx, storage)
	if err != nil {
		return err
	}
	table := tablewriter.NewTable(stdOut)
	table.Header([]string{"Generation", "Entries"})
	for _, summary := range summaries {
		if err := table.Append([]string{summary.Name, strconv.Itoa(summary.Entries)}); err != nil {
			return err
		}
	}
	return table.Render()
}
