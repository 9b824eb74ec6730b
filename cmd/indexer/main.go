package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/internal/config"
	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/internal/pipeline"
	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/internal/shutdown"
)

var (
	configFile string
	verbose    bool

	// events 子命令参数
	eventLimit   int
	includeFatal bool
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "执行失败: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "indexer",
		Short:         "NFT 市场事件索引器",
		Long:          `消费已解码的 NFT 市场合约事件，写入事件日志并投影为账户、合集、代币、挂单和成交聚合`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "configs/config.yaml", "配置文件路径，为空时只使用默认值和环境变量")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "详细输出")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "启动 Kafka 消费、挂单过期扫描和诊断 API",
		RunE:  runIndexer,
	}

	sweepCmd := &cobra.Command{
		Use:   "sweep",
		Short: "执行一次挂单过期扫描",
		RunE:  runSweep,
	}

	eventsCmd := &cobra.Command{
		Use:   "events",
		Short: "事件日志维护",
	}
	unprocessedCmd := &cobra.Command{
		Use:   "unprocessed",
		Short: "列出未处理的事件",
		RunE:  listUnprocessed,
	}
	replayCmd := &cobra.Command{
		Use:   "replay",
		Short: "重放未处理的事件",
		RunE:  replayUnprocessed,
	}
	for _, c := range []*cobra.Command{unprocessedCmd, replayCmd} {
		c.Flags().IntVar(&eventLimit, "limit", 100, "最多处理的事件数，0 表示全部")
	}
	replayCmd.Flags().BoolVar(&includeFatal, "include-fatal", false, "同时重放标记为致命失败的事件")
	eventsCmd.AddCommand(unprocessedCmd, replayCmd)

	inspectCmd := &cobra.Command{
		Use:   "inspect",
		Short: "查看聚合",
	}
	inspectCmd.AddCommand(
		&cobra.Command{
			Use:   "account <address>",
			Short: "查看账户",
			Args:  cobra.ExactArgs(1),
			RunE:  inspectAccount,
		},
		&cobra.Command{
			Use:   "collection <chainId> <address>",
			Short: "查看合集",
			Args:  cobra.ExactArgs(2),
			RunE:  inspectCollection,
		},
		&cobra.Command{
			Use:   "token <chainId> <address> <tokenId>",
			Short: "查看代币",
			Args:  cobra.ExactArgs(3),
			RunE:  inspectToken,
		},
	)

	rootCmd.AddCommand(runCmd, sweepCmd, eventsCmd, inspectCmd)
	return rootCmd
}

// loadApp 加载配置并装配组件
func loadApp(ctx context.Context) (*app, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, fmt.Errorf("加载配置失败: %w", err)
	}
	return newApp(ctx, cfg)
}

func runIndexer(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return fmt.Errorf("加载配置失败: %w", err)
	}
	a, err := newApp(cmd.Context(), cfg)
	if err != nil {
		return err
	}

	gs := shutdown.New(shutdown.DefaultTimeout, a.logger)
	a.registerShutdown(gs)
	g, ctx := errgroup.WithContext(gs.Listen())

	if cfg.Kafka.Enabled {
		source, err := pipeline.NewKafkaSource(pipeline.SourceConfig{
			Brokers: cfg.Kafka.Brokers,
			Topics:  cfg.Kafka.Topics,
			GroupID: cfg.Kafka.GroupID,
			Oldest:  cfg.Kafka.Oldest,
		}, a.processor, a.logger)
		if err != nil {
			_ = gs.Shutdown()
			return fmt.Errorf("创建 Kafka 消费者失败: %w", err)
		}
		gs.Register("Kafka 消费者", shutdown.OrderStopConsumer, func(context.Context) error {
			return source.Close()
		})
		g.Go(func() error { return source.Run(ctx) })
	}

	if cfg.Sweeper.Enabled {
		g.Go(func() error { return a.sweeper.Run(ctx) })
	}

	if cfg.API.Enabled {
		server := a.apiServer()
		g.Go(server.Start)
		g.Go(func() error {
			<-ctx.Done()
			return server.Stop(context.Background())
		})
	}

	// 启动时先补处理上次未完成的事件
	g.Go(func() error {
		report, err := a.processor.ReplayUnprocessed(ctx, 0, false)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		if report.Succeeded+report.Failed+report.Skipped > 0 {
			a.logger.Infof("启动补处理完成: 成功 %d, 失败 %d, 跳过致命 %d", report.Succeeded, report.Failed, report.Skipped)
		}
		return nil
	})

	a.logger.Info("索引器已启动")
	runErr := g.Wait()
	if runErr != nil {
		a.logger.WithError(runErr).Error("索引器异常退出")
	}
	if err := gs.Shutdown(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func runSweep(cmd *cobra.Command, _ []string) error {
	a, err := loadApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	n, err := a.sweeper.SweepOnce(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Printf("已过期挂单: %d\n", n)
	return nil
}

func listUnprocessed(cmd *cobra.Command, _ []string) error {
	a, err := loadApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	events, err := a.events.ListUnprocessed(cmd.Context(), eventLimit)
	if err != nil {
		return err
	}
	fmt.Printf("未处理事件: %d\n", len(events))
	for _, ev := range events {
		fmt.Printf("  %s  %-20s block=%d chain=%d fatal=%t error=%q\n", ev.ID, ev.EventName, ev.BlockNumber, ev.ChainID, ev.Fatal, ev.Error)
	}
	return nil
}

func replayUnprocessed(cmd *cobra.Command, _ []string) error {
	a, err := loadApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	report, err := a.processor.ReplayUnprocessed(cmd.Context(), eventLimit, includeFatal)
	if err != nil {
		return err
	}
	return printJSON(report)
}

func inspectAccount(cmd *cobra.Command, args []string) error {
	a, err := loadApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	acc, err := a.repos.Accounts.Get(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return printJSON(acc)
}

func inspectCollection(cmd *cobra.Command, args []string) error {
	chainID, err := parseChainID(args[0])
	if err != nil {
		return err
	}
	a, err := loadApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	col, err := a.repos.Collections.GetByAddress(cmd.Context(), chainID, args[1])
	if err != nil {
		return err
	}
	return printJSON(col)
}

func inspectToken(cmd *cobra.Command, args []string) error {
	chainID, err := parseChainID(args[0])
	if err != nil {
		return err
	}
	a, err := loadApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	tok, err := a.repos.Tokens.GetByTokenID(cmd.Context(), chainID, args[1], args[2])
	if err != nil {
		return err
	}
	return printJSON(tok)
}

func parseChainID(s string) (uint64, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("无效的链ID: %q", s)
	}
	return id, nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
