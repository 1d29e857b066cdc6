package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fib-pocket-bot-go/internal/admin"
	"fib-pocket-bot-go/internal/advisor"
	"fib-pocket-bot-go/internal/config"
	"fib-pocket-bot-go/internal/downloader"
	"fib-pocket-bot-go/internal/engine"
	"fib-pocket-bot-go/internal/exchange"
	"fib-pocket-bot-go/internal/feed"
	"fib-pocket-bot-go/internal/fibonacci"
	"fib-pocket-bot-go/internal/lock"
	"fib-pocket-bot-go/internal/logger"
	"fib-pocket-bot-go/internal/models"
	"fib-pocket-bot-go/internal/persistence"
	"fib-pocket-bot-go/internal/recovery"
	"fib-pocket-bot-go/internal/reporter"
	"fib-pocket-bot-go/internal/sentiment"
	"fib-pocket-bot-go/internal/statemanager"
	"fib-pocket-bot-go/internal/storage"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	// --- 命令行参数定义 ---
	configPath := flag.String("config", "config.json", "path to the config file")
	mode := flag.String("mode", "live", "running mode: live, paper, report or swings")
	timeframe := flag.String("timeframe", "1d", "kline interval scanned in swings mode")
	lookback := flag.Int("lookback", 90, "number of klines scanned in swings mode")
	flag.Parse()

	// 先用默认配置初始化日志，以便记录 .env 与配置加载过程
	logger.InitLogger(models.LogConfig{Level: "info", Output: "console"})

	if err := godotenv.Load(); err != nil {
		logger.S().Info("未找到 .env 文件，将从系统环境变量中读取。")
	} else {
		logger.S().Info("成功从 .env 文件加载配置。")
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.S().Fatalf("无法加载配置文件: %v", err)
	}

	// --- 使用文件中的配置重新初始化日志 ---
	logger.InitLogger(cfg.LogConfig)
	defer logger.S().Sync()

	switch *mode {
	case "live", "paper":
		if err := run(cfg, *mode == "paper"); err != nil {
			logger.S().Fatalf("运行失败: %v", err)
		}
	case "report":
		if err := runReport(cfg); err != nil {
			logger.S().Fatalf("生成报告失败: %v", err)
		}
	case "swings":
		if err := runSwings(cfg, *timeframe, *lookback); err != nil {
			logger.S().Fatalf("扫描波段点失败: %v", err)
		}
	default:
		logger.S().Fatalf("未知的运行模式: %s。请选择 'live'、'paper'、'report' 或 'swings'。", *mode)
	}
}

// run 按顺序组装并启动引擎，阻塞直到收到退出信号
func run(cfg *models.Config, paper bool) error {
	log := logger.L()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wsBaseURL := cfg.LiveWSURL
	if cfg.IsTestnet {
		wsBaseURL = cfg.TestnetWSURL
		log.Info("正在使用币安测试网...")
	}
	cfg.WSBaseURL = wsBaseURL

	// --- 单实例锁与缓存 (Redis 可选) ---
	var (
		rdb *redis.Client
		err error
	)
	if cfg.Redis.Addr != "" {
		rdb, err = lock.NewClient(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer rdb.Close()
		unlock, err := lock.NewManager(rdb, log).Acquire(ctx, "engine:"+cfg.Symbol, time.Duration(cfg.Redis.LockTTLSec)*time.Second)
		if errors.Is(err, lock.ErrLockHeld) {
			return fmt.Errorf("%s 已有实例在运行", cfg.Symbol)
		}
		if err != nil {
			return err
		}
		defer unlock()
	}

	// --- 存储 ---
	var repo persistence.CheckpointRepository
	if paper {
		// 模拟盘的交易所在进程内，检查点不跨进程保留
		repo, err = persistence.NewInMemoryRepository()
	} else {
		repo, err = persistence.NewBadgerRepository(cfg.DBPath)
	}
	if err != nil {
		return fmt.Errorf("打开检查点数据库失败: %w", err)
	}
	defer repo.Close()

	store, err := storage.Open(cfg.AuditDBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	// --- 交易所与行情 ---
	window := feed.NewWindow(time.Duration(cfg.Strategy.BounceLookbackMin+5) * time.Minute)
	var (
		ex      exchange.Exchange
		market  *exchange.BinanceFutures
		runFeed func(context.Context)
	)
	if paper {
		log.Info("--- 启动模拟盘模式 ---")
		// 公共行情接口不需要密钥
		market = exchange.NewBinanceFutures("", "", cfg.Symbol, cfg.IsTestnet, log)
		paperEx := exchange.NewPaperExchange(cfg, log)
		poller := feed.NewPoller(market, window, 5*time.Second, log)
		poller.OnPrice = func(p models.PricePoint) { paperEx.SetPrice(p.Price, p.Time) }
		// 先取一次价格，保证对账时模拟盘有标记价格
		if price, err := market.GetMarkPrice(ctx); err == nil {
			paperEx.SetPrice(price, time.Now())
		}
		ex = paperEx
		runFeed = poller.Run
	} else {
		log.Info("--- 启动实盘模式 ---")
		apiKey := os.Getenv("BINANCE_API_KEY")
		secretKey := os.Getenv("BINANCE_SECRET_KEY")
		if apiKey == "" || secretKey == "" {
			return errors.New("BINANCE_API_KEY 和 BINANCE_SECRET_KEY 环境变量必须被设置")
		}
		market = exchange.NewBinanceFutures(apiKey, secretKey, cfg.Symbol, cfg.IsTestnet, log)
		ex = market
		runFeed = feed.NewMarkPriceStream(wsBaseURL, cfg.Symbol, window, cfg, log).Run
	}
	ex = exchange.WithRetry(ex, cfg.RetryAttempts, time.Duration(cfg.RetryInitialDelayMs)*time.Millisecond, log)

	// --- 启动对账 ---
	checkpoint, err := repo.LoadCheckpoint()
	if err != nil {
		return fmt.Errorf("读取检查点失败: %w", err)
	}
	reconciler := recovery.NewReconciler(ex, cfg, log)
	result, err := reconciler.Reconcile(ctx, checkpoint, time.Now())
	if err != nil {
		return fmt.Errorf("启动对账失败: %w", err)
	}
	// 上次运行中途退出时遗留的 SUBMITTED 订单按 ClientOrderID 向交易所确认
	pending, err := reconciler.ResolvePending(ctx, store, result.State, time.Now())
	if err != nil {
		log.Error("处理遗留订单失败", zap.Error(err))
	}
	if pending != nil {
		for _, rec := range pending.Filled {
			if err := store.Append(ctx, storage.AuditRecord{
				Event:    storage.EventReconcile,
				Trigger:  models.TriggerManual,
				Kind:     rec.Kind,
				Approved: true,
				Reason:   fmt.Sprintf("order %s filled while the engine was down; position taken from exchange", rec.ClientOrderID),
				Decision: storage.JSON(rec),
			}); err != nil {
				log.Error("写入遗留订单审计失败", zap.Error(err))
			}
		}
	}
	if result.Closed != nil {
		if err := repo.ArchivePosition(*result.Closed); err != nil {
			log.Error("归档外部平仓的仓位失败", zap.String("id", result.Closed.ID), zap.Error(err))
		}
	}
	reason := fmt.Sprintf("startup reconciliation: %s", result.Outcome)
	if result.Mismatch != nil {
		reason = fmt.Sprintf("%s (%v)", reason, result.Mismatch)
	}
	if err := store.Append(ctx, storage.AuditRecord{
		Event:    storage.EventReconcile,
		Trigger:  models.TriggerManual,
		Approved: true,
		Reason:   reason,
		Inputs:   storage.JSON(checkpoint),
		State:    storage.JSON(result.State),
	}); err != nil {
		log.Error("写入对账审计失败", zap.Error(err))
	}
	log.Info("启动对账完成", zap.String("outcome", string(result.Outcome)), zap.String("status", string(result.State.Position.Status)))

	// --- 状态管理 ---
	sm := statemanager.NewStateManager(result.State, repo, statemanager.Config{
		MaxScaleIns: cfg.Risk.MaxScaleIns,
		DustSize:    cfg.Risk.DustSize,
	}, log)
	sm.Start()
	defer sm.Stop()

	// --- 情绪 ---
	var cache sentiment.Cache = sentiment.NewMemoryCache()
	if rdb != nil {
		cache = sentiment.NewRedisCache(rdb)
	}
	sent := sentiment.NewMarketProvider(cfg, market.Client(), cache, log)

	// --- 顾问 ---
	var client advisor.Client
	if cfg.Advisor.Enabled {
		if cfg.Advisor.APIKey == "" {
			log.Warn("顾问已启用但未设置 ADVISOR_API_KEY，将只使用确定性策略")
		} else {
			client = advisor.NewChatClient(cfg.Advisor.BaseURL, cfg.Advisor.APIKey, cfg.Advisor.Model)
		}
	}
	arbiter := advisor.NewArbiter(cfg.Advisor, client, log)

	// --- 引擎 ---
	eng, err := engine.New(engine.Deps{
		Config:    cfg,
		Exchange:  ex,
		State:     sm,
		Sentiment: sent,
		Arbiter:   arbiter,
		Audit:     store,
		Journal:   store,
		Window:    window,
		Logger:    log,
	})
	if err != nil {
		return err
	}

	feedCtx, stopFeed := context.WithCancel(ctx)
	defer stopFeed()
	go runFeed(feedCtx)

	if err := eng.Start(ctx); err != nil {
		return err
	}

	// --- 管理接口 ---
	var adminServer *admin.Server
	if cfg.Admin.Listen != "" {
		adminServer = admin.NewServer(eng, store, log)
		go func() {
			if err := adminServer.Start(cfg.Admin.Listen); err != nil {
				log.Error("管理接口异常退出", zap.Error(err))
			}
		}()
	}

	// 等待中断信号以实现优雅退出
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info("收到退出信号，开始关闭", zap.String("signal", sig.String()))

	if adminServer != nil {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			log.Warn("管理接口关闭失败", zap.Error(err))
		}
		cancelShutdown()
	}
	// 取消 ctx 会中断进行中的顾问调用，周期直接丢弃
	cancel()
	eng.Stop()
	log.Info("机器人已停止，检查点已保存。")
	return nil
}

// runReport 打印已归档仓位的统计
func runReport(cfg *models.Config) error {
	repo, err := persistence.NewBadgerRepository(cfg.DBPath)
	if err != nil {
		return err
	}
	defer repo.Close()

	closed, err := repo.ListArchived(0)
	if err != nil {
		return err
	}
	fmt.Println(reporter.RenderHistory(closed, reporter.CalculateMetrics(closed, cfg.Paper.InitialBalance)))
	return nil
}

// runSwings 扫描最近的K线并打印建议的波段点，需要人工通过管理接口确认后才会生效
func runSwings(cfg *models.Config, timeframe string, lookback int) error {
	step, err := intervalDuration(timeframe)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	end := time.Now()
	start := end.Add(-time.Duration(lookback) * step)
	d := downloader.NewKlineDownloader(exchange.NewBinanceFutures("", "", cfg.Symbol, cfg.IsTestnet, logger.L()).Client())
	klines, err := d.DownloadKlines(ctx, cfg.Symbol, timeframe, start, end)
	if err != nil {
		return err
	}
	invalidation := 0.10
	for _, sw := range cfg.Swings {
		if sw.Timeframe == timeframe && sw.InvalidationPct > 0 {
			invalidation = sw.InvalidationPct
		}
	}
	swing, err := downloader.ProposeSwing(timeframe, klines, invalidation)
	if err != nil {
		return err
	}
	set, err := fibonacci.Calculate(swing, fibonacci.DefaultRatios)
	if err != nil {
		return err
	}
	out, _ := json.MarshalIndent(swing, "", "  ")
	fmt.Printf("%s\n\n%s\n", out, reporter.RenderLevels([]*fibonacci.LevelSet{set}, klines[len(klines)-1].Close))
	return nil
}

func intervalDuration(interval string) (time.Duration, error) {
	switch interval {
	case "1w":
		return 7 * 24 * time.Hour, nil
	case "1d":
		return 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(interval)
	if err != nil {
		return 0, fmt.Errorf("不支持的周期 %q", interval)
	}
	return d, nil
}
