package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/hitoshi/authcore/internal/account"
	"github.com/hitoshi/authcore/internal/audit"
	"github.com/hitoshi/authcore/internal/config"
	"github.com/hitoshi/authcore/internal/database"
	"github.com/hitoshi/authcore/internal/handler"
	"github.com/hitoshi/authcore/internal/logger"
	"github.com/hitoshi/authcore/internal/metrics"
	"github.com/hitoshi/authcore/internal/middleware"
	"github.com/hitoshi/authcore/internal/repository"
	"github.com/hitoshi/authcore/internal/repository/memory"
	"github.com/hitoshi/authcore/internal/token"
	"github.com/hitoshi/authcore/internal/worker/reaper"
	"github.com/hitoshi/authcore/internal/worker/schedule"
)

// Init はアプリケーションの初期化を行う。
// 設定を読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer, configPath string) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. YAMLファイルと環境変数から設定を読み込む
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたログレベルで再設定
	logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel))

	return cfg, nil
}

// stores は資格情報ストアの各リポジトリをまとめたもの。
// db はPostgreSQL構成のときだけ設定される。
type stores struct {
	db          *sql.DB
	accounts    repository.AccountRepository
	authorities repository.AuthorityRepository
	audits      repository.AuditRepository
}

func (s *stores) Close() {
	if s.db != nil {
		s.db.Close()
	}
}

// openStores は設定に応じてPostgreSQLまたはインメモリのストアを開く。
func openStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	if cfg.Store == config.StoreMemory {
		store := memory.NewStore()
		store.SeedDefaults(time.Now())
		slog.Warn("using in-memory store; all data is lost on restart")
		return &stores{
			accounts:    store.Accounts(),
			authorities: store.Authorities(),
			audits:      store.Audits(),
		}, nil
	}

	db, err := database.Connect(ctx, cfg.DatabaseURL, database.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
	}, cfg.DBConnectTimeout)
	if err != nil {
		return nil, err
	}
	slog.Info("database connection established",
		slog.Int("max_open_conns", cfg.DBMaxOpenConns),
	)

	return &stores{
		db:          db,
		accounts:    repository.NewPostgresAccountRepo(db),
		authorities: repository.NewPostgresAuthorityRepo(db),
		audits:      repository.NewPostgresAuditRepo(db),
	}, nil
}

func newAccountService(cfg *config.Config, st *stores) *account.Service {
	return account.NewService(st.accounts, st.authorities,
		account.WithHasher(account.NewBcryptHasher(cfg.BcryptCost)),
		account.WithLogger(slog.Default()),
	)
}

func newRecorder(st *stores, m metrics.MetricsCollector) *audit.Recorder {
	return audit.NewRecorder(st.audits,
		audit.WithLogger(slog.Default()),
		audit.WithMetrics(m),
	)
}

// rateLimiterConfig は1分あたりの回数で指定された設定をRateLimiterConfigに変換する。
func rateLimiterConfig(cfg *config.Config) middleware.RateLimiterConfig {
	rc := middleware.DefaultRateLimiterConfig()
	if cfg.RateLimitLogin > 0 {
		rc.LoginRate = rate.Limit(float64(cfg.RateLimitLogin) / 60.0)
	}
	if cfg.RateLimitLoginBurst > 0 {
		rc.LoginBurst = cfg.RateLimitLoginBurst
	}
	if cfg.RateLimitAccount > 0 {
		rc.AccountRate = rate.Limit(float64(cfg.RateLimitAccount) / 60.0)
	}
	if cfg.RateLimitAccountBurst > 0 {
		rc.AccountBurst = cfg.RateLimitAccountBurst
	}
	return rc
}

// newLocker は REDIS_URL が設定されていればRedisLockerを、なければLocalLockerを返す。
func newLocker(ctx context.Context, cfg *config.Config) (schedule.Locker, func(), error) {
	if cfg.RedisURL == "" {
		return schedule.LocalLocker{}, func() {}, nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	slog.Info("redis connection established; sweeps are locked across instances")
	return schedule.NewRedisLocker(client), func() { client.Close() }, nil
}

// newMetricsRegistry はランタイム指標とアプリケーション指標を登録したレジストリを返す。
func newMetricsRegistry() (*prometheus.Registry, *metrics.Collector) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg, metrics.NewCollector(reg)
}

// newWorkerServer はworkerの /metrics と /health を公開するHTTPサーバーを返す。
func newWorkerServer(port string, reg prometheus.Gatherer, checker handler.HealthChecker) *http.Server {
	r := chi.NewRouter()
	r.Use(middleware.NewRecoveryMiddleware())
	r.Get("/health", handler.NewHealthHandler(checker))
	r.Handle("/metrics", metrics.Handler(reg))
	return &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// pushSweepMetrics は1回限りの sweep の結果をPushgatewayへ送る。
// url が空の場合は何もしない。
func pushSweepMetrics(url string, reg prometheus.Gatherer) error {
	if url == "" {
		return nil
	}
	if err := push.New(url, "authcore_sweep").Gatherer(reg).Push(); err != nil {
		return fmt.Errorf("failed to push sweep metrics: %w", err)
	}
	return nil
}

// scheduledJob はcron式とジョブの組。
type scheduledJob struct {
	spec string
	job  schedule.Job
}

func sweepJobs(cfg *config.Config, st *stores, m metrics.MetricsCollector) []scheduledJob {
	recorder := newRecorder(st, m)
	auditJob := reaper.NewAuditJob(recorder, slog.Default(), m)
	auditJob.RetentionDays = cfg.AuditRetentionDays

	return []scheduledJob{
		{spec: cfg.AccountSweepCron, job: reaper.NewAccountJob(st.accounts, slog.Default(), m)},
		{spec: cfg.AuditSweepCron, job: auditJob},
	}
}

// newScheduler は定期削除ジョブを登録したスケジューラを返す。
func newScheduler(ctx context.Context, cfg *config.Config, st *stores, m metrics.MetricsCollector) (*schedule.Scheduler, func(), error) {
	locker, closeLocker, err := newLocker(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	s := schedule.NewScheduler(locker, slog.Default(), cfg.SweepLockTTL)
	for _, j := range sweepJobs(cfg, st, m) {
		if err := s.Add(j.spec, j.job); err != nil {
			closeLocker()
			return nil, nil, err
		}
	}
	return s, closeLocker, nil
}

// runServe はAPIサーバーモードで起動する。
// ストアを開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// ctx がキャンセルされるか SIGINT / SIGTERM を受信するとグレースフルシャットダウンを行う。
// インメモリストアの場合は定期削除ジョブも同じプロセスで実行する。
func runServe(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. ストア
	st, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	// 2. メトリクス
	reg, collector := newMetricsRegistry()

	// 3. トークン
	secret, err := token.DecodeSecret(cfg.TokenBase64Secret, cfg.TokenSecret)
	if err != nil {
		return fmt.Errorf("invalid token secret: %w", err)
	}
	codec, err := token.NewCodec(token.Config{
		Secret:             secret,
		Validity:           cfg.TokenValidity,
		RememberMeValidity: cfg.TokenRememberMeValidity,
	})
	if err != nil {
		return fmt.Errorf("failed to create token codec: %w", err)
	}

	// 4. ドメインサービス
	accountService := newAccountService(cfg, st)
	recorder := newRecorder(st, collector)

	limiter := middleware.NewRateLimiter(rateLimiterConfig(cfg))
	defer limiter.Stop()

	// 5. ルーター
	deps := &handler.RouterDeps{
		TokenParser:       codec,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		HSTS:              cfg.HSTS,
		RateLimiter:       limiter,
		Logger:            slog.Default(),
		Metrics:           collector,
		MetricsHandler:    metrics.Handler(reg),
		Authenticator:     accountService,
		TokenIssuer:       codec,
		AuditTrail:        recorder,
		AccountService:    accountService,
		UserAdminService:  accountService,
		AuditReader:       recorder,
	}
	if st.db != nil {
		deps.HealthChecker = st.db
	}

	// 6. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      handler.NewRouter(deps),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if cfg.Store == config.StoreMemory {
		scheduler, closeLocker, err := newScheduler(ctx, cfg, st, collector)
		if err != nil {
			return err
		}
		defer closeLocker()
		go scheduler.Start(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("server listen error: %w", err)
	}
	slog.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// 定期削除ジョブをcron式に従って実行し、SIGINT / SIGTERM を受信すると停止する。
// 複数のワーカーを起動する場合は REDIS_URL を設定すること。
func runWorker(ctx context.Context, cfg *config.Config) error {
	if cfg.Store == config.StoreMemory {
		return errors.New("worker requires the postgres store; with STORE=memory the serve command runs the sweeps in-process")
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	reg, collector := newMetricsRegistry()
	scheduler, closeLocker, err := newScheduler(ctx, cfg, st, collector)
	if err != nil {
		return err
	}
	defer closeLocker()

	// 定期削除の指標は worker でしか動かないため、worker 自身が公開する
	var server *http.Server
	if cfg.WorkerMetricsPort != "" {
		server = newWorkerServer(cfg.WorkerMetricsPort, reg, st.db)
		go func() {
			slog.Info("worker metrics server starting", slog.String("addr", server.Addr))
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("worker metrics server failed", slog.String("error", err.Error()))
			}
		}()
	}

	slog.Info("worker starting",
		slog.String("account_sweep_cron", cfg.AccountSweepCron),
		slog.String("audit_sweep_cron", cfg.AuditSweepCron),
		slog.Int("audit_retention_days", cfg.AuditRetentionDays),
	)

	// スケジューラをメインgoroutineで実行（ブロッキング）
	scheduler.Start(ctx)

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Warn("worker metrics server shutdown failed", slog.String("error", err.Error()))
		}
	}

	slog.Info("worker stopped gracefully")
	return nil
}

// runSweep は指定した定期削除ジョブを即時に1回実行する。
// jobName が空の場合は全ジョブを実行する。
func runSweep(ctx context.Context, cfg *config.Config, jobName string) error {
	st, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	reg, collector := newMetricsRegistry()
	jobs, err := selectJobs(sweepJobs(cfg, st, collector), jobName)
	if err != nil {
		return err
	}

	locker, closeLocker, err := newLocker(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeLocker()

	s := schedule.NewScheduler(locker, slog.Default(), cfg.SweepLockTTL)
	var errs []error
	for _, j := range jobs {
		if err := s.RunNow(ctx, j); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", j.Name(), err))
		}
	}
	if err := pushSweepMetrics(cfg.PushgatewayURL, reg); err != nil {
		slog.Warn("sweep metrics were not pushed", slog.String("error", err.Error()))
	}
	return errors.Join(errs...)
}

func selectJobs(all []scheduledJob, name string) ([]schedule.Job, error) {
	var jobs []schedule.Job
	for _, j := range all {
		if name == "" || j.job.Name() == name {
			jobs = append(jobs, j.job)
		}
	}
	if len(jobs) == 0 {
		return nil, fmt.Errorf("unknown job %q: must be %s or %s", name, reaper.JobAccounts, reaper.JobAudit)
	}
	return jobs, nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	if cfg.Store == config.StoreMemory {
		return errors.New("migrate requires the postgres store")
	}

	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully", slog.Uint64("version", uint64(version)))
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}

// healthcheckPort は healthcheck サブコマンドの既定ポートを返す。
func healthcheckPort() string {
	if port := os.Getenv("SERVER_PORT"); port != "" {
		return port
	}
	return "8080"
}
