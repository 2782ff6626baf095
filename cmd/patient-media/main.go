// Точка входа Patient Media — хранилище медиафайлов пациентов.
// Загружает конфигурацию, выбирает бэкенды записей (PostgreSQL или
// in-memory) и blob'ов (S3/MinIO или in-memory), создаёт сервисный слой,
// запускает фоновую очистку и topologymetrics, HTTP-сервер с проверкой
// административного доступа и graceful shutdown.
package main

import (
	"context"
	"database/sql"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/bigkaa/goartstore/patient-media/internal/api/handlers"
	"github.com/bigkaa/goartstore/patient-media/internal/api/middleware"
	"github.com/bigkaa/goartstore/patient-media/internal/api/openapi"
	"github.com/bigkaa/goartstore/patient-media/internal/blobstore"
	"github.com/bigkaa/goartstore/patient-media/internal/config"
	"github.com/bigkaa/goartstore/patient-media/internal/database"
	"github.com/bigkaa/goartstore/patient-media/internal/repository"
	"github.com/bigkaa/goartstore/patient-media/internal/repository/memstore"
	"github.com/bigkaa/goartstore/patient-media/internal/server"
	"github.com/bigkaa/goartstore/patient-media/internal/service"
	"github.com/bigkaa/goartstore/patient-media/internal/thumbnail"
)

// readyStore — хранилище с проверкой готовности для /health/ready.
type readyStore interface {
	blobstore.Store
	handlers.ReadinessChecker
}

func main() {
	// 1. Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Ошибка загрузки конфигурации", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 2. Настройка логирования
	logger := config.SetupLogger(cfg)
	logger.Info("Patient Media запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
		slog.String("db_backend", cfg.DBBackend),
		slog.String("blob_backend", cfg.BlobBackend),
	)

	ctx := context.Background()

	// 3. Хранилище записей и ledger
	var (
		repo      repository.Store
		dbChecker handlers.ReadinessChecker
		pool      *pgxpool.Pool
		pgDB      *sql.DB
	)
	switch cfg.DBBackend {
	case config.DBBackendPostgres:
		logger.Info("Применение миграций БД...")
		if err := database.Migrate(cfg, logger); err != nil {
			logger.Error("Ошибка миграций БД", slog.String("error", err.Error()))
			os.Exit(1)
		}

		pool, err = database.Connect(ctx, cfg, logger)
		if err != nil {
			logger.Error("Ошибка подключения к PostgreSQL", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer pool.Close()

		// 3.1 Адаптер pgxpool → *sql.DB для topologymetrics (connection pool mode)
		pgDB = stdlib.OpenDBFromPool(pool)
		defer pgDB.Close()

		repo = repository.NewPostgresStore(pool)
		dbChecker = database.NewReadinessChecker(pool)
	default:
		logger.Warn("Используется in-memory хранилище записей, данные не сохраняются между рестартами")
		mem := memstore.New()
		repo = mem
		dbChecker = mem
	}

	// 4. Объектное хранилище
	var blobs readyStore
	switch cfg.BlobBackend {
	case config.BlobBackendS3:
		blobs, err = blobstore.NewS3Store(ctx, blobstore.S3Config{
			Endpoint:     cfg.S3Endpoint,
			Region:       cfg.S3Region,
			Bucket:       cfg.S3Bucket,
			AccessKey:    cfg.S3AccessKey,
			SecretKey:    cfg.S3SecretKey,
			UsePathStyle: cfg.S3UsePathStyle,
		}, logger)
		if err != nil {
			logger.Error("Ошибка создания S3-клиента", slog.String("error", err.Error()))
			os.Exit(1)
		}
		logger.Info("S3-клиент создан",
			slog.String("endpoint", cfg.S3Endpoint),
			slog.String("bucket", cfg.S3Bucket),
		)
	default:
		logger.Warn("Используется in-memory объектное хранилище")
		blobs = blobstore.NewMemory()
	}

	// 5. Генератор миниатюр
	thumbs, err := thumbnail.New(cfg.Limits.ThumbWidth, cfg.Limits.ThumbHeight, thumbnail.DefaultQuality)
	if err != nil {
		logger.Error("Ошибка создания генератора миниатюр", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 6. Сервисный слой
	mediaSvc := service.NewMediaService(repo, blobs, thumbs, service.Options{
		Limits:       cfg.Limits,
		StrictDedup:  cfg.StrictDedup,
		URLCacheSize: cfg.URLCacheSize,
	}, logger)

	// 7. Фоновая очистка blob'ов удалённых записей
	purgeSvc := service.NewPurgeService(repo, blobs, cfg.PurgeInterval, cfg.PurgeBatchSize, logger).
		WithURLCache(mediaSvc.URLCache())
	purgeSvc.Start(ctx)
	defer purgeSvc.Stop()

	// 7.1 topologymetrics — мониторинг зависимостей (PostgreSQL + S3)
	if pgDB != nil {
		s3Endpoint := ""
		if cfg.BlobBackend == config.BlobBackendS3 {
			s3Endpoint = cfg.S3Endpoint
		}
		dephealthSvc, dhErr := service.NewDephealthService(service.DephealthParams{
			ServiceID:     "patient-media",
			Group:         cfg.DephealthGroup,
			DB:            pgDB,
			PgConnURL:     cfg.DatabaseURL("postgres"),
			S3Endpoint:    s3Endpoint,
			CheckInterval: cfg.DephealthCheckInterval,
			IsEntry:       cfg.DephealthIsEntry,
		}, logger)
		if dhErr != nil {
			logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
				slog.String("error", dhErr.Error()),
			)
		} else if startErr := dephealthSvc.Start(ctx); startErr != nil {
			logger.Warn("Ошибка запуска topologymetrics",
				slog.String("error", startErr.Error()),
			)
		} else {
			defer dephealthSvc.Stop()
			logger.Info("topologymetrics запущен",
				slog.String("group", cfg.DephealthGroup),
				slog.String("check_interval", cfg.DephealthCheckInterval.String()),
			)
		}
	}

	// 8. Проверка тела запросов по OpenAPI-контракту
	validator, err := openapi.NewValidator()
	if err != nil {
		logger.Error("Ошибка загрузки OpenAPI-контракта", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 9. Проверка административного доступа
	adminAuth, err := middleware.NewAdminAuth(middleware.AdminAuthConfig{
		JWKSURL:          cfg.JWTJWKSURL,
		Issuer:           cfg.JWTIssuer,
		AdminRoles:       cfg.AdminRoles,
		DevBypassAdminID: cfg.DevBypassAdminID,
		ClientTimeout:    cfg.JWKSClientTimeout,
		RefreshInterval:  cfg.JWKSRefreshInterval,
		JWTLeeway:        cfg.JWTLeeway,
	}, logger)
	if err != nil {
		logger.Error("Ошибка создания проверки доступа", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if cfg.JWTJWKSURL == "" && cfg.DevBypassAdminID == "" {
		logger.Warn("PM_JWT_JWKS_URL и PM_DEV_BYPASS_ADMIN_ID не заданы, все действия будут отклонены")
	}

	// 10. API handlers
	apiHandler := handlers.NewAPIHandler(
		handlers.NewHealthHandler(dbChecker, blobs),
		handlers.NewMediaHandler(mediaSvc, validator, logger),
		logger,
	)

	// 11. HTTP-сервер
	srv := server.New(cfg, logger, apiHandler,
		adminAuth.Middleware(),
		middleware.MetricsMiddleware(),
		middleware.RequestLogger(logger),
	)

	if err := srv.Run(); err != nil {
		logger.Error("Ошибка сервера", slog.String("error", err.Error()))
		purgeSvc.Stop()
		os.Exit(1)
	}

	logger.Info("Patient Media остановлен")
}
