package server

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"otaforge/config"
	"otaforge/internal/accounts"
	"otaforge/internal/audit"
	"otaforge/internal/builder"
	"otaforge/internal/db"
	"otaforge/internal/deploy"
	"otaforge/internal/devapi"
	"otaforge/internal/health"
	"otaforge/internal/logs"
	"otaforge/internal/middleware"
	"otaforge/internal/models"
	"otaforge/internal/registry"
	"otaforge/internal/watcher"

	"github.com/gorilla/mux"
	"gorm.io/gorm"
)

type App struct {
	cfg        *config.Config
	Router     *mux.Router
	httpServer *http.Server

	db     *gorm.DB
	queue  *builder.Queue
	bridge *watcher.Bridge

	ctx    context.Context
	cancel context.CancelFunc
}

func (a *App) Initialize(cfg *config.Config) {
	a.cfg = cfg

	// 1) Логи
	logs.Init(logs.Options{
		Level:  a.cfg.Logging.Level,
		Format: a.cfg.Logging.Format,
		File:   a.cfg.Logging.File,
	})

	// 2) БД
	d, err := db.Open(a.cfg.Database.Driver, a.cfg.Database.DSN)
	if err != nil {
		log.Fatalf("db open failed: %v", err)
	}
	if d == nil {
		log.Fatalf("database.driver is required")
	}
	a.db = d
	if err := a.db.AutoMigrate(
		&models.Device{},
		&models.Owner{},
		&models.APIKey{},
		&models.Source{},
		&models.BuildJob{},
		&models.BuildLogEntry{},
		&models.AuditLogEntry{},
	); err != nil {
		log.Fatalf("db migrate failed: %v", err)
	}

	// 3) Роутер + middleware
	a.Router = mux.NewRouter()
	a.Router.Use(middleware.RequestID)
	a.Router.Use(middleware.Recoverer)
	a.Router.Use(middleware.LoggerMW)

	health.RegisterRoutesWithDB(a.Router, a.db) // /healthz и /readyz

	// 4) Доменные сервисы
	accountsStore := accounts.NewStore(a.db)
	registryStore := registry.NewStore(a.db)
	deployStore := deploy.NewStore(a.cfg.Deploy.Root)
	auditLog := audit.NewLog(a.db)

	buildStore := builder.NewDBStore(a.db)
	// добиваем QUEUED/RUNNING от прошлого процесса до старта воркеров
	if n, err := buildStore.FailStale(); err != nil {
		logs.Logger.Errorf("fail stale builds: %v", err)
	} else if n > 0 {
		logs.Logger.Warnf("marked %d stale builds as failed", n)
	}

	a.queue = builder.NewQueue(builder.Options{
		Workers:    a.cfg.Builder.Workers,
		QueueDepth: a.cfg.Builder.QueueDepth,
		Timeout:    a.cfg.Builder.Timeout,
		Grace:      a.cfg.Builder.Grace,
	}, buildStore, &builder.ExecRunner{
		Path:  a.cfg.Builder.Command,
		Grace: a.cfg.Builder.Grace,
	}, registryStore, accountsStore)
	a.queue.Start()

	// 5) Watch-бридж + автосборка
	bridge, err := watcher.NewBridge()
	if err != nil {
		logs.Logger.Errorf("fs watcher unavailable: %v", err)
	} else {
		a.bridge = bridge
		if a.cfg.Builder.AutoBuild {
			go a.autoBuild(bridge, registryStore)
		}
	}

	// 6) HTTP-фасад
	api := devapi.New(a.cfg.Device.UserAgent,
		accountsStore, registryStore, deployStore, a.queue, a.bridge, auditLog)
	api.RegisterRoutes(a.Router)

	a.Router.Walk(func(rt *mux.Route, r *mux.Router, ancestors []*mux.Route) error {
		path, _ := rt.GetPathTemplate()
		methods, _ := rt.GetMethods()
		log.Printf("route: %-6v %s", methods, path)
		return nil
	})
}

// autoBuild слушает события watch-бриджа и ставит сборку, когда в checkout
// устройства что-то поменялось. Устройства без привязанного источника и
// устройства с живой сборкой пропускаются.
func (a *App) autoBuild(bridge *watcher.Bridge, reg *registry.Store) {
	for ev := range bridge.Events() {
		if a.queue.HasActive(ev.UDID) {
			continue
		}
		dev, err := reg.GetByUDID(ev.UDID)
		if err != nil || dev.SourceAlias == "" {
			continue
		}
		if _, err := a.queue.Submit(ev.OwnerID, ev.UDID, dev.SourceAlias, false); err != nil {
			logs.With(map[string]any{"udid": ev.UDID}).Warnf("auto build: %v", err)
		}
	}
}

func (a *App) Run() error {
	if a.Router == nil || a.cfg == nil {
		return ErrNotInitialized
	}
	bind := net.JoinHostPort(a.cfg.Server.Address, a.cfg.Server.HTTPPort)

	a.ctx, a.cancel = context.WithCancel(context.Background())
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() { <-sigs; a.cancel() }()

	a.httpServer = &http.Server{
		Addr:         bind,
		Handler:      a.Router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("HTTP listening on %s", bind)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	<-a.ctx.Done()

	// порядок останова: сначала HTTP (новые задачи не приходят), затем
	// очередь (RUNNING получают SIGTERM), последним — watch-бридж
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = a.httpServer.Shutdown(ctx)
	if a.queue != nil {
		a.queue.Shutdown(ctx)
	}
	if a.bridge != nil {
		a.bridge.Close()
	}
	return nil
}

var ErrNotInitialized = &initError{"server not initialized (call Initialize(cfg) first)"}

type initError struct{ s string }

func (e *initError) Error() string { return e.s }
