package main

import (
	"log"
	"os"
	"time"

	v1 "fedplane/api/v1"
	"fedplane/internal/auth"
	"fedplane/internal/breaker"
	"fedplane/internal/cache"
	"fedplane/internal/config"
	"fedplane/internal/db"
	"fedplane/internal/enrollment"
	"fedplane/internal/graph"
	"fedplane/internal/health"
	"fedplane/internal/idp"
	"fedplane/internal/linkstore"
	"fedplane/internal/pki"
	"fedplane/internal/revocation"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
		os.Exit(1)
	}
	log.Println("✓ Configuration loaded")

	logger := logrus.NewEntry(newLogger())

	// 2. Initialize MySQL
	if err := db.InitMySQL(cfg.MySQL.DSN); err != nil {
		log.Fatalf("Failed to initialize MySQL: %v", err)
		os.Exit(1)
	}
	defer db.Close()

	gdb := db.GetDB()
	if cfg.Migrate {
		if err := db.Migrate(gdb); err != nil {
			log.Fatalf("Failed to migrate schema: %v", err)
			os.Exit(1)
		}
		log.Println("✓ Schema migrated")
	}

	// 3. Initialize Redis
	if err := cache.InitRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB); err != nil {
		log.Fatalf("Failed to initialize Redis: %v", err)
		os.Exit(1)
	}
	defer cache.Close()

	// 4. Load or generate this instance's signing identity
	auth.InitJWT(cfg.JWT.Secret)
	identity, err := pki.NewIdentityManager(cfg.Instance.DataDir, cfg.Instance.Code)
	if err != nil {
		log.Fatalf("Failed to initialize signing identity: %v", err)
		os.Exit(1)
	}
	log.Printf("✓ Identity ready, fingerprint %s", identity.Fingerprint())

	// 5. Register this instance in its own trust graph
	if err := enrollment.RegisterSelf(gdb, cfg.Instance, identity, logger); err != nil {
		log.Fatalf("Failed to register local instance: %v", err)
		os.Exit(1)
	}

	// 6. Wire the control plane
	links := linkstore.NewStore(gdb, logger)
	breakers := breaker.NewRegistry(gdb, cfg.Breaker.FailureThreshold,
		time.Duration(cfg.Breaker.CooldownSec)*time.Second, logger)
	bus := graph.NewBus(cfg.Enrollment.StreamQueue, logger)
	streamTokens := graph.NewStreamTokenStore(cache.Client)
	healthService := health.NewService(gdb, links, breakers, logger)
	graphService := graph.NewService(gdb, links)

	provisioner := idp.NewHTTPProvisioner(cfg.IdP.AdminURL,
		time.Duration(cfg.IdP.TimeoutSec)*time.Second, logger)
	enrollments := enrollment.NewEngine(gdb, links, provisioner, bus, streamTokens,
		cfg.Enrollment, logger)

	notifier := revocation.NewHTTPNotifier(time.Duration(cfg.IdP.TimeoutSec)*time.Second, logger)
	revocations := revocation.NewEngine(gdb, links, identity, bus, streamTokens,
		notifier, cfg.Instance.Code, logger)

	// 7. Start background workers
	monitor := health.NewMonitor(&health.MonitorConfig{
		DB:        gdb,
		Service:   healthService,
		Links:     links,
		Breakers:  breakers,
		LocalCode: cfg.Instance.Code,
		Interval:  time.Duration(cfg.Heartbeat.IntervalSec) * time.Second,
		Timeout:   time.Duration(cfg.Heartbeat.TimeoutSec) * time.Second,
		Logger:    logger,
	})
	monitor.Start()
	defer monitor.Stop()

	if cfg.ProbeWorker.Enabled {
		prober := health.NewProber(&health.ProberConfig{
			DB:          gdb,
			Service:     healthService,
			Breakers:    breakers,
			LocalCode:   cfg.Instance.Code,
			IntervalSec: cfg.ProbeWorker.IntervalSec,
			TimeoutSec:  cfg.ProbeWorker.TimeoutSec,
			Concurrency: cfg.ProbeWorker.Concurrency,
			Logger:      logger,
		})
		prober.Start()
		defer prober.Stop()
	}

	// 8. Initialize Gin router
	gin.SetMode(gin.ReleaseMode)
	r := gin.Default()

	v1.SetupRouter(r, &v1.Deps{
		DB:           gdb,
		Config:       cfg,
		Identity:     identity,
		Links:        links,
		Enrollments:  enrollments,
		Revocations:  revocations,
		Health:       healthService,
		Graph:        graphService,
		Bus:          bus,
		StreamTokens: streamTokens,
	})

	log.Printf("✓ %s (%s) serving on %s", cfg.Instance.Code, cfg.Instance.Role, cfg.HTTPAddr)

	if err := r.Run(cfg.HTTPAddr); err != nil {
		log.Fatalf("Failed to start server: %v", err)
		os.Exit(1)
	}
}

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if os.Getenv("LOG_LEVEL") == "debug" {
		l.SetLevel(logrus.DebugLevel)
	}
	return l
}
