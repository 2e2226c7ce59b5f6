package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/calderahq/tablegate/internal/feed"
	"github.com/calderahq/tablegate/internal/query"
	"github.com/calderahq/tablegate/internal/recon"
	"github.com/calderahq/tablegate/internal/schema"
	"github.com/calderahq/tablegate/internal/server"
	"github.com/calderahq/tablegate/internal/store"
	"github.com/calderahq/tablegate/pkg/authz"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	defs := schema.Builtin()
	if dir := os.Getenv("SCHEMA_DIR"); dir != "" {
		extra, err := schema.LoadDir(dir)
		if err != nil {
			return err
		}
		defs = append(defs, extra...)
	}
	reg, err := schema.Load(defs, query.NewHooks(nil))
	if err != nil {
		return err
	}

	var st store.Store
	hub := feed.NewHub()
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return err
		}
		defer pool.Close()
		pg := store.NewPG(pool)
		pg.SetObserver(hub)
		st = pg
	} else {
		log.Printf("DATABASE_URL not set, using the in-memory store")
		mem := store.NewMem()
		mem.SetObserver(hub)
		st = mem
	}

	admin, err := loadAuthorizer()
	if err != nil {
		return err
	}

	engine := query.NewEngine(reg, st)
	srv := server.New(engine, hub, admin)

	interval := 5 * time.Minute
	if raw := os.Getenv("RECON_INTERVAL"); raw != "" {
		interval, err = time.ParseDuration(raw)
		if err != nil {
			return err
		}
	}
	scheduler := recon.NewScheduler(interval, recon.NewUsageJob(st, 0))
	go scheduler.Run(ctx)

	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	httpSrv := &http.Server{Addr: addr, Handler: srv.Handler()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	log.Printf("tablegate: %d tables, listening on %s", len(reg.TableNames()), addr)
	if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func loadAuthorizer() (*authz.Authorizer, error) {
	modelPath := os.Getenv("AUTHZ_MODEL_PATH")
	if modelPath == "" {
		p, err := findConfig("config/access/model.conf")
		if err != nil {
			return nil, err
		}
		modelPath = p
	}
	policyPath := os.Getenv("AUTHZ_POLICY_PATH")
	if policyPath == "" {
		p, err := findConfig("config/access/policy.csv")
		if err != nil {
			return nil, err
		}
		policyPath = p
	}
	mode, err := authz.ModeFromEnv()
	if err != nil {
		return nil, err
	}
	return authz.NewAuthorizer(modelPath, policyPath, mode)
}

func findConfig(path string) (string, error) {
	for range 8 {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
		path = filepath.Join("..", path)
	}
	return "", errors.New("tablegate: config file not found: " + path)
}
