package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/upswing/flightpath/internal/api"
	"github.com/upswing/flightpath/internal/assessment"
	"github.com/upswing/flightpath/internal/audit"
	"github.com/upswing/flightpath/internal/bank"
	"github.com/upswing/flightpath/internal/catalog"
	"github.com/upswing/flightpath/internal/config"
	"github.com/upswing/flightpath/internal/db"
	"github.com/upswing/flightpath/internal/engine"
	"github.com/upswing/flightpath/internal/irt"
	"github.com/upswing/flightpath/internal/logger"
	"github.com/upswing/flightpath/internal/recommend"
	"github.com/upswing/flightpath/internal/scoring"
)

func main() {
	cfg := config.FromEnv()
	log, err := logger.New(string(cfg.Mode))
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbh, err := db.Open(ctx, db.Driver(cfg.DBDriver), cfg.DBDSN)
	if err != nil {
		log.Fatal("open database", "driver", cfg.DBDriver, "err", err)
	}
	defer dbh.Close()

	store := assessment.NewSQLStore(dbh)
	items := bank.NewCachedRepo(bank.NewSQLRepo(dbh), cfg.CatalogCacheTTL)
	contents := catalog.NewCachedRepo(catalog.NewSQLRepo(dbh), cfg.CatalogCacheTTL)
	recorder := audit.NewSQLRecorder(dbh, log.Warn)

	scale := irt.DefaultBandScale
	est := irt.NewEstimator(irt.Model(cfg.IRTModel), cfg.QuadratureSize)
	scorers := scoring.Registry{
		assessment.TypePlacement: scoring.NewPlacementScorer(est, scale),
		assessment.TypeSpeaking:  scoring.NewSpeakingScorer(scoring.HeuristicEvaluator{}, cfg.SpeakingScoreTimeout, scale),
		assessment.TypeWriting:   scoring.NewWritingScorer(scoring.HeuristicEvaluator{}, cfg.WritingScoreTimeout, scale),
	}
	rec := recommend.NewEngine(contents, scale, cfg.CoursesPerSkill, cfg.LessonsPerCourse, cfg.TargetPolicy)

	eng := engine.New(store, items, scorers, rec, est, scale, recorder, log, engine.Options{
		SessionTTL: cfg.SessionTTL,
		TopK:       cfg.TopKSelection,
	})

	srv := api.NewServer(cfg, log, api.ServerDeps{
		Store:    store,
		Engine:   eng,
		Items:    items,
		Content:  contents,
		Rec:      rec,
		Audit:    recorder,
		AuditLog: recorder,
		Ready:    dbh.PingContext,
	})

	// Background expiry scanner.
	cr := cron.New()
	interval := cfg.ExpiryScanInterval
	if interval < time.Second {
		interval = time.Minute
	}
	if _, err := cr.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := eng.ExpireStale(sctx); err != nil {
			log.Warn("expiry scan failed", "err", err)
		}
	}); err != nil {
		log.Fatal("schedule expiry scan", "err", err)
	}
	cr.Start()
	defer cr.Stop()

	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info("listening", "addr", cfg.HTTPAddr, "mode", cfg.Mode)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("http server", "err", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("shutdown", "err", err)
	}
}
