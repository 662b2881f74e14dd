package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vich3er/cursova/internal/backup"
	"github.com/vich3er/cursova/internal/database"
	"github.com/vich3er/cursova/internal/device"
	"github.com/vich3er/cursova/internal/gateway"
	"github.com/vich3er/cursova/internal/ledger"
	"github.com/vich3er/cursova/internal/logging"
	"github.com/vich3er/cursova/internal/netwatch"
	"github.com/vich3er/cursova/internal/remote/firestore"
	"github.com/vich3er/cursova/internal/session"
	"github.com/vich3er/cursova/internal/snapshot"
	"github.com/vich3er/cursova/internal/sync"
	"github.com/vich3er/cursova/internal/unread"
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	logger := logging.Setup(os.Getenv("SHOPLIST_LOG_LEVEL"), os.Getenv("SHOPLIST_LOG_FORMAT"))

	port := envOr("SHOPLIST_PORT", "8080")
	dbPath := envOr("SHOPLIST_DB_PATH", "shoplist.db")
	dataDir := envOr("SHOPLIST_DATA_DIR", ".")
	userID := os.Getenv("SHOPLIST_USER_ID")
	if userID == "" {
		log.Fatal("SHOPLIST_USER_ID is required")
	}

	db, err := database.Open(dbPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	kv := device.NewKV(db)
	pending := ledger.New(kv)
	visits := unread.NewVisitLog(kv)
	snaps := snapshot.NewStore(dataDir, os.Getenv("SHOPLIST_SNAPSHOT_PASSPHRASE"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := firestore.New(ctx, firestore.Config{
		ProjectID:       os.Getenv("SHOPLIST_FIRESTORE_PROJECT"),
		CredentialsFile: os.Getenv("SHOPLIST_CREDENTIALS_FILE"),
	}, logger.With("component", "firestore"))
	if err != nil {
		log.Fatalf("failed to connect document store: %v", err)
	}
	defer store.Close()

	net := netwatch.New(true)
	probeAddr := envOr("SHOPLIST_PROBE_ADDR", "firestore.googleapis.com:443")
	prober := netwatch.NewProber(net, probeAddr, 0, logger.With("component", "netwatch"))
	prober.Start(ctx)
	defer prober.Stop()

	resolver := session.NewResolver(store, snaps, logger.With("component", "session"))
	sess := resolver.Resolve(ctx, userID)

	engine := sync.NewEngine(sync.Config{
		Store:    store,
		Ledger:   pending,
		Snapshot: snaps,
		Visits:   visits,
		Net:      net,
		Logger:   logger.With("component", "sync"),
		UserID:   sess.UserID,
	})

	backupCfg := backup.Config{
		S3: backup.S3Config{
			Endpoint:  os.Getenv("SHOPLIST_S3_ENDPOINT"),
			Bucket:    os.Getenv("SHOPLIST_S3_BUCKET"),
			Region:    envOr("SHOPLIST_S3_REGION", "auto"),
			AccessKey: os.Getenv("SHOPLIST_S3_ACCESS_KEY"),
			SecretKey: os.Getenv("SHOPLIST_S3_SECRET_KEY"),
		},
		Passphrase: os.Getenv("SHOPLIST_SNAPSHOT_PASSPHRASE"),
		UserID:     sess.UserID,
	}

	gw := gateway.New(engine, nil, net, sess, logger.With("component", "gateway"))
	backups := backup.NewManager(backupCfg, store, snaps, net, engine, logger.With("component", "backup"), func(s backup.Status) {
		gw.Hub().Broadcast(gateway.Event{Type: "backup_status", Payload: s})
	})
	gw.SetBackups(backups)

	backups.Start(ctx)
	defer backups.Stop()
	gw.Start(ctx)

	httpServer := &http.Server{
		Addr:         ":" + port,
		Handler:      gw.Router(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		fmt.Printf("shoplistd running at http://localhost:%s\n", port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	fmt.Println("\nShutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("shutdown error: %v", err)
	}
}
