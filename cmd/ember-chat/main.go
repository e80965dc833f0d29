package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ember-chat/ember-chat/api"
	"github.com/ember-chat/ember-chat/config"
	"github.com/ember-chat/ember-chat/globals"
	"github.com/ember-chat/ember-chat/moderation"
	"github.com/ember-chat/ember-chat/persistence"
	"github.com/ember-chat/ember-chat/presence"
	"github.com/ember-chat/ember-chat/ratelimit"
	"github.com/ember-chat/ember-chat/ws"
	"github.com/gorilla/mux"
	"github.com/hashicorp/go-hclog"
	"github.com/spf13/pflag"
)

var (
	configPath = pflag.StringP("config", "c", "", "path to config file or directory")
	addr       = pflag.String("addr", "localhost:8000", "service address (including port)")
	sslCert    = pflag.String("ssl-cert", "", "SSL cert (optional)")
	sslKey     = pflag.String("ssl-key", "", "SSL key (optional)")
)

func main() {
	flagSet := config.GetFlagSet()
	pflag.CommandLine.AddFlagSet(flagSet)
	pflag.Parse()

	cfg, err := config.ReadConfiguration(*configPath, flagSet)
	if err != nil {
		panic(err)
	}
	globals.AppLogger.SetLevel(hclog.LevelFromString(cfg.LogLevel))

	persister, err := persistence.NewPersister(cfg)
	if err != nil {
		panic(err)
	}
	defer persister.Close()

	maxMessages := cfg.RateLimitConfig.MaxMessages
	if maxMessages <= 0 {
		maxMessages = 10
	}
	windowSeconds := cfg.RateLimitConfig.WindowSeconds
	if windowSeconds <= 0 {
		windowSeconds = 60
	}
	cacheSize := cfg.RateLimitConfig.CacheSize
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	limiter, err := ratelimit.New(maxMessages, time.Duration(windowSeconds)*time.Second, cacheSize)
	if err != nil {
		panic(err)
	}

	hub := ws.NewHub(cfg, presence.NewRegistry(), persister, limiter)
	go hub.Run()

	gateway := moderation.NewGateway(hub, persister)
	server := api.NewServer(cfg, hub, gateway, persister)

	router := mux.NewRouter()
	server.Routes(router)
	router.HandleFunc("/ws", ws.ServeWS(hub, []byte(cfg.JWTSecret)))
	router.PathPrefix("/uploads/").Handler(http.StripPrefix("/uploads/", http.FileServer(http.Dir(cfg.UploadDir))))

	httpServer := &http.Server{Addr: *addr, Handler: router}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		globals.AppLogger.Info("shutting down")
		hub.Shutdown()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			globals.AppLogger.Error("could not shut down cleanly", "error", err)
		}
	}()

	globals.AppLogger.Info("listening", "addr", *addr)
	if *sslCert != "" && *sslKey != "" {
		err = httpServer.ListenAndServeTLS(*sslCert, *sslKey)
	} else {
		err = httpServer.ListenAndServe()
	}
	if err != nil && err != http.ErrServerClosed {
		globals.AppLogger.Error("server error", "error", err)
		os.Exit(1)
	}
}
