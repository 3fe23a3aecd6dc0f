// cmd/overlaynode is the main entrypoint for an overlay node.
//
// Configuration is entirely via flags, with an optional YAML file
// overlay, so a single binary can serve any role in the network.
//
// Example — bootstrap the first node:
//
//	./overlaynode --id node1 --key aaaa --url ws://localhost:8080/ws --addr :8080
//
// Example — join an existing network:
//
//	./overlaynode --id node2 --key bbbb --url ws://localhost:8081/ws --addr :8081 \
//	              --peers ws://localhost:8080/ws
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/abelab/overlay/internal/config"
	"github.com/abelab/overlay/internal/controlapi"
	"github.com/abelab/overlay/internal/keyspace"
	"github.com/abelab/overlay/internal/node"
)

func main() {
	cfg := config.Defaults()

	// --config has to be known before the rest of the flags are bound to
	// cfg's fields (BindFlags captures cfg's current values as defaults),
	// so it's pulled out of the argument list by hand first rather than
	// through a second flag.Parse pass, which would panic re-registering
	// the same flag names on flag.CommandLine.
	if path := configFlagValue(os.Args[1:]); path != "" {
		if err := cfg.LoadYAML(path); err != nil {
			log.Fatalf("FATAL: %v", err)
		}
	}

	flag.String("config", "", "optional YAML config file, overlaid before flags")
	key := flag.String("key", "", "ring key this node occupies (defaults to --id)")
	peersFlag := flag.String("peers", "", "comma-separated introducer URLs to join through")
	cfg.BindFlags(flag.CommandLine)
	flag.Parse()

	if *peersFlag != "" {
		cfg.Peers = strings.Split(*peersFlag, ",")
	}
	if cfg.NodeID == "" {
		// No stable identity supplied: mint one. A fresh node joining as
		// an anonymous peer is a normal bootstrap path, not an error.
		cfg.NodeID = uuid.NewString()
	}
	ringKey := keyspace.Key(*key)
	if ringKey == "" {
		ringKey = keyspace.Key(cfg.NodeID)
	}

	log := logrus.New()
	entry := log.WithField("node", cfg.NodeID)

	n, err := node.New(ringKey, cfg, entry, nil)
	if err != nil {
		entry.WithError(err).Fatal("open node")
	}
	defer n.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ReplyTimeout*2)
	if err := n.Join(ctx); err != nil {
		cancel()
		entry.WithError(err).Fatal("join overlay")
	}
	cancel()

	n.StartBackgroundLoops(context.Background())

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(controlapi.Logger(entry), controlapi.Recovery(entry))

	handler := controlapi.NewHandler(n, entry)
	handler.Register(router)
	router.GET("/ws", gin.WrapF(n.HandleWS))

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		entry.WithFields(logrus.Fields{
			"listen_addr": cfg.ListenAddr,
			"url":         cfg.MyURL,
			"key":         string(ringKey),
		}).Info("overlay node up")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			entry.WithError(err).Fatal("control API server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	entry.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	leaveCtx, leaveCancel := context.WithTimeout(context.Background(), cfg.ReplyTimeout)
	if err := n.Ring.Leave(leaveCtx, n.RingN); err != nil {
		entry.WithError(err).Warn("graceful ring leave failed")
	}
	leaveCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		entry.WithError(err).Warn("control API shutdown error")
	}
}

// configFlagValue finds -config/--config's value in args without a full
// flag.Parse, supporting both "-config=path" and "-config path" forms.
func configFlagValue(args []string) string {
	for i, a := range args {
		switch {
		case strings.HasPrefix(a, "-config="):
			return strings.TrimPrefix(a, "-config=")
		case strings.HasPrefix(a, "--config="):
			return strings.TrimPrefix(a, "--config=")
		case a == "-config" || a == "--config":
			if i+1 < len(args) {
				return args[i+1]
			}
		}
	}
	return ""
}
