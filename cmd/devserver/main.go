package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"wallet_chat/internal/devserver"
	"wallet_chat/internal/utils/log"
)

// devserver hosts every remote collaborator the inbox client talks to:
// messaging backend, identity directory, reverse name lookup and push
// notification endpoint. State is in-memory only.
func main() {
	addr := flag.String("addr", "localhost:9090", "listen address")
	flag.Parse()

	srv := devserver.New()

	go func() {
		if err := srv.Run(*addr); err != nil {
			log.Fatal("devserver stopped", zap.Error(err))
		}
	}()

	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)
	<-done
}
