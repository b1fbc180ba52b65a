// scheduled-handler is an example worker: it exposes a few demonstration
// methods, registers itself with the coordinator, and serves calls until
// interrupted.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/relaycore/scheduled/pkg/handler"
	"github.com/relaycore/scheduled/pkg/log"
)

var (
	handlerID   = flag.String("id", "example-handler", "Handler id to register under")
	listenAddr  = flag.String("listen", "127.0.0.1:0", "Address to serve calls on")
	coordinator = flag.String("coordinator", "127.0.0.1:7070", "Coordinator registration address")
	logLevel    = flag.String("log-level", "info", "Log level")
)

func main() {
	flag.Parse()
	log.Init(log.Config{Level: log.Level(*logLevel)})

	h := handler.New(*handlerID)
	h.RegisterMethod("echo", func(params map[string]any) (any, error) {
		return params, nil
	})
	h.RegisterMethod("time", func(params map[string]any) (any, error) {
		return map[string]any{"now": time.Now().UTC().Format(time.RFC3339)}, nil
	})
	h.RegisterMethod("write", func(params map[string]any) (any, error) {
		path, _ := params["path"].(string)
		content, _ := params["content"].(string)
		if path == "" {
			return nil, fmt.Errorf("write requires a path param")
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			return nil, err
		}
		return map[string]any{"written": len(content)}, nil
	})

	addr, err := h.Start(*listenAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := h.RegisterWith(*coordinator, addr); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	// Best-effort offline report; the coordinator records it as this
	// handler's status (dispatch itself does not consult the status).
	_ = h.ReportStatus(*coordinator, "offline")
	h.Stop()
}
