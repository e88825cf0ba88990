// herochatd is the HeroChat relay daemon.
package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/carlmjohnson/versioninfo"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/op/go-logging.v1"

	"herochat/auth"
	"herochat/config"
	hlog "herochat/logging"
	"herochat/server"
	"herochat/store"
)

func main() {
	cfgFile := flag.String("f", "", "path to the config file")
	version := flag.Bool("v", false, "print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("herochatd %s\n", versioninfo.Short())
		return
	}

	cfg, err := config.Load(*cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "herochatd: %v\n", err)
		os.Exit(1)
	}

	logBackend, err := hlog.New(cfg.Logging.File, cfg.Logging.Level, cfg.Logging.Disable)
	if err != nil {
		fmt.Fprintf(os.Stderr, "herochatd: %v\n", err)
		os.Exit(1)
	}
	log := logBackend.GetLogger("main")

	st, err := store.New(cfg.Storage.Path)
	if err != nil {
		log.Fatalf("failed to open account store: %v", err)
	}
	defer st.Close()

	srv := server.New(st, &cfg.Server, logBackend)

	if cfg.Metrics.Address != "" {
		go func() {
			http.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(cfg.Metrics.Address, nil); err != nil {
				log.Errorf("metrics endpoint: %v", err)
			}
		}()
		log.Noticef("metrics on %s/metrics", cfg.Metrics.Address)
	}

	go controlSocket(cfg.Server.ControlSocket, srv, st, log)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Noticef("received signal %v, shutting down", sig)
		srv.Shutdown()
		os.Remove(cfg.Server.ControlSocket)
		os.Exit(0)
	}()

	if err := srv.Start(); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

// controlSocket serves line-oriented admin commands over a unix socket.
// Account registration and removal live here: there is no wire-protocol
// register action, accounts are provisioned server-side.
func controlSocket(path string, srv *server.Server, st *store.Store, log *logging.Logger) {
	os.Remove(path)

	listener, err := net.Listen("unix", path)
	if err != nil {
		log.Errorf("failed to create control socket: %v", err)
		return
	}
	defer listener.Close()
	defer os.Remove(path)

	log.Noticef("control socket listening on %s", path)

	for {
		conn, err := listener.Accept()
		if err != nil {
			continue
		}
		go handleControlCommand(conn, srv, st, log)
	}
}

func handleControlCommand(conn net.Conn, srv *server.Server, st *store.Store, log *logging.Logger) {
	defer conn.Close()

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		return
	}
	parts := strings.SplitN(strings.TrimSpace(line), "|", 3)

	switch parts[0] {
	case "stats":
		active := srv.ActiveSessions()
		fmt.Fprintf(conn, "OK|sessions=%d,accounts=%s\n", len(active), strings.Join(active, ";"))

	case "adduser":
		if len(parts) < 3 || parts[1] == "" || parts[2] == "" {
			fmt.Fprintf(conn, "ERROR|usage: adduser|name|password\n")
			return
		}
		name, password := parts[1], parts[2]
		err := st.RegisterAccount(name, auth.DeriveVerifier(name, password))
		if errors.Is(err, store.ErrDuplicate) {
			fmt.Fprintf(conn, "ERROR|account %s already exists\n", name)
			return
		}
		if err != nil {
			log.Errorf("adduser %s: %v", name, err)
			fmt.Fprintf(conn, "ERROR|internal error\n")
			return
		}
		log.Noticef("registered account %s", name)
		// Nudge live clients to refresh their account view.
		srv.ProbeSessions()
		fmt.Fprintf(conn, "OK|registered %s\n", name)

	case "deluser":
		if len(parts) < 2 || parts[1] == "" {
			fmt.Fprintf(conn, "ERROR|usage: deluser|name\n")
			return
		}
		err := st.RemoveAccount(parts[1])
		if errors.Is(err, store.ErrNoAccount) {
			fmt.Fprintf(conn, "ERROR|no such account: %s\n", parts[1])
			return
		}
		if err != nil {
			log.Errorf("deluser %s: %v", parts[1], err)
			fmt.Fprintf(conn, "ERROR|internal error\n")
			return
		}
		log.Noticef("removed account %s", parts[1])
		srv.ProbeSessions()
		fmt.Fprintf(conn, "OK|removed %s\n", parts[1])

	case "shutdown":
		fmt.Fprintf(conn, "OK|shutting down\n")
		conn.Close()
		log.Noticef("shutdown requested via control socket")
		srv.Shutdown()
		os.Exit(0)

	default:
		fmt.Fprintf(conn, "ERROR|unknown command\n")
	}
}
