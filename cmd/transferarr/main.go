// Command transferarr is the process entry point, wiring config,
// state store, endpoints, managers, connections/executors, the
// orchestrator, the history sink, and the HTTP status surface the way
// cmd/omnicloud/main.go wires its own services: construct in
// dependency order, start background goroutines, block on a signal,
// then shut down with a bounded deadline.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/transferarr/transferarr/internal/api"
	"github.com/transferarr/transferarr/internal/config"
	"github.com/transferarr/transferarr/internal/endpoint"
	"github.com/transferarr/transferarr/internal/endpoint/deluge"
	"github.com/transferarr/transferarr/internal/endpoint/qbittorrent"
	"github.com/transferarr/transferarr/internal/executor"
	"github.com/transferarr/transferarr/internal/history"
	"github.com/transferarr/transferarr/internal/manager"
	"github.com/transferarr/transferarr/internal/manager/radarr"
	"github.com/transferarr/transferarr/internal/manager/sonarr"
	"github.com/transferarr/transferarr/internal/orchestrator"
	"github.com/transferarr/transferarr/internal/state"
	"github.com/transferarr/transferarr/internal/transport"
	"github.com/transferarr/transferarr/internal/transport/localfs"
	"github.com/transferarr/transferarr/internal/transport/sftp"
)

func main() {
	configPath := flag.String("config", os.Getenv("TRANSFERARR_CONFIG"), "path to config file")
	stateDir := flag.String("state-dir", os.Getenv("TRANSFERARR_STATE_DIR"), "directory holding the state file")
	flag.Parse()

	if *configPath == "" {
		log.Println("--config (or TRANSFERARR_CONFIG) is required")
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Printf("configuration error: %v", err)
		os.Exit(1)
	}
	if *stateDir != "" {
		cfg.StateDir = *stateDir
	}

	log.Printf("transferarr starting: %d media managers, %d download clients, %d connections",
		len(cfg.MediaManagers), len(cfg.DownloadClients), len(cfg.Connections))

	if err := os.MkdirAll(cfg.StateDir, 0755); err != nil {
		log.Printf("cannot create state dir %s: %v", cfg.StateDir, err)
		os.Exit(1)
	}

	store := state.NewStore(filepath.Join(cfg.StateDir, "torrents.json"))
	if err := store.Load(); err != nil {
		log.Printf("state file unreadable, starting with an empty store: %v", err)
	}

	endpoints, endpointsByName := buildEndpoints(cfg)
	managers := buildManagers(cfg)

	var historySink orchestrator.History = noopHistory{}
	var execHistory executor.History = noopHistory{}
	if cfg.HistoryDSN != "" {
		db, err := history.Connect(cfg.HistoryDSN)
		if err != nil {
			log.Printf("history sink unavailable, continuing without it: %v", err)
		} else {
			defer db.Close()
			sink := history.NewSink(db)
			historySink = sink
			execHistory = sink
		}
	}

	handleFor := func(hash string) *state.Handle { return store.NewHandle(hash) }

	connections, executors := buildConnections(cfg, endpointsByName, execHistory, handleFor)

	tunables := tunablesFromConfig(cfg)
	orc := orchestrator.New(store, managers, endpoints, connections, tunables, historySink)

	hub := api.NewHub()
	orc.SetNotifier(hub)

	server := api.NewServer(cfg.HTTPAddr, store, hub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go hub.Run()

	for _, ex := range executors {
		ex.Start(ctx)
	}

	go func() {
		if err := server.Start(); err != nil {
			log.Printf("api server error: %v", err)
		}
	}()

	runErr := make(chan error, 1)
	go func() {
		runErr <- orc.Run(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	exitCode := 0
	select {
	case <-sigCh:
		log.Println("shutdown signal received")
	case err := <-runErr:
		if err != nil {
			log.Printf("orchestrator stopped: %v", err)
			exitCode = 2
		}
	}

	cancel()
	for _, ex := range executors {
		ex.Stop()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("api server shutdown error: %v", err)
	}

	log.Println("transferarr stopped")
	os.Exit(exitCode)
}

func tunablesFromConfig(cfg config.Config) orchestrator.Tunables {
	t := orchestrator.DefaultTunables()
	if cfg.Tunables.TickSeconds > 0 {
		t.Tick = time.Duration(cfg.Tunables.TickSeconds) * time.Second
	}
	if cfg.Tunables.UnclaimedLimit > 0 {
		t.UnclaimedLimit = cfg.Tunables.UnclaimedLimit
	}
	if cfg.Tunables.CopyRetryLimit > 0 {
		t.CopyRetryLimit = cfg.Tunables.CopyRetryLimit
	}
	if cfg.Tunables.PostIngestTicks > 0 {
		t.PostIngestTicks = cfg.Tunables.PostIngestTicks
	}
	if cfg.Tunables.CallTimeoutSeconds > 0 {
		t.CallTimeout = time.Duration(cfg.Tunables.CallTimeoutSeconds) * time.Second
	}
	return t
}

func buildEndpoints(cfg config.Config) ([]orchestrator.EndpointBinding, map[string]endpoint.Client) {
	byName := make(map[string]endpoint.Client, len(cfg.DownloadClients))
	bindings := make([]orchestrator.EndpointBinding, 0, len(cfg.DownloadClients))

	for name, dc := range cfg.DownloadClients {
		var client endpoint.Client
		switch dc.Kind {
		case "qbittorrent":
			client = qbittorrent.New(qbittorrent.Config{
				Name:     name,
				Host:     dc.Host,
				Port:     dc.Port,
				Username: dc.Username,
				Password: dc.Password,
			})
		case "deluge":
			client = deluge.New(deluge.Config{
				Name:     name,
				Host:     dc.Host,
				Port:     dc.Port,
				Password: dc.Password,
			})
		default:
			log.Printf("download_clients[%s]: unknown kind %q, skipping", name, dc.Kind)
			continue
		}
		byName[name] = client
		bindings = append(bindings, orchestrator.EndpointBinding{Name: name, Client: client})
	}
	return bindings, byName
}

func buildManagers(cfg config.Config) []manager.Adapter {
	adapters := make([]manager.Adapter, 0, len(cfg.MediaManagers))
	for _, mm := range cfg.MediaManagers {
		url := mm.Host
		if mm.Port != 0 {
			url = mm.Host + ":" + strconv.Itoa(mm.Port)
		}
		switch mm.Kind {
		case "radarr":
			adapters = append(adapters, radarr.New(radarr.Config{Name: mm.Name, URL: url, APIKey: mm.APIKey}))
		case "sonarr":
			adapters = append(adapters, sonarr.New(sonarr.Config{Name: mm.Name, URL: url, APIKey: mm.APIKey}))
		default:
			log.Printf("media_managers: unknown kind %q, skipping", mm.Kind)
		}
	}
	return adapters
}

func buildConnections(cfg config.Config, endpointsByName map[string]endpoint.Client, execHistory executor.History, handles func(hash string) *state.Handle) ([]orchestrator.ConnectionBinding, []*executor.Executor) {
	bindings := make([]orchestrator.ConnectionBinding, 0, len(cfg.Connections))
	executors := make([]*executor.Executor, 0, len(cfg.Connections))

	for name, cc := range cfg.Connections {
		targetClient, ok := endpointsByName[cc.To]
		if !ok {
			log.Printf("connections[%s]: unknown target client %q, skipping", name, cc.To)
			continue
		}

		srcTransport, err := buildTransport(cc.Transfer.From)
		if err != nil {
			log.Printf("connections[%s]: source transport: %v, skipping", name, err)
			continue
		}
		dstTransport, err := buildTransport(cc.Transfer.To)
		if err != nil {
			log.Printf("connections[%s]: target transport: %v, skipping", name, err)
			continue
		}

		conn := executor.Connection{
			Name:                 name,
			HomeClientName:       cc.From,
			TargetClientName:     cc.To,
			SourceTransport:      srcTransport,
			TargetTransport:      dstTransport,
			TargetClient:         targetClient,
			SourceMetainfoDir:    cc.SourceMetainfoDir,
			SourcePayloadDir:     cc.SourcePayloadDir,
			TargetMetainfoTmpDir: cc.TargetMetainfoTmpDir,
			TargetPayloadDir:     cc.TargetPayloadDir,
			Workers:              cc.Workers,
		}
		ex := executor.New(conn, execHistory, handles)
		executors = append(executors, ex)
		bindings = append(bindings, orchestrator.ConnectionBinding{
			Name:     name,
			From:     cc.From,
			To:       cc.To,
			Executor: ex,
		})
	}
	return bindings, executors
}

func buildTransport(desc config.TransferDescriptor) (transport.Transport, error) {
	switch desc.Kind {
	case "local":
		return localfs.New("/"), nil
	case "sftp":
		return sftp.New(sftp.Config{
			Host:           desc.SFTP.Host,
			Port:           desc.SFTP.Port,
			Username:       desc.SFTP.Username,
			Password:       desc.SFTP.Password,
			PrivateKeyPath: desc.SFTP.PrivateKey,
			SSHConfigHost:  desc.SFTP.SSHConfigHost,
			SSHConfigFile:  desc.SFTP.SSHConfigFile,
		}), nil
	default:
		return nil, unknownTransportKind(desc.Kind)
	}
}

type unknownTransportKind string

func (k unknownTransportKind) Error() string { return "unknown transfer_config kind " + string(k) }

// noopHistory satisfies both orchestrator.History and executor.History
// when no history_dsn is configured, so the driver and executors never
// need nil checks on their history field.
type noopHistory struct{}

func (noopHistory) RecordCompleted(hash string)      {}
func (noopHistory) RecordFailed(hash, reason string) {}
func (noopHistory) RecordTransferStarted(hash, name, from, to string, size int64) {}
func (noopHistory) RecordProgress(hash string, bytesDone, bytesTotal int64, speed float64) {}
