// Command agentpay is the broker CLI: it exposes the setup, worker, client,
// autonomous-worker, autonomous-client, and demo-feed entrypoints spec.md §6
// names, dispatching on the first positional argument the way the teacher's
// per-role cmd/ binaries each own one flag.FlagSet. Grounded on
// cmd/client/main.go and cmd/server/main.go's flag-parse -> construct ->
// signal.Notify -> graceful-shutdown shape.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agentpay/broker/autonomous"
	"github.com/agentpay/broker/clearing"
	"github.com/agentpay/broker/config"
	"github.com/agentpay/broker/feed"
	"github.com/agentpay/broker/hirer"
	"github.com/agentpay/broker/httpserver"
	"github.com/agentpay/broker/identity"
	"github.com/agentpay/broker/metrics"
	"github.com/agentpay/broker/nameservice"
	"github.com/agentpay/broker/onchain"
	"github.com/agentpay/broker/orchestrator"
	"github.com/agentpay/broker/runtime"
	"github.com/agentpay/broker/workerserver"
)

// Exit codes, per spec.md §6: "0 success; 1 generic failure; 2
// configuration/identity error; 3 payment failure; 4 counterparty failure."
const (
	exitSuccess       = 0
	exitGenericFail   = 1
	exitConfigInvalid = 2
	exitPaymentFail   = 3
	exitCounterparty  = 4
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: agentpay <setup|worker|client|autonomous-worker|autonomous-client|demo-feed|registry|install-skill> [flags]")
		return exitGenericFail
	}

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "setup":
		return runSetup(rest)
	case "worker":
		return runWorker(rest)
	case "client":
		return runClient(rest)
	case "autonomous-worker":
		return runAutonomousWorker(rest)
	case "autonomous-client":
		return runAutonomousClient(rest)
	case "demo-feed":
		return runDemoFeed(rest)
	case "registry":
		return runRegistry(rest)
	case "install-skill":
		return runInstallSkill(rest)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		return exitGenericFail
	}
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}

// loadIdentity resolves an Identity the way spec.md 4.A specifies: a
// CLIENT_PRIVATE_KEY/WORKER_PRIVATE_KEY hex string, falling back to
// ErrIdentityUnavailable (mapped to exitConfigInvalid) if neither is usable.
func loadIdentity(name, hexKey string) (*identity.Identity, error) {
	if hexKey == "" {
		return nil, fmt.Errorf("%w: no private key configured", identity.ErrIdentityUnavailable)
	}
	return identity.FromHex(name, hexKey)
}

func runSetup(args []string) int {
	fs := flag.NewFlagSet("setup", flag.ContinueOnError)
	fs.Parse(args)

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		return exitConfigInvalid
	}

	name := cfg.ENSName
	if name == "" {
		name = "agent.eth"
	}

	key := cfg.ClientPrivateKey
	if key == "" {
		key = cfg.WorkerPrivateKey
	}
	if key == "" {
		fmt.Fprintln(os.Stderr, "no private key configured; set CLIENT_PRIVATE_KEY or WORKER_PRIVATE_KEY")
		return exitConfigInvalid
	}

	id, err := loadIdentity(name, key)
	if err != nil {
		fmt.Fprintln(os.Stderr, "identity error:", err)
		return exitConfigInvalid
	}

	fmt.Printf("identity: %s\naddress: %s\nendpoint: %s\npayment_method: %s\n",
		id.Name, id.Address.Hex(), cfg.Endpoint, cfg.PaymentMethod)
	return exitSuccess
}

func runWorker(args []string) int {
	fs := flag.NewFlagSet("worker", flag.ContinueOnError)
	listenAddr := fs.String("addr", ":8090", "worker HTTP listen address")
	metricsAddr := fs.String("metrics-addr", ":9090", "metrics listen address")
	taskType := fs.String("task-type", "summarize", "default task_type this worker prices")
	priceStr := fs.String("price", "1000000", "amount charged for -task-type, in the smallest asset unit")
	asset := fs.String("asset", "ytest.usd", "settlement asset symbol")
	if err := fs.Parse(args); err != nil {
		return exitGenericFail
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		return exitConfigInvalid
	}

	id, err := loadIdentity(orDefault(cfg.ENSName, "worker.eth"), cfg.WorkerPrivateKey)
	if err != nil {
		fmt.Fprintln(os.Stderr, "identity error:", err)
		return exitConfigInvalid
	}

	log := newLogger()
	rt := runtime.New(id, cfg, log, "agentpay_worker")

	price, ok := new(big.Int).SetString(*priceStr, 10)
	if !ok {
		fmt.Fprintln(os.Stderr, "invalid -price")
		return exitConfigInvalid
	}

	onChain, err := dialOnChain(context.Background(), cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "onchain dial error:", err)
		return exitConfigInvalid
	}

	dial := clearingDialer(id, cfg, rt.Metrics)
	verifier := workerserver.NewChainVerifier(onChain, dial)
	status := workerserver.NewFileStatusRecorder(cfg.StatusFile, log)

	echoWork := workCollaboratorFunc(func(ctx context.Context, taskType string, input json.RawMessage) (json.RawMessage, error) {
		return json.Marshal(map[string]any{"summary": "processed", "task_type": taskType})
	})

	srv := workerserver.New(workerserver.Config{
		Identity: id,
		Prices:   workerserver.PriceTable{*taskType: price},
		Asset:    *asset,
		Work:     echoWork,
		Verifier: verifier,
		Status:   status,
		Log:      log,
		Metrics:  rt.Metrics,
	})

	base := httpserver.New(&httpserver.Config{
		ListenAddr:               *listenAddr,
		MetricsAddr:              *metricsAddr,
		Log:                      log,
		DrainDuration:            5 * time.Second,
		GracefulShutdownDuration: 10 * time.Second,
		ReadTimeout:              15 * time.Second,
		WriteTimeout:             15 * time.Second,
	}, rt.Metrics, srv)

	base.RunInBackground()
	log.Info("worker listening", "addr", *listenAddr)
	waitForSignal()
	base.Shutdown()
	return exitSuccess
}

func runClient(args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: agentpay client <worker_name> [flags]")
		return exitGenericFail
	}
	workerName, rest := args[0], args[1:]

	fs := flag.NewFlagSet("client", flag.ContinueOnError)
	taskType := fs.String("task-type", "summarize", "task_type to request")
	input := fs.String("input", "{}", "input_data JSON payload")
	if err := fs.Parse(rest); err != nil {
		return exitGenericFail
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		return exitConfigInvalid
	}

	id, err := loadIdentity(orDefault(cfg.ENSName, "client.eth"), cfg.ClientPrivateKey)
	if err != nil {
		fmt.Fprintln(os.Stderr, "identity error:", err)
		return exitConfigInvalid
	}

	log := newLogger()
	rt := runtime.New(id, cfg, log, "agentpay_client")

	resolver, err := nameservice.NewResolver(orDefault(cfg.Endpoint, "http://localhost:8091"), 5*time.Minute, 256)
	if err != nil {
		fmt.Fprintln(os.Stderr, "nameservice error:", err)
		return exitConfigInvalid
	}

	onChain, err := dialOnChain(context.Background(), cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "onchain dial error:", err)
		return exitConfigInvalid
	}

	dial := clearingDialer(id, cfg, rt.Metrics)
	orch := orchestrator.New(id, onChain, dial, 1337, "ytest.usd", rt.Metrics)
	h := hirer.New(resolver, orch)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	result, err := h.Hire(ctx, workerName, *taskType, json.RawMessage(*input), cfg.PaymentMethod)
	if err != nil {
		fmt.Fprintln(os.Stderr, "hire error:", err)
		return exitGenericFail
	}

	body, _ := json.Marshal(result)
	fmt.Println(string(body))

	if result.Status != "completed" {
		return exitPaymentFail
	}
	return exitSuccess
}

func runAutonomousWorker(args []string) int {
	fs := flag.NewFlagSet("autonomous-worker", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return exitGenericFail
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		return exitConfigInvalid
	}
	if cfg.DemoFeedURL == "" {
		fmt.Fprintln(os.Stderr, "AGENTPAY_DEMO_FEED_URL is required for autonomous-worker")
		return exitConfigInvalid
	}

	id, err := loadIdentity(orDefault(cfg.ENSName, "worker.eth"), cfg.WorkerPrivateKey)
	if err != nil {
		fmt.Fprintln(os.Stderr, "identity error:", err)
		return exitConfigInvalid
	}

	log := newLogger()
	feedClient := feed.NewHTTPClient(cfg.DemoFeedURL)
	machine := autonomous.NewWorkerStateMachine()

	onOffer := func(ctx context.Context, offer autonomous.Offer, item feed.Item) {
		if err := machine.Transition(autonomous.StateOfferSeen); err != nil {
			log.Warn("autonomous-worker: cannot accept offer in current state", "err", err)
			return
		}
		reply := fmt.Sprintf("[AGENTPAY_ACCEPT]\nens: %s", id.Name)
		if _, err := feedClient.Post(ctx, reply, item.ThreadID); err != nil {
			log.Warn("autonomous-worker: failed to post accept", "err", err)
			machine.Transition(autonomous.StateIdle)
			return
		}
		machine.Transition(autonomous.StateAcceptSent)
	}

	loop, err := autonomous.NewLoop(feedClient, onOffer, nil, cfg.PollInterval, log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "loop error:", err)
		return exitGenericFail
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		waitForSignal()
		cancel()
	}()

	log.Info("autonomous-worker watching feed", "feed", cfg.DemoFeedURL)
	loop.Run(ctx)
	return exitSuccess
}

func runAutonomousClient(args []string) int {
	fs := flag.NewFlagSet("autonomous-client", flag.ContinueOnError)
	taskType := fs.String("task-type", "summarize", "task_type to advertise")
	price := fs.String("price", "1000000", "advertised price, in the smallest asset unit")
	if err := fs.Parse(args); err != nil {
		return exitGenericFail
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		return exitConfigInvalid
	}
	if cfg.DemoFeedURL == "" {
		fmt.Fprintln(os.Stderr, "AGENTPAY_DEMO_FEED_URL is required for autonomous-client")
		return exitConfigInvalid
	}

	id, err := loadIdentity(orDefault(cfg.ENSName, "client.eth"), cfg.ClientPrivateKey)
	if err != nil {
		fmt.Fprintln(os.Stderr, "identity error:", err)
		return exitConfigInvalid
	}

	log := newLogger()
	rt := runtime.New(id, cfg, log, "agentpay_client")
	feedClient := feed.NewHTTPClient(cfg.DemoFeedURL)

	resolver, err := nameservice.NewResolver(orDefault(cfg.Endpoint, "http://localhost:8091"), 5*time.Minute, 256)
	if err != nil {
		fmt.Fprintln(os.Stderr, "nameservice error:", err)
		return exitConfigInvalid
	}
	onChain, err := dialOnChain(context.Background(), cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "onchain dial error:", err)
		return exitConfigInvalid
	}
	dial := clearingDialer(id, cfg, rt.Metrics)
	orch := orchestrator.New(id, onChain, dial, 1337, "ytest.usd", rt.Metrics)
	h := hirer.New(resolver, orch)

	offerText := fmt.Sprintf("[AGENTPAY_OFFER]\ntask: %s\nens: %s\nprice: %s", *taskType, id.Name, *price)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	posted, err := feedClient.Post(ctx, offerText, "")
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to post offer:", err)
		return exitGenericFail
	}

	onAccept := func(ctx context.Context, accept autonomous.Accept, item feed.Item) {
		if item.ThreadID != posted.ThreadID {
			return
		}
		log.Info("autonomous-client: hiring accepted worker", "worker", accept.WorkerENS)
		result, err := h.Hire(ctx, accept.WorkerENS, *taskType, json.RawMessage(`{}`), cfg.PaymentMethod)
		if err != nil {
			log.Error("autonomous-client: hire failed", "err", err)
			return
		}
		log.Info("autonomous-client: hire finished", "status", result.Status)
	}

	loop, err := autonomous.NewLoop(feedClient, nil, onAccept, cfg.PollInterval, log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "loop error:", err)
		return exitGenericFail
	}

	go func() {
		waitForSignal()
		cancel()
	}()

	log.Info("autonomous-client watching feed for accepts", "feed", cfg.DemoFeedURL, "thread", posted.ThreadID)
	loop.Run(ctx)
	return exitSuccess
}

func runDemoFeed(args []string) int {
	fs := flag.NewFlagSet("demo-feed", flag.ContinueOnError)
	listenAddr := fs.String("addr", ":8765", "demo feed HTTP listen address")
	if err := fs.Parse(args); err != nil {
		return exitGenericFail
	}

	log := newLogger()
	srv := feed.NewServer()
	base := httpserver.New(&httpserver.Config{
		ListenAddr:               *listenAddr,
		Log:                      log,
		DrainDuration:            time.Second,
		GracefulShutdownDuration: 5 * time.Second,
		ReadTimeout:              15 * time.Second,
		WriteTimeout:             15 * time.Second,
	}, nil, srv)

	base.RunInBackground()
	log.Info("demo feed listening", "addr", *listenAddr)
	waitForSignal()
	base.Shutdown()
	return exitSuccess
}

// runRegistry serves the demo name-service registry: the resolver every
// worker/client-side component talks to via nameservice.Resolver.
func runRegistry(args []string) int {
	fs := flag.NewFlagSet("registry", flag.ContinueOnError)
	listenAddr := fs.String("addr", ":8091", "name-service HTTP listen address")
	adminToken := fs.String("admin-token", os.Getenv("AGENTPAY_REGISTRY_ADMIN_TOKEN"), "basic-auth token gating POST /register/{name}")
	if err := fs.Parse(args); err != nil {
		return exitGenericFail
	}

	log := newLogger()
	reg := nameservice.NewRegistry(*adminToken)
	base := httpserver.New(&httpserver.Config{
		ListenAddr:               *listenAddr,
		Log:                      log,
		DrainDuration:            time.Second,
		GracefulShutdownDuration: 5 * time.Second,
		ReadTimeout:              15 * time.Second,
		WriteTimeout:             15 * time.Second,
	}, nil, reg)

	base.RunInBackground()
	log.Info("name-service registry listening", "addr", *listenAddr)
	waitForSignal()
	base.Shutdown()
	return exitSuccess
}

// runInstallSkill is an explicit stub: spec.md §6 lists install-skill among
// the CLI surface's consumed commands, but installing a shell/editor skill
// integration is outside this module's scope (no such integration exists to
// install here).
func runInstallSkill(args []string) int {
	fmt.Println("install-skill: no external skill integration is bundled with this build")
	return exitSuccess
}

func waitForSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func dialOnChain(ctx context.Context, cfg *config.Config) (*onchain.Client, error) {
	if cfg.RPCURL == "" {
		return nil, errors.New("RPC_URL is required")
	}
	return onchain.Dial(ctx, cfg.RPCURL, onchain.Addresses{})
}

func clearingDialer(id *identity.Identity, cfg *config.Config, m *metrics.Metrics) func(ctx context.Context) (*clearing.Client, error) {
	return func(ctx context.Context) (*clearing.Client, error) {
		return clearing.Dial(ctx, cfg.Endpoint, id, "agentpay", clearing.AuthScope{
			ExpiresAt: time.Now().Add(time.Hour),
			Scope:     "agentpay",
		}, clearing.WithMetrics(m))
	}
}

type workCollaboratorFunc func(ctx context.Context, taskType string, input json.RawMessage) (json.RawMessage, error)

func (f workCollaboratorFunc) Perform(ctx context.Context, taskType string, input json.RawMessage) (json.RawMessage, error) {
	return f(ctx, taskType, input)
}
