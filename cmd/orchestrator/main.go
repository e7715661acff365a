package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/vikashloomba/mcp-orchestrator-go/internal/config"
	"github.com/vikashloomba/mcp-orchestrator-go/pkg/catalog"
	"github.com/vikashloomba/mcp-orchestrator-go/pkg/engine"
	"github.com/vikashloomba/mcp-orchestrator-go/pkg/llms/openai"
	"github.com/vikashloomba/mcp-orchestrator-go/pkg/mcpmgr"
	"github.com/vikashloomba/mcp-orchestrator-go/pkg/orchestrator"
	"github.com/vikashloomba/mcp-orchestrator-go/pkg/router"
)

func main() {
	configPath := flag.String("config", config.DefaultPath, "path to the YAML configuration")
	query := flag.String("q", "", "answer a single query and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	if err := run(cfg, *query, logger); err != nil {
		logger.Error("orchestrator stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, query string, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sig := newInterrupts(cancel)
	defer sig.stop()

	model := openai.New(&openai.Options{
		APIKey:      cfg.Model.APIKey,
		BaseURL:     cfg.Model.BaseURL,
		Model:       cfg.Model.Name,
		Temperature: cfg.Model.Temperature,
		MaxTokens:   cfg.Model.MaxTokens,
		Logger:      logger,
	})
	o := orchestrator.New(model, &orchestrator.Options{
		Registry: &mcpmgr.Options{ClientName: "mcp-orchestrator", LogJSONRPC: cfg.Log.JSONRPC},
		Router:   &router.Options{ValidateArguments: cfg.Engine.ValidateArguments},
		Engine: &engine.Options{
			MaxTurns:     cfg.Engine.MaxTurns,
			ToolTimeout:  cfg.Engine.ToolTimeout,
			SystemPrompt: cfg.Engine.SystemPrompt,
		},
		Logger: logger,
	})
	defer func() {
		if err := o.Close(10 * time.Second); err != nil {
			logger.Warn("disconnect", "error", err)
		}
	}()

	res, err := o.Connect(ctx, cfg.Endpoints())
	printConnect(res)
	if err != nil {
		return err
	}
	printCatalog(o.Catalog().Current())

	if query != "" {
		return printOutcome(ask(ctx, sig, o.NewConversation(), query))
	}
	return chat(ctx, sig, o.NewConversation())
}

// interrupts routes ctrl-C to the running query, or ends the program when no
// query is running. SIGTERM always ends the program.
type interrupts struct {
	mu     sync.Mutex
	query  context.CancelFunc
	cancel context.CancelFunc
	ch     chan os.Signal
	done   chan struct{}
}

func newInterrupts(cancel context.CancelFunc) *interrupts {
	in := &interrupts{cancel: cancel, ch: make(chan os.Signal, 1), done: make(chan struct{})}
	signal.Notify(in.ch, os.Interrupt, syscall.SIGTERM)
	go in.loop()
	return in
}

func (in *interrupts) loop() {
	for {
		select {
		case <-in.done:
			return
		case s := <-in.ch:
			in.mu.Lock()
			query := in.query
			in.mu.Unlock()
			if s == os.Interrupt && query != nil {
				fmt.Println("\n[query cancelled]")
				query()
				continue
			}
			in.cancel()
		}
	}
}

func (in *interrupts) setQuery(cancel context.CancelFunc) {
	in.mu.Lock()
	in.query = cancel
	in.mu.Unlock()
}

func (in *interrupts) stop() {
	signal.Stop(in.ch)
	close(in.done)
}

// ask runs one query; ctrl-C cancels it without leaving the program.
func ask(ctx context.Context, sig *interrupts, conv *engine.Conversation, query string) *engine.Outcome {
	qctx, cancel := context.WithCancel(ctx)
	defer cancel()
	sig.setQuery(cancel)
	defer sig.setQuery(nil)
	return conv.Ask(qctx, query)
}

func chat(ctx context.Context, sig *interrupts, conv *engine.Conversation) error {
	fmt.Println("Type a question, 'reset' to clear history, or 'quit' to exit.")
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		scanErr <- scanner.Err()
	}()
	for {
		fmt.Print("> ")
		var line string
		select {
		case <-ctx.Done():
			fmt.Println()
			return nil
		case err := <-scanErr:
			fmt.Println()
			return err
		case line = <-lines:
		}
		line = strings.TrimSpace(line)
		switch line {
		case "":
			continue
		case "quit", "exit":
			return nil
		case "reset":
			conv.Reset()
			continue
		}
		if err := printOutcome(ask(ctx, sig, conv, line)); err != nil {
			fmt.Printf("[%v]\n", err)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func printConnect(res *mcpmgr.ConnectResult) {
	if res == nil {
		return
	}
	for _, s := range res.Sessions {
		fmt.Printf("connected: %s\n", s.ServerID())
	}
	for _, f := range res.Failures {
		fmt.Printf("failed:    %s: %v\n", f.Endpoint.ID, f.Err)
	}
}

func printCatalog(c *catalog.Catalog) {
	for _, f := range c.Failures() {
		fmt.Printf("discovery failed: %s: %v\n", f.ServerID, f.Err)
	}
	fmt.Printf("%d tools available\n", c.Len())
	for _, d := range c.DescribeForModel() {
		fmt.Printf("  %-32s %s\n", d.Name, d.ServerID)
	}
}

func printOutcome(out *engine.Outcome) error {
	// only this query's turns; earlier ones are carried history
	start := 0
	for i, turn := range out.Turns {
		if turn.Role == engine.RoleUser {
			start = i
		}
	}
	for _, turn := range out.Turns[start:] {
		for _, ex := range turn.Exchanges {
			fmt.Printf("  [%s] %s (%s, %s)\n", ex.Result.Status, ex.Request.Name, ex.Result.ServerID, ex.Result.Elapsed.Round(time.Millisecond))
		}
	}
	if out.State == engine.StateDone {
		fmt.Println(out.Answer)
		return nil
	}
	return out.Err
}
