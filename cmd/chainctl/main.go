package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"github.com/kmiyazaki/taskchain/internal/cache"
	"github.com/kmiyazaki/taskchain/internal/chain"
	"github.com/kmiyazaki/taskchain/internal/events"
	"github.com/kmiyazaki/taskchain/internal/library"
	"github.com/kmiyazaki/taskchain/internal/tasks"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		runRun(os.Args[2:])
	case "validate":
		runValidate(os.Args[2:])
	case "list":
		runList(os.Args[2:])
	case "version":
		fmt.Printf("chainctl %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runRun(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: chainctl run <template-file> [--json] [--metrics] [--redis <addr>] [--log-level <level>]")
		os.Exit(1)
	}

	file := args[0]
	rest := args[1:]

	var jsonOutput, metrics bool
	var redisAddr, logLevel string

	for i := 0; i < len(rest); i++ {
		switch rest[i] {
		case "--json":
			jsonOutput = true
		case "--metrics":
			metrics = true
		case "--redis":
			if i+1 >= len(rest) {
				fmt.Fprintln(os.Stderr, "--redis requires a value")
				os.Exit(1)
			}
			i++
			redisAddr = rest[i]
		case "--log-level":
			if i+1 >= len(rest) {
				fmt.Fprintln(os.Stderr, "--log-level requires a value")
				os.Exit(1)
			}
			i++
			logLevel = rest[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\n", rest[i])
			fmt.Fprintln(os.Stderr, "usage: chainctl run <template-file> [--json] [--metrics] [--redis <addr>] [--log-level <level>]")
			os.Exit(1)
		}
	}

	logger := newLogger(logLevel)

	bus := events.NewBus(64)
	defer bus.Close()
	unsub := bus.Subscribe(events.TaskFailed, func(ev events.Event) {
		logger.Warn("task failed", "task", ev.Data["task"], "err", ev.Data["err"])
	})
	defer unsub()

	c, err := chain.FromFile(file, tasks.DefaultRegistry(), chain.WithLogger(logger), chain.WithBus(bus))
	if err != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		logger.Warn("signal received, terminating chain")
		c.Terminate()
	}()

	if redisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: redisAddr})
		defer client.Close()
		reporter := cache.NewReporter(client, logger)
		stop := reporter.Track(ctx, c, bus)
		defer stop()
	}

	runErr := c.Run(ctx)

	printDocument(c.Result(), jsonOutput)
	if metrics {
		printDocument(c.PerformanceReport(), jsonOutput)
	}

	if runErr != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", runErr)
		os.Exit(1)
	}
}

func runValidate(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: chainctl validate <template-file>")
		os.Exit(1)
	}

	c, err := chain.FromFile(args[0], tasks.DefaultRegistry())
	if err != nil {
		fmt.Fprintf(os.Stderr, "validate: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("%s: ok (kind=%s name=%q tasks=%d)\n", args[0], c.Kind(), c.Name(), c.TemplateCount())
}

func runList(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: chainctl list <template-dir>")
		os.Exit(1)
	}

	lib := library.New(args[0], newLogger("warn"))
	if err := lib.Load(); err != nil {
		fmt.Fprintf(os.Stderr, "list: %v\n", err)
		os.Exit(1)
	}

	for _, name := range lib.Names() {
		fmt.Println(name)
	}
}

func newLogger(level string) *log.Logger {
	logger := log.New(os.Stderr)
	if level == "" {
		level = "info"
	}
	parsed, err := log.ParseLevel(level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %q\n", level)
		os.Exit(1)
	}
	logger.SetLevel(parsed)
	return logger
}

func printDocument(doc any, jsonOutput bool) {
	if jsonOutput {
		out, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "encode output: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(string(out))
		return
	}
	out, err := yaml.Marshal(doc)
	if err != nil {
		fmt.Fprintf(os.Stderr, "encode output: %v\n", err)
		os.Exit(1)
	}
	fmt.Print(string(out))
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `chainctl %s — declarative task chain runner

Usage: chainctl <command> [options]

Commands:
  run <file>        Execute a chain template
                    [--json] [--metrics] [--redis <addr>] [--log-level <level>]
  validate <file>   Parse and validate a chain template
  list <dir>        List templates in a directory
  version           Show version
  help              Show this help

`, version)
}
