package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
)

var errConfig = errors.New("invalid configuration")

func main() {
	os.Exit(run())
}

// Exit codes: 0 success, 1 configuration error, 2 transport failure,
// 3 decrypt failure.
func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: true})

	if err := rootCommand(logger).ExecuteContext(ctx); err != nil {
		logger.Error(err.Error())
		switch {
		case errors.Is(err, ErrDecrypt):
			return 3
		case errors.Is(err, errConfig):
			return 1
		default:
			return 2
		}
	}
	return 0
}

func rootCommand(logger *log.Logger) *cobra.Command {
	cfg := LoadConfig()
	var verbose bool

	root := &cobra.Command{
		Use:           "llm-dns-proxy",
		Short:         "LLM chat tunneled through DNS queries",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				logger.SetLevel(log.DebugLevel)
			}
		},
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(serverCommand(&cfg, logger))
	root.AddCommand(clientCommand(&cfg, logger))
	return root
}

func serverCommand(cfg *Config, logger *log.Logger) *cobra.Command {
	var genKey bool

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Start the DNS tunnel server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if genKey {
				fmt.Println(generateKey())
				return nil
			}
			return runServer(cmd.Context(), *cfg, logger)
		},
	}
	cmd.Flags().StringVar(&cfg.Host, "host", cfg.Host, "UDP bind address")
	cmd.Flags().IntVar(&cfg.Port, "port", cfg.Port, "UDP bind port")
	cmd.Flags().StringVar(&cfg.Suffix, "suffix", cfg.Suffix, "DNS name suffix to answer for")
	cmd.Flags().DurationVar(&cfg.SessionTTL, "session-ttl", cfg.SessionTTL, "idle timeout before session eviction")
	cmd.Flags().BoolVar(&genKey, "generate-key", false, "emit a fresh encryption key and exit")
	return cmd
}

func runServer(ctx context.Context, cfg Config, logger *log.Logger) error {
	if cfg.OpenAIAPIKey == "" {
		return fmt.Errorf("%w: OPENAI_API_KEY is required", errConfig)
	}
	if cfg.Key == "" {
		cfg.Key = generateKey()
		logger.Warn("LLM_PROXY_KEY not set, generated one for this run")
		fmt.Printf("LLM_PROXY_KEY=%s\n", cfg.Key)
	}
	crypto, err := NewCrypto(cfg.Key)
	if err != nil {
		return fmt.Errorf("%w: %v", errConfig, err)
	}

	store := NewStore(cfg.SessionTTL, logger)
	orc := NewOrchestrator(cfg, store, crypto, logger)
	srv := NewDNSServer(net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)), cfg.Suffix, store, orc, logger)

	go store.Sweep(ctx)
	go func() {
		<-ctx.Done()
		srv.Shutdown()
	}()
	return srv.Start()
}

func clientCommand(cfg *Config, logger *log.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Talk to a tunnel server",
	}

	var message string
	chat := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat, or send one message with -m",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClientFromConfig(*cfg, logger)
			if err != nil {
				return err
			}
			if message != "" {
				fmt.Printf("You: %s\n", message)
				fmt.Print("Assistant: ")
				err := client.SendTurn(cmd.Context(), message, func(token string) {
					fmt.Print(token)
				})
				fmt.Println()
				if err != nil {
					reportTurnError(os.Stdout, err)
					return err
				}
				return nil
			}
			return client.Chat(cmd.Context(), os.Stdin, os.Stdout)
		},
	}
	chat.Flags().StringVarP(&message, "message", "m", "", "send a single message and exit")

	test := &cobra.Command{
		Use:   "test-connection",
		Short: "Probe the tunnel server",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClientFromConfig(*cfg, logger)
			if err != nil {
				return err
			}
			if err := client.Test(); err != nil {
				fmt.Println("connection test failed")
				return err
			}
			fmt.Println("connection ok")
			return nil
		},
	}

	for _, sub := range []*cobra.Command{chat, test} {
		sub.Flags().StringVar(&cfg.Host, "server", cfg.Host, "DNS server address")
		sub.Flags().IntVar(&cfg.Port, "port", cfg.Port, "DNS server port")
		sub.Flags().StringVar(&cfg.Suffix, "suffix", cfg.Suffix, "DNS name suffix")
		cmd.AddCommand(sub)
	}
	return cmd
}

func newClientFromConfig(cfg Config, logger *log.Logger) (*Client, error) {
	if cfg.Key == "" {
		return nil, fmt.Errorf("%w: LLM_PROXY_KEY is required", errConfig)
	}
	crypto, err := NewCrypto(cfg.Key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errConfig, err)
	}
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	return NewClient(addr, cfg.Suffix, crypto, logger), nil
}
