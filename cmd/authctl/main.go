package main

import (
	"bufio"
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/moodesky/atproto-auth/accounts"
	"github.com/moodesky/atproto-auth/auth"
	"github.com/moodesky/atproto-auth/internal/config"
	"github.com/moodesky/atproto-auth/internal/redact"
	"github.com/moodesky/atproto-auth/securestore"
	"github.com/moodesky/atproto-auth/securestore/filestore"
	"github.com/moodesky/atproto-auth/securestore/memstore"
	"github.com/moodesky/atproto-auth/securestore/redisstore"
	"github.com/moodesky/atproto-auth/sessions"
	"github.com/moodesky/atproto-auth/token"
	"github.com/moodesky/atproto-auth/transport/xrpc"
)

const usage = `usage: authctl <command> [flags]

commands:
  login    -identifier <handle|email> [-service <url>]
  list
  refresh  -did <did>
  remove   -id <account id>
  watch

The app password for login is read from AUTH_APP_PASSWORD, or prompted.`

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "authctl: %s\n", err)
		os.Exit(1)
	}
}

func run() (returnError error) {
	defer func() {
		if r := recover(); r != nil {
			debug.PrintStack()
			returnError = errors.Errorf("panic recovered: %v", r)
		}
	}()

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		return errors.New("missing command")
	}
	command := os.Args[1]

	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.LogLevel)

	store, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	accountStore, err := accounts.NewStore(store)
	if err != nil {
		return err
	}
	client := xrpc.NewClient()

	ctx := context.Background()
	manager, err := sessions.NewManager(ctx, accountStore, client, sessions.Config{
		RefreshMargin:     cfg.RefreshMargin,
		RefreshBackoff:    cfg.RefreshBackoff,
		MaxRefreshBackoff: cfg.MaxRefreshBackoff,
	}, sessions.WithLogger(logger))
	if err != nil {
		return err
	}
	service, err := auth.NewService(accountStore, manager, client,
		auth.WithLogger(logger),
		auth.WithDefaultServiceURL(cfg.ServiceURL),
	)
	if err != nil {
		return err
	}

	switch command {
	case "login":
		return cmdLogin(ctx, service, os.Args[2:])
	case "list":
		return cmdList(ctx, service)
	case "refresh":
		return cmdRefresh(ctx, service, os.Args[2:])
	case "remove":
		return cmdRemove(ctx, service, os.Args[2:])
	case "watch":
		return cmdWatch(manager, logger)
	default:
		fmt.Fprintln(os.Stderr, usage)
		return errors.Errorf("unknown command %q", command)
	}
}

func cmdLogin(ctx context.Context, service *auth.Service, args []string) error {
	flags := flag.NewFlagSet("login", flag.ExitOnError)
	identifier := flags.String("identifier", "", "handle or email to authenticate as")
	serviceURL := flags.String("service", "", "PDS URL (defaults to the configured service)")
	if err := flags.Parse(args); err != nil {
		return err
	}

	secret := os.Getenv("AUTH_APP_PASSWORD")
	if secret == "" {
		fmt.Fprint(os.Stderr, "app password: ")
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil {
			return errors.Wrap(err, "reading app password")
		}
		secret = strings.TrimSpace(line)
	}

	account, err := service.Login(ctx, *identifier, secret, *serviceURL)
	if err != nil {
		return err
	}
	fmt.Printf("logged in as %s (%s)\n", account.Handle, account.ID)
	return nil
}

func cmdList(ctx context.Context, service *auth.Service) error {
	listed, err := service.GetAllAccounts(ctx)
	if err != nil {
		return err
	}
	if len(listed) == 0 {
		fmt.Println("no accounts")
		return nil
	}
	for _, account := range listed {
		remaining := token.RemainingSeconds(account.Session.AccessToken)
		fmt.Printf("%s  %-28s  %s  expires in %s\n",
			account.ID, account.Handle, account.DID,
			(time.Duration(remaining) * time.Second).String())
	}
	return nil
}

func cmdRefresh(ctx context.Context, service *auth.Service, args []string) error {
	flags := flag.NewFlagSet("refresh", flag.ExitOnError)
	did := flags.String("did", "", "subject to refresh")
	if err := flags.Parse(args); err != nil {
		return err
	}

	session, err := service.RefreshSession(ctx, *did)
	if err != nil {
		return err
	}
	fmt.Printf("session rotated, expires %s\n", session.ExpiresAt.Format(time.RFC3339))
	return nil
}

func cmdRemove(ctx context.Context, service *auth.Service, args []string) error {
	flags := flag.NewFlagSet("remove", flag.ExitOnError)
	id := flags.String("id", "", "account identifier to remove")
	if err := flags.Parse(args); err != nil {
		return err
	}

	if err := service.RemoveAccount(ctx, *id); err != nil {
		return err
	}
	fmt.Println("account removed")
	return nil
}

func cmdWatch(manager *sessions.Manager, logger zerolog.Logger) error {
	displayAppname("authctl")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- manager.Run(ctx) }()

	logger.Info().Msg("watching sessions, ctrl-c to stop")
	waitForStopSignal()
	cancel()
	return <-done
}

func waitForStopSignal() {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
}

// openStore picks the persistence backend: Redis when configured, the
// sealed file store when a path and key are configured, in-memory
// otherwise.
func openStore(cfg *config.Config, logger zerolog.Logger) (securestore.Store, error) {
	if cfg.RedisAddr != "" {
		return redisstore.New(redisstore.Config{RedisAddr: cfg.RedisAddr})
	}
	if cfg.StorePath != "" {
		raw, err := hex.DecodeString(cfg.StoreKey)
		if err != nil || len(raw) != 32 {
			return nil, errors.New("AUTH_STORE_KEY must be 64 hex characters")
		}
		var key [32]byte
		copy(key[:], raw)
		return filestore.New(cfg.StorePath, key), nil
	}
	logger.Warn().Msg("no store configured, accounts will not persist")
	return memstore.New(), nil
}

// Every diagnostic line passes through the redacting writer before it can
// reach a terminal or a log file.
func newLogger(level string) zerolog.Logger {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		parsed = zerolog.InfoLevel
	}
	console := zerolog.ConsoleWriter{Out: redact.NewWriter(os.Stderr), TimeFormat: time.RFC3339}
	return zerolog.New(console).Level(parsed).With().Timestamp().Logger()
}

func displayAppname(appname string) {
	myFigure := figure.NewFigure(appname, "cybermedium", true)
	myFigure.Print()
	fmt.Println()
}
