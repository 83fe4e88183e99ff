// Package main provides the entry point for the insurance demo auth service.
// The server fronts a WSO2 Identity Server deployment with a small HTTP
// facade: PKCE login, email OTP step-up, token refresh, and an authorized
// proxy to the APIM/MCP resource gateway. A login mode drives the same flow
// from the terminal with a loopback callback server.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/lkokila/insurance-demo-wso2-apim-is-mcp/internal/api"
	"github.com/lkokila/insurance-demo-wso2-apim-is-mcp/internal/auth/wso2"
	"github.com/lkokila/insurance-demo-wso2-apim-is-mcp/internal/browser"
	"github.com/lkokila/insurance-demo-wso2-apim-is-mcp/internal/buildinfo"
	"github.com/lkokila/insurance-demo-wso2-apim-is-mcp/internal/config"
	"github.com/lkokila/insurance-demo-wso2-apim-is-mcp/internal/logging"
	"github.com/lkokila/insurance-demo-wso2-apim-is-mcp/internal/misc"
	"github.com/lkokila/insurance-demo-wso2-apim-is-mcp/internal/session"
	"github.com/lkokila/insurance-demo-wso2-apim-is-mcp/internal/store"
	"github.com/lkokila/insurance-demo-wso2-apim-is-mcp/internal/watcher"
)

var (
	Version           = "dev"
	Commit            = "none"
	BuildDate         = "unknown"
	DefaultConfigPath = "config.yaml"
)

const loginCallbackTimeout = 5 * time.Minute

func init() {
	logging.SetupBaseLogger()
	buildinfo.Version = Version
	buildinfo.Commit = Commit
	buildinfo.BuildDate = BuildDate
}

func main() {
	fmt.Printf("Insurance Demo Auth Service %s\n", buildinfo.String())

	var (
		configPath   string
		loginMode    bool
		noBrowser    bool
		callbackPort int
	)
	flag.StringVar(&configPath, "config", DefaultConfigPath, "Configuration file path")
	flag.BoolVar(&loginMode, "login", false, "Run the login flow from the terminal and exit")
	flag.BoolVar(&noBrowser, "no-browser", false, "Don't open the browser automatically for login")
	flag.IntVar(&callbackPort, "callback-port", 0, "Override the loopback callback port (defaults to the redirect URI's port)")
	flag.Parse()

	wd, err := os.Getwd()
	if err != nil {
		log.Errorf("failed to get working directory: %v", err)
		return
	}
	if errLoad := godotenv.Load(filepath.Join(wd, ".env")); errLoad != nil {
		if !errors.Is(errLoad, os.ErrNotExist) {
			log.WithError(errLoad).Warn("failed to load .env file")
		}
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Errorf("failed to load configuration: %v", err)
		return
	}
	if dsn := strings.TrimSpace(os.Getenv("SESSION_POSTGRES_DSN")); dsn != "" {
		cfg.Session.PostgresDSN = dsn
	}
	if errLog := logging.ConfigureLogOutput(cfg); errLog != nil {
		log.Errorf("failed to configure log output: %v", errLog)
		return
	}

	if loginMode {
		runLoginMode(cfg, noBrowser, callbackPort)
		return
	}
	runServer(cfg, configPath)
}

func runServer(cfg *config.Config, configPath string) {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	backends, closeBackends, err := buildBackendFactory(ctx, cfg)
	if err != nil {
		log.Errorf("failed to initialize session persistence: %v", err)
		return
	}
	if closeBackends != nil {
		defer closeBackends()
	}

	svc := wso2.NewService(cfg, nil)
	server := api.NewServer(cfg, svc, nil, backends)

	w, errWatcher := watcher.NewWatcher(configPath, func(newCfg *config.Config) {
		if errLog := logging.ConfigureLogOutput(newCfg); errLog != nil {
			log.Warnf("failed to apply reloaded log settings: %v", errLog)
		}
		server.UpdateConfig(newCfg, wso2.NewService(newCfg, nil))
	})
	if errWatcher != nil {
		log.Warnf("config hot reload disabled: %v", errWatcher)
	} else {
		if errStart := w.Start(ctx); errStart != nil {
			log.Warnf("config hot reload disabled: %v", errStart)
		}
		defer func() { _ = w.Stop() }()
	}

	if err = server.Run(ctx); err != nil {
		log.Errorf("server exited with error: %v", err)
	}
}

// buildBackendFactory selects the durable session store: Postgres when a DSN
// is configured, per-session JSON files when a session directory is set, or
// memory-only otherwise.
func buildBackendFactory(ctx context.Context, cfg *config.Config) (api.BackendFactory, func(), error) {
	if dsn := strings.TrimSpace(cfg.Session.PostgresDSN); dsn != "" {
		initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		pg, err := store.NewPostgresBackend(initCtx, store.PostgresConfig{DSN: dsn})
		if err != nil {
			return nil, nil, err
		}
		maxIdle := time.Duration(cfg.Session.IdleMinutes) * time.Minute
		if errPrune := pg.PruneIdle(initCtx, maxIdle); errPrune != nil {
			log.Warnf("failed to prune idle session records: %v", errPrune)
		}
		dir := strings.TrimSpace(cfg.Session.Dir)
		if dir != "" {
			log.Infof("session persistence: postgres, mirrored to files under %s", dir)
		} else {
			log.Info("session persistence: postgres")
		}
		factory := func(sessionID string) session.Backend {
			var backend session.Backend = pg.ForSession(sessionID)
			if dir != "" {
				backend = session.NewTeeBackend(backend, session.NewFileBackend(filepath.Join(dir, sessionID)))
			}
			return backend
		}
		return factory, func() { _ = pg.Close() }, nil
	}

	if dir := strings.TrimSpace(cfg.Session.Dir); dir != "" {
		log.Infof("session persistence: files under %s", dir)
		factory := func(sessionID string) session.Backend {
			return session.NewFileBackend(filepath.Join(dir, sessionID))
		}
		return factory, nil, nil
	}

	log.Info("session persistence: memory only")
	return nil, nil, nil
}

// runLoginMode drives the browser login flow from the terminal: it starts a
// loopback callback server, opens the authorization URL, and exchanges the
// returned code.
func runLoginMode(cfg *config.Config, noBrowser bool, callbackPort int) {
	if callbackPort <= 0 {
		callbackPort = redirectPort(cfg.Provider.RedirectURI)
	}
	callbackPath := redirectPath(cfg.Provider.RedirectURI)

	svc := wso2.NewService(cfg, nil)
	var backend session.Backend
	if dir := strings.TrimSpace(cfg.Session.Dir); dir != "" {
		backend = session.NewFileBackend(filepath.Join(dir, "terminal"))
	}
	controller := session.NewController(cfg, svc, session.NewStore(backend), nil)

	authURL, err := controller.StartLogin("")
	if err != nil {
		log.Errorf("failed to build authorization URL: %v", err)
		return
	}

	cb := wso2.NewCallbackServer(callbackPort, callbackPath)
	if err = cb.Start(); err != nil {
		log.Errorf("failed to start callback server: %v", err)
		return
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = cb.Stop(stopCtx)
	}()

	if noBrowser {
		fmt.Printf("Open this URL in your browser to sign in:\n\n%s\n\n", authURL)
	} else if errOpen := browser.OpenURL(authURL); errOpen != nil {
		log.Warnf("failed to open browser: %v", errOpen)
		fmt.Printf("Open this URL in your browser to sign in:\n\n%s\n\n", authURL)
	}

	fmt.Println("Waiting for the callback. You can also paste the full callback URL here and press Enter.")

	results := make(chan *wso2.CallbackResult, 1)
	go func() {
		res, errWait := cb.WaitForCallback(loginCallbackTimeout)
		if errWait != nil {
			log.Debugf("callback wait ended: %v", errWait)
			return
		}
		results <- res
	}()
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			callback, errParse := misc.ParseOAuthCallback(scanner.Text())
			if errParse != nil || callback == nil {
				fmt.Println("Could not parse that input; paste the full callback URL.")
				continue
			}
			results <- &wso2.CallbackResult{Code: callback.Code, State: callback.State, Error: callback.Error}
			return
		}
	}()

	var result *wso2.CallbackResult
	select {
	case result = <-results:
	case <-time.After(loginCallbackTimeout):
		log.Errorf("login did not complete within %s", loginCallbackTimeout)
		return
	}
	if result.Error != "" {
		log.Errorf("provider returned an error: %s", result.Error)
		return
	}

	landing := fmt.Sprintf("%s?code=%s&state=%s",
		cfg.Provider.RedirectURI, url.QueryEscape(result.Code), url.QueryEscape(result.State))
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err = controller.HandleRedirectLanding(ctx, landing); err != nil {
		log.Errorf("token exchange failed: %s", wso2.UserFriendlyMessage(err))
		return
	}

	tokens := controller.CurrentTokenSet()
	if tokens == nil {
		log.Error("login completed without a token set")
		return
	}
	fmt.Printf("Login successful. Access token expires at %s.\n", tokens.ExpiresAt().Format(time.RFC3339))
}

func redirectPort(redirectURI string) int {
	if u, err := url.Parse(redirectURI); err == nil {
		if p := u.Port(); p != "" {
			if port, errConv := strconv.Atoi(p); errConv == nil {
				return port
			}
		}
	}
	return 8317
}

func redirectPath(redirectURI string) string {
	if u, err := url.Parse(redirectURI); err == nil && u.Path != "" {
		return u.Path
	}
	return "/auth/callback"
}
