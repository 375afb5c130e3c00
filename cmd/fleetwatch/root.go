package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/netly/fleetwatch/internal/config"
	"github.com/netly/fleetwatch/internal/core/services"
	"github.com/netly/fleetwatch/internal/domain"
	"github.com/netly/fleetwatch/internal/infrastructure/cache"
	"github.com/netly/fleetwatch/internal/infrastructure/controller"
	"github.com/netly/fleetwatch/internal/infrastructure/lock"
	"github.com/netly/fleetwatch/internal/infrastructure/logger"
	"github.com/netly/fleetwatch/internal/infrastructure/notify"
	"github.com/netly/fleetwatch/internal/infrastructure/tracing"
	"github.com/spf13/cobra"
)

var (
	cfgFile  string
	logLevel string
	cfg      *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "fleetwatch",
	Short: "Watch and manage fleet controller background tasks",
	Long: `fleetwatch follows the background jobs of a fleet controller over its
task status channel, streams build output and saves built images.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		if logLevel != "" {
			loaded.Logger.Level = logLevel
		}
		cfg = loaded
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ./fleetwatch.yaml or ~/.config/fleetwatch/fleetwatch.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"override logger.level (debug, info, warn, error)")
}

// exitCode maps command errors to process exit codes.
func exitCode(err error) int {
	switch {
	case errors.Is(err, errTaskFailed):
		return 3
	case errors.Is(err, domain.ErrControllerStatus):
		return 2
	}
	return 1
}

// runtime holds the process-wide collaborators built from the config.
type runtime struct {
	log       *logger.Logger
	tracing   *tracing.Provider
	resources *cache.ResourceCache
	client    *controller.Client
}

func newRuntime(ctx context.Context) (*runtime, error) {
	log, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	provider, err := tracing.NewProvider(ctx, cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}

	resources := cache.New(cfg.Controller.CacheTTL, log.Named("cache"))
	client := controller.NewClient(controller.ClientConfig{
		BaseURL:   cfg.Controller.BaseURL,
		APIPrefix: cfg.Controller.APIPrefix,
		Token:     cfg.Controller.Token,
		Timeout:   cfg.Controller.Timeout,
		Cache:     resources,
		Logger:    log.Named("controller"),
		Tracer:    provider.Tracer(),
	})

	return &runtime{log: log, tracing: provider, resources: resources, client: client}, nil
}

func (r *runtime) registry() *services.TaskRegistry {
	return services.NewTaskRegistry(services.TaskRegistryConfig{
		API:        r.client,
		Navigation: services.NewNavigationTracker(),
		Logger:     r.log.Named("tasks"),
		PageSize:   cfg.Tasks.PageSize,
	})
}

// session builds a full client session whose toasts go to out.
func (r *runtime) session(out io.Writer) (*services.Session, error) {
	elector, err := lock.NewFileElector(lock.ElectorConfig{
		Dir:           cfg.Leader.LockDir,
		BaseURL:       cfg.Controller.BaseURL,
		RetryInterval: cfg.Leader.RetryInterval,
		Logger:        r.log.Named("leader"),
	})
	if err != nil {
		return nil, err
	}

	dialer := controller.NewSocketDialer(controller.SocketDialerConfig{
		URL:              cfg.Controller.SocketURL(),
		Token:            cfg.Controller.Token,
		HandshakeTimeout: cfg.Controller.Timeout,
		Logger:           r.log.Named("socket"),
	})

	return services.NewSession(services.SessionConfig{
		Dialer:                 dialer,
		Tasks:                  r.client,
		Artifacts:              r.client,
		Toaster:                notify.NewConsoleToaster(out, r.log),
		Invalidator:            r.resources,
		Leader:                 elector,
		Logger:                 r.log,
		Tracer:                 r.tracing.Tracer(),
		RetryDelay:             cfg.Connection.RetryDelay,
		PageSize:               cfg.Tasks.PageSize,
		NavigationPollInterval: cfg.Notifications.NavigationPollInterval,
		DownloadDir:            cfg.Downloads.Dir,
		AutoFormats:            cfg.Downloads.AutoFormats,
		ImageTaskType:          cfg.Downloads.ImageTaskType,
		Trigger:                services.DownloadTrigger(cfg.Downloads.Trigger),
	}), nil
}

func (r *runtime) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.tracing.Shutdown(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "tracing shutdown: %v\n", err)
	}
	_ = r.log.Sync()
}
