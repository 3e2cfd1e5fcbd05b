package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kozaktomas/face-attendance/internal/config"
	"github.com/kozaktomas/face-attendance/internal/gateway"
	"github.com/kozaktomas/face-attendance/internal/ledger"
	"github.com/kozaktomas/face-attendance/internal/web"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the web server",
	Long: `Start the Face Attendance web server.
The server exposes enrollment, face login, attendance check-in/check-out and
image authenticity detection over a JSON API.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().Int("port", 0, "Port to listen on (overrides WEB_PORT)")
	serveCmd.Flags().String("host", "", "Host to bind to (overrides WEB_HOST)")
	serveCmd.Flags().String("session-secret", "", "Secret for signing session cookies (defaults to random)")
	serveCmd.Flags().Bool("memory", false, "Keep everything in memory instead of a database")
}

// applyServeFlags lets explicit flags win over the environment and config file.
func applyServeFlags(cmd *cobra.Command, cfg *config.Config) {
	if port := mustGetInt(cmd, "port"); port > 0 {
		cfg.Web.Port = port
	}
	if host := mustGetString(cmd, "host"); host != "" {
		cfg.Web.Host = host
	}
	if secret := mustGetString(cmd, "session-secret"); secret != "" {
		cfg.Session.Secret = secret
	}
	if mustGetBool(cmd, "memory") {
		cfg.Database.Driver = config.DriverMemory
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	applyServeFlags(cmd, cfg)

	ctx := context.Background()
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	loc, err := cfg.Attendance.Location()
	if err != nil {
		return err
	}
	l := ledger.New(a.store, ledger.Options{Location: loc, Metrics: a.metrics, Logger: a.logger})

	g, err := gateway.New(gateway.Config{
		Secret:  cfg.Session.Secret,
		TTL:     cfg.Session.TTL,
		Metrics: a.metrics,
		Logger:  a.logger,
	}, a.registry)
	if err != nil {
		return fmt.Errorf("creating session gateway: %w", err)
	}
	if err := g.Init(); err != nil {
		return fmt.Errorf("starting session gateway: %w", err)
	}

	det, err := a.detection(ctx)
	if err != nil {
		g.Shutdown()
		return err
	}

	server := web.NewServer(cfg, web.Deps{
		Registry:   a.registry,
		Identities: a.store,
		Ledger:     l,
		Gateway:    g,
		Encoder:    a.encoder(),
		Detection:  det,
		Metrics:    a.metrics,
		Gatherer:   a.promReg,
	}, a.logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-sigChan
		a.logger.Info("shutdown signal received")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("error during shutdown", "error", err)
		}
	}()

	fmt.Printf("Starting Face Attendance on http://%s:%d\n", cfg.Web.Host, cfg.Web.Port)
	fmt.Println("Press Ctrl+C to stop")

	if err := server.Start(); err != nil {
		g.Shutdown()
		return fmt.Errorf("starting server: %w", err)
	}
	// Start returns as soon as the listener closes; wait for in-flight requests to drain
	// before the deferred close releases the store.
	<-shutdownDone
	return nil
}
