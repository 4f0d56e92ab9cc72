// Command blueprint runs the job runtime. "serve" starts a primary (HTTP API,
// maintenance and worker supervision) or a worker (job consumers only).
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"blueprint-backend/internal/app"
	"blueprint-backend/internal/config"
	"blueprint-backend/internal/infrastructure/observability"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "blueprint",
		Short:         "Job queue runtime with worker supervision",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(newServeCmd(), newEnqueueCmd())
	return root
}

func newServeCmd() *cobra.Command {
	var (
		role      string
		configDir string
		file      string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a primary or worker process",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var opts []config.LoaderOption
			if file != "" {
				opts = append(opts, config.WithFile(file))
			}
			loader := config.NewLoader(configDir, config.EnvironmentFromEnv(), opts...)
			cfg, err := loader.Load()
			if err != nil {
				return err
			}
			if role == "" {
				role = cfg.Role
			}
			r, err := app.ParseRole(role)
			if err != nil {
				return err
			}

			logger, err := observability.NewLogger(observability.LoggingConfig{
				Production: cfg.IsProduction(),
				Level:      cfg.Logging.Level,
				Format:     cfg.Logging.Format,
			}, zap.String("service", cfg.ServiceName), zap.Int("pid", os.Getpid()))
			if err != nil {
				return fmt.Errorf("build logger: %w", err)
			}

			a, err := app.New(cfg, r, app.Options{
				Logger:     logger,
				Loader:     loader,
				ConfigDir:  configDir,
				ConfigFile: file,
			})
			if err != nil {
				logger.Error("failed to build application", zap.Error(err))
				_ = logger.Sync()
				return err
			}
			os.Exit(a.Run(cmd.Context()))
			return nil
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "process role: primary or worker (defaults to APP_ROLE)")
	cmd.Flags().StringVar(&configDir, "config-dir", "config", "directory holding base/<env>/local config files")
	cmd.Flags().StringVarP(&file, "config", "c", "", "explicit config file applied after the directory files")
	return cmd
}

// newEnqueueCmd submits one job to a running primary.
func newEnqueueCmd() *cobra.Command {
	var (
		addr    string
		queue   string
		data    string
		wait    bool
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "enqueue <job-name>",
		Short: "Add a job to a queue of a running primary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !json.Valid([]byte(data)) {
				return fmt.Errorf("--data is not valid JSON")
			}
			body, err := json.Marshal(map[string]interface{}{
				"name":      args[0],
				"data":      json.RawMessage(data),
				"wait":      wait,
				"timeoutMs": timeout.Milliseconds(),
			})
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout+5*time.Second)
			defer cancel()
			url := fmt.Sprintf("%s/api/v1/queues/%s/jobs", addr, queue)
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "application/json")

			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			out, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(bytes.TrimSpace(out)))
			if resp.StatusCode >= http.StatusBadRequest {
				return fmt.Errorf("enqueue failed: %s", resp.Status)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "http://localhost:8080", "primary base URL")
	cmd.Flags().StringVarP(&queue, "queue", "q", "default", "queue name")
	cmd.Flags().StringVarP(&data, "data", "d", "{}", "job payload as JSON")
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "wait for the job to finish")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "wait timeout")
	return cmd
}
