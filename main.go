package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/TheTimeBug/employee-directory/server"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "employee-directory",
		Short:         "Employee directory over DynamoDB and S3",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "", `Path to configuration file, or "ssm:/parameter/name"`)

	cmd.AddCommand(newServeCmd(&configPath))
	cmd.AddCommand(newHealthCmd(&configPath))
	cmd.AddCommand(newStatsCmd(&configPath))
	cmd.AddCommand(newSeedCmd(&configPath))
	cmd.AddCommand(newExportCmd(&configPath))
	return cmd
}

func loadConfig(configPath string) (*server.Config, *logrus.Logger, error) {
	config, err := server.LoadConfig(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return config, server.NewLogger(config), nil
}

// withDirectory opens the stores for a one-shot command.
func withDirectory(ctx context.Context, configPath string, fn func(*server.Directory, *logrus.Logger) error) error {
	config, logger, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	directory, closeDirectory, err := server.OpenDirectory(ctx, config, logger)
	if err != nil {
		return err
	}
	defer closeDirectory(context.Background())
	return fn(directory, logger)
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and gRPC health service",
		RunE: func(cmd *cobra.Command, args []string) error {
			config, logger, err := loadConfig(*configPath)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv, err := server.NewServer(ctx, config, logger)
			if err != nil {
				return fmt.Errorf("failed to create server: %w", err)
			}

			errCh := make(chan error, 1)
			go func() { errCh <- srv.Start() }()
			logger.Info("Starting employee directory")

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			logger.Info("Shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			return srv.Stop(shutdownCtx)
		},
	}
}

func newHealthCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check record store and blob store health",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDirectory(cmd.Context(), *configPath, func(directory *server.Directory, _ *logrus.Logger) error {
				health := directory.HealthCheck(cmd.Context())
				if err := writeJSON(cmd.OutOrStdout(), health); err != nil {
					return err
				}
				if !health.Overall {
					return errors.New("unhealthy")
				}
				return nil
			})
		},
	}
}

func newStatsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print directory statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDirectory(cmd.Context(), *configPath, func(directory *server.Directory, _ *logrus.Logger) error {
				stats, err := directory.GetStatistics(cmd.Context())
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), stats)
			})
		},
	}
}

func newSeedCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Add sample employees for development",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDirectory(cmd.Context(), *configPath, func(directory *server.Directory, logger *logrus.Logger) error {
				added := 0
				for _, e := range sampleEmployees() {
					e.EmployeeID = server.NewEmployeeID()
					if _, err := directory.AddEmployee(cmd.Context(), e, nil); err != nil {
						if errors.Is(err, server.ErrDuplicateEmail) {
							logger.WithField("email", e.Email).Info("Sample employee already present, skipping")
							continue
						}
						return fmt.Errorf("failed to add %s: %w", e.FullName(), err)
					}
					added++
				}
				fmt.Fprintf(cmd.OutOrStdout(), "added %d sample employees\n", added)
				return nil
			})
		},
	}
}

func newExportCmd(configPath *string) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export all employees as a JSON array",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDirectory(cmd.Context(), *configPath, func(directory *server.Directory, logger *logrus.Logger) error {
				employees, err := directory.ListEmployees(cmd.Context())
				if err != nil {
					return err
				}
				if employees == nil {
					employees = []*server.Employee{}
				}

				if output == "" || output == "-" {
					return writeJSON(cmd.OutOrStdout(), employees)
				}
				f, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("failed to create %s: %w", output, err)
				}
				if err := writeAndClose(f, output, employees); err != nil {
					return err
				}
				logger.WithField("count", len(employees)).Infof("Exported employees to %s", output)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file (default stdout)")
	return cmd
}

func sampleEmployees() []*server.Employee {
	return []*server.Employee{
		{FirstName: "John", LastName: "Doe", Email: "john.doe@company.com", Position: "Software Engineer", Department: "Engineering", Phone: "(555) 123-4567", HireDate: "2023-01-15"},
		{FirstName: "Jane", LastName: "Smith", Email: "jane.smith@company.com", Position: "Product Manager", Department: "Product", Phone: "(555) 234-5678", HireDate: "2022-11-01"},
		{FirstName: "Mike", LastName: "Johnson", Email: "mike.johnson@company.com", Position: "UI/UX Designer", Department: "Design", Phone: "(555) 345-6789", HireDate: "2023-03-20"},
		{FirstName: "Sarah", LastName: "Wilson", Email: "sarah.wilson@company.com", Position: "Marketing Specialist", Department: "Marketing", Phone: "(555) 456-7890", HireDate: "2022-09-10"},
		{FirstName: "David", LastName: "Brown", Email: "david.brown@company.com", Position: "DevOps Engineer", Department: "Engineering", Phone: "(555) 567-8901", HireDate: "2023-02-28"},
	}
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// writeAndClose writes v to wc and closes it. A failed close is an error: the
// file may be incomplete.
func writeAndClose(wc io.WriteCloser, name string, v interface{}) error {
	if err := writeJSON(wc, v); err != nil {
		wc.Close()
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := wc.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", name, err)
	}
	return nil
}
