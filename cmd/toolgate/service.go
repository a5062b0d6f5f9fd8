package main

import (
	"fmt"
	"os"
	"syscall"

	"github.com/kardianos/service"
	"github.com/spf13/cobra"
	"github.com/toolgate/toolgate/pkg/app"
)

// program adapts the application loop to the service manager. Start must
// return promptly, so the loop runs in a goroutine; Stop delivers the same
// shutdown signal the foreground mode listens for.
type program struct {
	configPath string
}

func (p *program) Start(_ service.Service) error {
	go func() {
		if err := app.Run(app.RunParams{
			ConfigPath: p.configPath,
			Version:    version,
			Commit:     commit,
			Date:       date,
		}); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
	}()
	return nil
}

func (p *program) Stop(_ service.Service) error {
	return syscall.Kill(os.Getpid(), syscall.SIGTERM)
}

func newService(configPath string) (service.Service, error) {
	args := []string{"service", "run"}
	if configPath != "" {
		args = append(args, "--config", configPath)
	}
	return service.New(&program{configPath: configPath}, &service.Config{
		Name:        "toolgate",
		DisplayName: "Toolgate",
		Description: "Admission gateway for AI agent tool execution",
		Arguments:   args,
	})
}

func serviceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Manage toolgate as a system service",
	}

	var cfgPath string
	cmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "Path to configuration file")

	actions := []struct {
		use   string
		short string
		run   func(service.Service) error
	}{
		{"install", "Install the system service", service.Service.Install},
		{"uninstall", "Remove the system service", service.Service.Uninstall},
		{"start", "Start the installed service", service.Service.Start},
		{"stop", "Stop the running service", service.Service.Stop},
		{"run", "Run under the service manager", service.Service.Run},
	}
	for _, a := range actions {
		action := a
		cmd.AddCommand(&cobra.Command{
			Use:   action.use,
			Short: action.short,
			RunE: func(_ *cobra.Command, _ []string) error {
				svc, err := newService(cfgPath)
				if err != nil {
					return err
				}
				return action.run(svc)
			},
		})
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Report the service status",
		RunE: func(_ *cobra.Command, _ []string) error {
			svc, err := newService(cfgPath)
			if err != nil {
				return err
			}
			status, err := svc.Status()
			if err != nil {
				return err
			}
			switch status {
			case service.StatusRunning:
				fmt.Println("running")
			case service.StatusStopped:
				fmt.Println("stopped")
			default:
				fmt.Println("unknown")
			}
			return nil
		},
	})

	return cmd
}
