package main

import (
	"fmt"
	"os"
	"time"

	"github.com/relaycore/scheduled/pkg/supervisor"
	"github.com/spf13/cobra"
)

var (
	deploymentsPath string
	deploymentName  string
	stopTimeout     time.Duration
)

func init() {
	for _, cmd := range []*cobra.Command{startCmd, stopCmd, restartCmd, statusCmd, ensureCmd} {
		cmd.Flags().StringVar(&deploymentsPath, "deployments", "deployments.yaml", "Path to the deployments file")
		cmd.Flags().StringVar(&deploymentName, "deployment", defaultDeployment(), "Deployment name to operate on")
	}
	for _, cmd := range []*cobra.Command{stopCmd, restartCmd} {
		cmd.Flags().DurationVar(&stopTimeout, "timeout", supervisor.DefaultStopTimeout, "Graceful stop timeout before SIGKILL")
	}
}

func defaultDeployment() string {
	if name := os.Getenv("SCHED_DEPLOYMENT_NAME"); name != "" {
		return name
	}
	return "default"
}

func loadSupervisor() (*supervisor.Supervisor, error) {
	return supervisor.Load(deploymentsPath, deploymentName)
}

var startCmd = &cobra.Command{
	Use:   "start [name]",
	Short: "Start all deployment processes, or one by name",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := loadSupervisor()
		if err != nil {
			return err
		}
		if len(args) == 1 {
			return s.Start(args[0])
		}
		return s.StartAll()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop [name]",
	Short: "Stop all deployment processes, or one by name",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := loadSupervisor()
		if err != nil {
			return err
		}
		if len(args) == 1 {
			return s.Stop(args[0], stopTimeout)
		}
		return s.StopAll(stopTimeout)
	},
}

var restartCmd = &cobra.Command{
	Use:   "restart [name]",
	Short: "Restart all deployment processes, or one by name",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := loadSupervisor()
		if err != nil {
			return err
		}
		if len(args) == 1 {
			return s.Restart(args[0], stopTimeout)
		}
		return s.RestartAll(stopTimeout)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the status of every deployment process",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := loadSupervisor()
		if err != nil {
			return err
		}
		fmt.Printf("%-24s %-10s %s\n", "NAME", "STATE", "PID")
		for _, info := range s.Status() {
			pid := "-"
			if info.PID != 0 {
				pid = fmt.Sprintf("%d", info.PID)
			}
			fmt.Printf("%-24s %-10s %s\n", info.Name, info.State, pid)
		}
		return nil
	},
}

var ensureCmd = &cobra.Command{
	Use:   "ensure",
	Short: "Start any deployment process that is not running",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := loadSupervisor()
		if err != nil {
			return err
		}
		started, err := s.Ensure()
		if err != nil {
			return err
		}
		fmt.Printf("%d process(es) started\n", started)
		return nil
	},
}
