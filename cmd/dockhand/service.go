package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"dockhand/internal/runtime"
)

var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Operate on a single service's container",
}

func init() {
	serviceCmd.AddCommand(
		serviceOp("start", "Start a stopped container", func(c containerOps, name string) (runtime.State, error) {
			return c.Start(name)
		}),
		serviceOp("stop", "Stop a running container", func(c containerOps, name string) (runtime.State, error) {
			return c.Stop(name)
		}),
		serviceOp("restart", "Restart a container", func(c containerOps, name string) (runtime.State, error) {
			return c.Restart(name)
		}),
		serviceOp("remove", "Stop and remove a container", func(c containerOps, name string) (runtime.State, error) {
			return c.Remove(name)
		}),
		serviceOp("status", "Report a container's state", func(c containerOps, name string) (runtime.State, error) {
			return c.Status(name)
		}),
	)
	rootCmd.AddCommand(serviceCmd)
}

type containerOps interface {
	Start(string) (runtime.State, error)
	Stop(string) (runtime.State, error)
	Restart(string) (runtime.State, error)
	Remove(string) (runtime.State, error)
	Status(string) (runtime.State, error)
}

func serviceOp(use, short string, op func(containerOps, string) (runtime.State, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <service>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if use != "status" {
				if err := requireRoot(); err != nil {
					return err
				}
			}
			docker := newDocker()
			if err := docker.Ping(); err != nil {
				return err
			}
			ctrl := newController(docker, nil)
			state, err := op(ctrl, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", args[0], state)
			return nil
		},
	}
}
