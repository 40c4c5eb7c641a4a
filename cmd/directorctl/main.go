// Command directorctl is a thin CLI client over the mediator API,
// mirroring the teacher's cmd/warren "service"/"node" subcommands but
// speaking JSON/HTTP to the mediator instead of gRPC to the manager.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/netunicorn/director/pkg/client"
	"github.com/netunicorn/director/pkg/types"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "directorctl",
	Short: "CLI client for the netunicorn director mediator",
}

func init() {
	rootCmd.PersistentFlags().String("mediator", "http://127.0.0.1:8000", "mediator base URL")
	rootCmd.PersistentFlags().String("username", "", "basic auth username")
	rootCmd.PersistentFlags().String("password", "", "basic auth password")

	experimentFlagCmd.Flags().String("text", "", "text value to apply for the 'set' operation")
	experimentSubmitCmd.Flags().String("file", "", "path to a JSON array of deployments (defaults to stdin)")
	experimentCmd.AddCommand(experimentSubmitCmd, experimentPrepareCmd, experimentStartCmd, experimentCancelCmd, experimentStatusCmd, experimentFlagCmd)
	rootCmd.AddCommand(experimentCmd, nodesCmd)
}

func newClient(cmd *cobra.Command) *client.Client {
	addr, _ := cmd.Flags().GetString("mediator")
	user, _ := cmd.Flags().GetString("username")
	pass, _ := cmd.Flags().GetString("password")
	return client.New(addr, user, pass)
}

var experimentCmd = &cobra.Command{
	Use:   "experiment",
	Short: "manage experiments",
}

var experimentSubmitCmd = &cobra.Command{
	Use:   "submit NAME",
	Args:  cobra.ExactArgs(1),
	Short: "submit a new experiment with its deployment set",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("file")
		src := os.Stdin
		if path != "" {
			f, err := os.Open(path)
			if err != nil {
				return fmt.Errorf("open deployments file: %w", err)
			}
			defer f.Close()
			src = f
		}
		var deployments []types.Deployment
		if err := json.NewDecoder(src).Decode(&deployments); err != nil {
			return fmt.Errorf("decode deployments: %w", err)
		}
		id, err := newClient(cmd).Submit(args[0], deployments)
		if err != nil {
			return err
		}
		fmt.Println(id)
		return nil
	},
}

var experimentPrepareCmd = &cobra.Command{
	Use:   "prepare NAME",
	Args:  cobra.ExactArgs(1),
	Short: "compile and deploy an experiment's pipelines",
	RunE: func(cmd *cobra.Command, args []string) error {
		return newClient(cmd).Prepare(args[0])
	},
}

var experimentStartCmd = &cobra.Command{
	Use:   "start NAME",
	Args:  cobra.ExactArgs(1),
	Short: "start a prepared experiment's executors",
	RunE: func(cmd *cobra.Command, args []string) error {
		return newClient(cmd).Start(args[0])
	},
}

var experimentCancelCmd = &cobra.Command{
	Use:   "cancel NAME",
	Args:  cobra.ExactArgs(1),
	Short: "cooperatively cancel a running experiment",
	RunE: func(cmd *cobra.Command, args []string) error {
		return newClient(cmd).Cancel(args[0])
	},
}

var experimentStatusCmd = &cobra.Command{
	Use:   "status NAME",
	Args:  cobra.ExactArgs(1),
	Short: "fetch an experiment's current status",
	RunE: func(cmd *cobra.Command, args []string) error {
		exp, err := newClient(cmd).Status(args[0])
		if err != nil {
			return err
		}
		return printJSON(exp)
	},
}

var experimentFlagCmd = &cobra.Command{
	Use:   "flag NAME KEY [get|increment|decrement|set]",
	Args:  cobra.RangeArgs(2, 3),
	Short: "read or mutate a named experiment flag",
	RunE: func(cmd *cobra.Command, args []string) error {
		name, key := args[0], args[1]
		op := "get"
		if len(args) == 3 {
			op = args[2]
		}
		c := newClient(cmd)
		var (
			flag interface{}
			err  error
		)
		switch op {
		case "get":
			flag, err = c.FlagGet(name, key)
		case "increment":
			flag, err = c.FlagIncrement(name, key)
		case "decrement":
			flag, err = c.FlagDecrement(name, key)
		case "set":
			text, _ := cmd.Flags().GetString("text")
			flag, err = c.FlagSet(name, key, &text, nil)
		default:
			return fmt.Errorf("unknown flag operation %q (use get|increment|decrement|set)", op)
		}
		if err != nil {
			return err
		}
		return printJSON(flag)
	},
}

var nodesCmd = &cobra.Command{
	Use:   "nodes",
	Short: "list nodes visible to the authenticated user",
	RunE: func(cmd *cobra.Command, args []string) error {
		nodes, err := newClient(cmd).Nodes()
		if err != nil {
			return err
		}
		return printJSON(nodes)
	},
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
