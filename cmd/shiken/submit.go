package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/shiken/internal/client"
	"github.com/ashita-ai/shiken/internal/model"
)

func submitCmd(logger *slog.Logger) *cobra.Command {
	var (
		servers []string
		params  []string
		file    string
		timeout time.Duration
		noAck   bool
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit one parameter set and print the resulting curve as JSON.",
		Long: `Submit one parameter set and print the resulting curve as JSON.

Parameters come from --file (a JSON object) and/or repeated --param name=value
flags; flags override the file. Servers are tried in order until one
acknowledges the job.`,
		Example: `  shiken submit --param emod=1e9 --param kratio=1.5 --param pb_emod=1e9 \
    --param pb_fric=0.5 --param pb_coh=1e7 --param pb_ten=1e7`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ps, err := buildParams(file, params)
			if err != nil {
				return err
			}
			c, err := client.New(client.Config{
				Servers:        servers,
				ConnectTimeout: timeout,
				ExpectAck:      !noAck,
				Logger:         logger,
			})
			if err != nil {
				return err
			}
			res, err := c.Submit(cmd.Context(), ps)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			if err := enc.Encode(res); err != nil {
				return err
			}
			if !res.OK() {
				return fmt.Errorf("simulation failed: %s", res.Error)
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&servers, "server", "s", []string{"127.0.0.1:50002"}, "server address, repeatable; tried in order")
	cmd.Flags().StringArrayVarP(&params, "param", "p", nil, "parameter as name=value, repeatable")
	cmd.Flags().StringVarP(&file, "file", "f", "", "JSON file holding the parameter object")
	cmd.Flags().DurationVar(&timeout, "connect-timeout", 10*time.Second, "time allowed to connect and be acknowledged")
	cmd.Flags().BoolVar(&noAck, "no-ack", false, "do not wait for the acknowledgement token")
	return cmd
}

// buildParams merges the optional JSON file with name=value flags.
func buildParams(file string, flags []string) (model.ParameterSet, error) {
	ps := model.ParameterSet{}
	if file != "" {
		data, err := os.ReadFile(file) //nolint:gosec // path is supplied by the operator
		if err != nil {
			return nil, fmt.Errorf("read parameters: %w", err)
		}
		if ps, err = model.DecodeParameterSet(data); err != nil {
			return nil, err
		}
	}
	for _, kv := range flags {
		name, raw, ok := strings.Cut(kv, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("--param %q: want name=value", kv)
		}
		name = strings.TrimSpace(name)
		if !model.IsKnownParam(name) {
			return nil, fmt.Errorf("--param %s: %w", name, model.ErrUnknownParameter)
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("--param %s: %q is not a number", name, raw)
		}
		ps[name] = v
	}
	if len(ps) == 0 {
		return nil, fmt.Errorf("no parameters given; use --param or --file")
	}
	return ps, nil
}
