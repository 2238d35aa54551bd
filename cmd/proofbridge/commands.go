package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	"proof-rpc/circuit"
	"proof-rpc/client"
	"proof-rpc/config"
	"proof-rpc/envelope"
	"proof-rpc/handshake"
	"proof-rpc/logging"
	"proof-rpc/registry"
	"proof-rpc/transport"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/xerrors"
)

// proofOutput is the JSON printed by prove and accepted back by verify.
type proofOutput struct {
	Proof        string   `json:"proof"` // hex
	PublicInputs []string `json:"publicInputs"`
}

func newPingCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that the worker answers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd.Context(), v, func(ctx context.Context, c *client.Client) error {
				reply, err := c.Ping(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), reply)
				return nil
			})
		},
	}
}

func newInitCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Probe the worker and initialize its engine",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd.Context(), v, func(ctx context.Context, c *client.Client) error {
				if _, err := unwrap(c.Initialize(ctx)); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), c.State())
				return nil
			})
		},
	}
}

func newProveCmd(v *viper.Viper) *cobra.Command {
	var age int
	cmd := &cobra.Command{
		Use:   "prove",
		Short: "Generate a proof that --age is over eighteen",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd.Context(), v, func(ctx context.Context, c *client.Client) error {
				res, err := unwrap(c.GenerateProof(ctx, circuit.Input{Age: age}))
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), proofOutput{
					Proof:        hex.EncodeToString(res.Proof),
					PublicInputs: res.PublicInputs,
				})
			})
		},
	}
	cmd.Flags().IntVar(&age, "age", 0, "age to prove")
	_ = cmd.MarkFlagRequired("age")
	return cmd
}

func newVerifyCmd(v *viper.Viper) *cobra.Command {
	var (
		proofHex string
		inputs   []string
	)
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify a proof against its public inputs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			proof, err := hex.DecodeString(proofHex)
			if err != nil {
				return xerrors.Errorf("decode --proof: %w", err)
			}
			return withClient(cmd.Context(), v, func(ctx context.Context, c *client.Client) error {
				valid, err := unwrap(c.VerifyProof(ctx, proof, inputs))
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), valid)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&proofHex, "proof", "", "proof bytes, hex encoded")
	cmd.Flags().StringSliceVar(&inputs, "inputs", nil, "public inputs, comma separated")
	_ = cmd.MarkFlagRequired("proof")
	return cmd
}

// withClient builds a client from the configuration, runs fn and terminates the worker.
func withClient(ctx context.Context, v *viper.Viper, fn func(context.Context, *client.Client) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load(v)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Logging.Level)
	if err != nil {
		return err
	}
	defer logger.Sync()

	spawner, err := newSpawner(cfg, logger)
	if err != nil {
		return err
	}
	c, err := client.New(ctx, spawner, cfg.Locator(),
		client.WithLogger(logger),
		client.WithProbe(handshake.New(cfg.ProbeSettings(), handshake.WithLogger(logger))),
		client.WithInitializeTimeout(cfg.Probe.InitializeTimeout),
	)
	if err != nil {
		return err
	}
	defer c.Terminate()

	return fn(ctx, c)
}

func newSpawner(cfg *config.Config, logger *zap.Logger) (transport.Spawner, error) {
	if cfg.Worker.Mode != config.ModeTCP {
		return &transport.ProcessSpawner{Codec: cfg.CodecType(), Logger: logger}, nil
	}

	s := &transport.DialSpawner{Codec: cfg.CodecType(), Name: cfg.Worker.Name}
	if cfg.Worker.Address == "" {
		reg, err := registry.NewEtcdRegistry(cfg.Registry.Endpoints, cfg.Registry.DialTimeout, logger.Named("registry"))
		if err != nil {
			return nil, err
		}
		s.Resolver = registry.NewResolver(reg)
	}
	return s, nil
}

// unwrap turns a Failure into an error for the command's exit status.
func unwrap[T any](r envelope.Result[T]) (T, error) {
	if msg, failed := r.Err(); failed {
		var zero T
		return zero, xerrors.New(msg)
	}
	v, _ := r.Value()
	return v, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
