package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/rzbill/flobuf/internal/cmd/client/transports"
	"github.com/rzbill/flobuf/internal/frame"
	"github.com/rzbill/flobuf/pkg/id"
)

var errLimitReached = errors.New("limit reached")

// newPublishCommand constructs the `publish` subcommand.
func newPublishCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish frames as a publisher identity",
		Long: "Registers as the publisher named by --identity and streams frames. With --file the file " +
			"(or - for stdin) must hold encoded frames; otherwise one window is built from --data values.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			identity, _ := cmd.Flags().GetString("identity")
			base, _ := cmd.Flags().GetUint32("base-seconds")
			window, _ := cmd.Flags().GetUint32("window")
			file, _ := cmd.Flags().GetString("file")
			data, _ := cmd.Flags().GetStringArray("data")
			partition, _ := cmd.Flags().GetInt32("partition")
			seq, _ := cmd.Flags().GetUint32("sequence")
			chunk, _ := cmd.Flags().GetInt("chunk-size")
			if identity == "" {
				return errors.New("--identity is required")
			}

			var src io.Reader
			switch {
			case file == "-":
				src = cmd.InOrStdin()
			case file != "":
				f, err := os.Open(file)
				if err != nil {
					return err
				}
				defer f.Close()
				src = f
			case len(data) > 0:
				b := frame.AppendResetWindow(nil, uint32(time.Now().Unix()))
				b = frame.AppendBeginWindow(b, seq)
				for _, d := range data {
					b = frame.AppendPayload(b, partition, []byte(d))
				}
				src = bytes.NewReader(frame.AppendEndWindow(b, seq))
			default:
				return errors.New("one of --file or --data is required")
			}

			cut, err := getTransport().Publish(cmd.Context(), transports.PublishRequest{
				Identity:    identity,
				BaseSeconds: base,
				Window:      window,
				Frames:      src,
				ChunkSize:   chunk,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "base: %d\n", cut)
			return nil
		},
	}
	cmd.Flags().String("identity", "", "Publisher identity")
	cmd.Flags().Uint32("base-seconds", 0, "Base seconds of the window to rewind to (0 replays from scratch)")
	cmd.Flags().Uint32("window", 0, "Sequence of the window to rewind to")
	cmd.Flags().String("file", "", "File of encoded frames, - for stdin")
	cmd.Flags().StringArray("data", nil, "Payload to publish (repeatable)")
	cmd.Flags().Int32("partition", 0, "Partition of --data payloads")
	cmd.Flags().Uint32("sequence", 1, "Window sequence used for --data")
	cmd.Flags().Int("chunk-size", 32<<10, "Bytes per message sent upstream")
	return cmd
}

// newSubscribeCommand constructs the `subscribe` subcommand.
func newSubscribeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "subscribe",
		Short: "Join a subscriber group and print its frames",
		RunE: func(cmd *cobra.Command, _ []string) error {
			req := transports.SubscribeRequest{}
			req.ID, _ = cmd.Flags().GetString("id")
			req.Group, _ = cmd.Flags().GetString("group")
			req.Upstream, _ = cmd.Flags().GetString("upstream")
			req.BaseSeconds, _ = cmd.Flags().GetUint32("base-seconds")
			req.Window, _ = cmd.Flags().GetUint32("window")
			req.Policy, _ = cmd.Flags().GetString("policy")
			req.Expr, _ = cmd.Flags().GetString("expr")
			req.Partitions, _ = cmd.Flags().GetInt32Slice("partitions")
			req.Mask, _ = cmd.Flags().GetInt32("mask")
			limit, _ := cmd.Flags().GetInt("limit")
			if req.ID == "" {
				req.ID = id.New()
			}
			if req.Group == "" {
				req.Group = req.ID
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			n := 0
			err := getTransport().Subscribe(cmd.Context(), req, func(v frame.View) error {
				if err := enc.Encode(decodedFrame(v)); err != nil {
					return err
				}
				n++
				if limit > 0 && n >= limit {
					return errLimitReached
				}
				return nil
			})
			if errors.Is(err, errLimitReached) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().String("id", "", "Connection id (default generated)")
	cmd.Flags().String("group", "", "Subscriber group (default the connection id)")
	cmd.Flags().String("upstream", "", "Publisher identity to read")
	cmd.Flags().Uint32("base-seconds", 0, "Base seconds of the window a new group starts at")
	cmd.Flags().Uint32("window", 0, "Sequence of the window a new group starts at")
	cmd.Flags().String("policy", "", "Distribution policy of a new group")
	cmd.Flags().String("expr", "", "CEL expression for --policy custom")
	cmd.Flags().Int32Slice("partitions", nil, "Partitions this connection accepts")
	cmd.Flags().Int32("mask", 0, "Mask applied to payload partitions before matching")
	cmd.Flags().Int("limit", 0, "Stop after this many frames (0 = unlimited)")
	return cmd
}

// newPurgeCommand constructs the `purge` subcommand.
func newPurgeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Reclaim a publisher's windows up to a given one",
		RunE: func(cmd *cobra.Command, _ []string) error {
			identity, _ := cmd.Flags().GetString("identity")
			base, _ := cmd.Flags().GetUint32("base-seconds")
			window, _ := cmd.Flags().GetUint32("window")
			msg, err := getAdminTransport(cmd).Purge(cmd.Context(), transports.WindowRequest{
				Identity:    identity,
				BaseSeconds: base,
				Window:      window,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), msg)
			return nil
		},
	}
	cmd.Flags().String("identity", "", "Publisher identity")
	cmd.Flags().Uint32("base-seconds", 0, "Base seconds of the last window to purge")
	cmd.Flags().Uint32("window", 0, "Sequence of the last window to purge")
	cmd.Flags().String("transport", "grpc", "Transport: grpc|http")
	return cmd
}

// newResetCommand constructs the `reset` subcommand.
func newResetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Discard a publisher's buffer",
		RunE: func(cmd *cobra.Command, _ []string) error {
			identity, _ := cmd.Flags().GetString("identity")
			msg, err := getAdminTransport(cmd).Reset(cmd.Context(), identity)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), msg)
			return nil
		},
	}
	cmd.Flags().String("identity", "", "Publisher identity")
	cmd.Flags().String("transport", "grpc", "Transport: grpc|http")
	return cmd
}

// newStatsCommand constructs the `stats` subcommand.
func newStatsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show publisher buffers and subscriber groups",
		RunE: func(cmd *cobra.Command, _ []string) error {
			identity, _ := cmd.Flags().GetString("identity")
			raw, err := transports.NewHTTPTransport(httpURLFromEnv(), nil).Stats(cmd.Context(), identity)
			if err != nil {
				return err
			}
			var out bytes.Buffer
			if err := json.Indent(&out, raw, "", "  "); err != nil {
				return err
			}
			_, err = out.WriteTo(cmd.OutOrStdout())
			return err
		},
	}
	cmd.Flags().String("identity", "", "Only show this publisher")
	return cmd
}
