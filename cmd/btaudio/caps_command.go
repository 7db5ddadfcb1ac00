package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"btaudio/internal/ipcclient"
	"btaudio/internal/wire"
)

func newCapsCommand(ctx *commandContext) *cobra.Command {
	var (
		local       string
		object      string
		seid        uint8
		transport   string
		autoconnect bool
	)

	cmd := &cobra.Command{
		Use:   "caps <remote-address>",
		Short: "List the audio endpoints of a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := parseTransport(transport)
			if err != nil {
				return err
			}
			return ctx.withClient(func(client *ipcclient.Client) error {
				rsp, err := client.GetCapabilities(local, args[0], object, kind, seid, autoconnect)
				if err != nil {
					return err
				}

				fmt.Fprintf(cmd.OutOrStdout(), "Device %s (%s)\n", rsp.Destination, rsp.Object)
				rows := make([][]string, 0, len(rsp.Capabilities))
				for _, c := range rsp.Capabilities {
					rows = append(rows, []string{
						fmt.Sprintf("%d", c.SEID),
						transportName(c.Transport),
						codecName(c.Codec),
						boolName(c.Configured),
						lockName(c.Lock),
						codecDetails(c),
					})
				}
				fmt.Fprintln(cmd.OutOrStdout(),
					renderTable([]string{"SEID", "TRANSPORT", "CODEC", "CONFIGURED", "LOCK", "DETAILS"}, rows))
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&local, "local", "", "Local adapter address")
	cmd.Flags().StringVar(&object, "object", "", "Device object path")
	cmd.Flags().Uint8Var(&seid, "seid", 0, "Restrict the listing to one endpoint (0 lists all)")
	cmd.Flags().StringVar(&transport, "transport", "any", "Transport to query (sco, a2dp, any)")
	cmd.Flags().BoolVar(&autoconnect, "autoconnect", false, "Allow resolving devices that are not connected")
	return cmd
}

func parseTransport(value string) (wire.TransportKind, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "sco":
		return wire.TransportSCO, nil
	case "a2dp":
		return wire.TransportA2DP, nil
	case "any", "":
		return wire.TransportAny, nil
	default:
		return 0, fmt.Errorf("unknown transport %q (expected sco, a2dp, or any)", value)
	}
}

func transportName(t wire.TransportKind) string {
	switch t {
	case wire.TransportSCO:
		return "sco"
	case wire.TransportA2DP:
		return "a2dp"
	default:
		return "any"
	}
}

func codecName(c wire.CodecType) string {
	switch c {
	case wire.CodecSBC:
		return "sbc"
	case wire.CodecMPEG12:
		return "mpeg12"
	case wire.CodecPCM:
		return "pcm"
	default:
		return fmt.Sprintf("0x%02x", uint8(c))
	}
}

func lockName(l wire.LockFlags) string {
	switch {
	case l&wire.LockWrite != 0 && l&wire.LockRead != 0:
		return "rw"
	case l&wire.LockWrite != 0:
		return "write"
	case l&wire.LockRead != 0:
		return "read"
	default:
		return "-"
	}
}

func boolName(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func codecDetails(c wire.EndpointCapability) string {
	switch {
	case c.SBC != nil:
		return fmt.Sprintf("freq=0x%02x mode=0x%02x bitpool=%d..%d",
			c.SBC.Frequency, c.SBC.ChannelMode, c.SBC.MinBitpool, c.SBC.MaxBitpool)
	case c.MPEG != nil:
		return fmt.Sprintf("layer=0x%02x freq=0x%02x bitrate=0x%04x",
			c.MPEG.Layer, c.MPEG.Frequency, c.MPEG.Bitrate)
	case c.PCM != nil:
		details := fmt.Sprintf("rate=%d", c.PCM.SamplingRate)
		if c.PCM.Flags&wire.PCMFlagNREC != 0 {
			details += " nrec"
		}
		if c.PCM.Flags&wire.PCMFlagPCMRouting != 0 {
			details += " pcm-routing"
		}
		return details
	case len(c.Raw) > 0:
		return fmt.Sprintf("%d opaque bytes", len(c.Raw))
	default:
		return ""
	}
}
