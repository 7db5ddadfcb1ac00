package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"btaudio/internal/ipcclient"
	"btaudio/internal/wire"
)

func newStreamCommand(ctx *commandContext) *cobra.Command {
	var (
		local  string
		object string
		seid   uint8
	)

	cmd := &cobra.Command{
		Use:   "stream <remote-address>",
		Short: "Open an endpoint, start streaming, and hold until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if seid == 0 {
				return fmt.Errorf("--seid is required")
			}
			return ctx.withClient(func(client *ipcclient.Client) error {
				return runStream(cmd, client, local, args[0], object, seid)
			})
		},
	}

	cmd.Flags().StringVar(&local, "local", "", "Local adapter address")
	cmd.Flags().StringVar(&object, "object", "", "Device object path")
	cmd.Flags().Uint8Var(&seid, "seid", 0, "Endpoint to stream from")
	return cmd
}

func runStream(cmd *cobra.Command, client *ipcclient.Client, local, remote, object string, seid uint8) error {
	out := cmd.OutOrStdout()

	opened, err := client.Open(local, remote, object, seid, wire.LockWrite)
	if err != nil {
		return fmt.Errorf("open endpoint: %w", err)
	}
	fmt.Fprintf(out, "Opened endpoint %d on %s\n", seid, opened.Destination)

	caps, err := client.GetCapabilities(opened.Source, opened.Destination, opened.Object,
		wire.TransportA2DP, seid, false)
	if err != nil {
		return fmt.Errorf("fetch endpoint capabilities: %w", err)
	}
	if len(caps.Capabilities) == 0 {
		return fmt.Errorf("endpoint %d reported no capabilities", seid)
	}

	mtu, err := client.SetConfiguration(caps.Capabilities[0])
	if err != nil {
		return fmt.Errorf("configure endpoint: %w", err)
	}
	fmt.Fprintf(out, "Configured %s stream, link MTU %d\n", codecName(caps.Capabilities[0].Codec), mtu)

	fd, err := client.StartStream()
	if err != nil {
		return fmt.Errorf("start stream: %w", err)
	}
	defer syscall.Close(fd)
	fmt.Fprintf(out, "Streaming on descriptor %d; press Ctrl-C to stop\n", fd)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)
	<-sig

	if err := client.StopStream(); err != nil {
		return fmt.Errorf("stop stream: %w", err)
	}
	if err := client.CloseStream(); err != nil {
		return fmt.Errorf("close endpoint: %w", err)
	}
	fmt.Fprintln(out, "Stream stopped")
	return nil
}
