package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/skip2/go-qrcode"

	"github.com/penhold/squire/internal/transport"
)

// runLink pairs Squire with the user's chat account as a linked
// device: request a provisioning URI from the daemon, render it as a
// terminal QR code for the phone to scan, then complete the link.
func runLink(ctx context.Context, stdout io.Writer, configPath string, args []string) error {
	deviceName := "squire"
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-name" && i+1 < len(args):
			deviceName = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-name="):
			deviceName = strings.TrimPrefix(args[i], "-name=")
		default:
			return fmt.Errorf("usage: squire link [-name <device-name>]")
		}
	}

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if cfg.Transport.RPCURL == "" {
		return fmt.Errorf("transport.rpc_url is not configured")
	}

	logger := newLogger(io.Discard, 0, "text")
	client := transport.NewClient(cfg.Transport, logger)

	uri, err := client.StartLink(ctx)
	if err != nil {
		return fmt.Errorf("start link: %w", err)
	}

	qr, err := qrcode.New(uri, qrcode.Medium)
	if err != nil {
		return fmt.Errorf("render QR code: %w", err)
	}
	fmt.Fprintln(stdout, "Scan this QR code with your phone:")
	fmt.Fprintln(stdout, "(Settings > Linked Devices > Link New Device)")
	fmt.Fprintln(stdout)
	fmt.Fprint(stdout, qr.ToSmallString(false))
	fmt.Fprintln(stdout)
	fmt.Fprintln(stdout, "Waiting for the link to complete...")

	// finishLink blocks on the daemon until the phone approves; give
	// the user a generous window to find their phone.
	linkCtx, cancel := context.WithTimeout(ctx, 3*time.Minute)
	defer cancel()
	if err := client.FinishLink(linkCtx, uri, deviceName); err != nil {
		return fmt.Errorf("finish link: %w", err)
	}

	fmt.Fprintf(stdout, "Linked as %q. Set transport.enabled: true and start `squire serve`.\n", deviceName)
	return nil
}
