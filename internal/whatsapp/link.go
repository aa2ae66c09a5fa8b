package whatsapp

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/types/events"
)

// RenderQR prints a pairing code as a terminal QR code.
func RenderQR(code string, w io.Writer) {
	qrterminal.GenerateHalfBlock(code, qrterminal.L, w)
}

// LinkDevice performs QR code pairing for a new WhatsApp device.
// Displays the QR code on out and waits for the user to scan it.
func LinkDevice(ctx context.Context, storePath string, out io.Writer) error {
	db, container, err := openStore(ctx, storePath)
	if err != nil {
		return err
	}
	defer db.Close()

	// Remove stale devices from earlier pairings; GetFirstDevice would
	// otherwise hand back an invalidated session.
	oldDevices, err := container.GetAllDevices(ctx)
	if err != nil {
		return fmt.Errorf("failed to list existing devices: %w", err)
	}
	for _, d := range oldDevices {
		jid := "(unknown)"
		if d.ID != nil {
			jid = d.ID.String()
		}
		fmt.Fprintf(out, "Removing stale device: %s\n", jid)
		_ = d.Delete(ctx)
	}

	client := whatsmeow.NewClient(container.NewDevice(), &bridgeLogger{module: "client"})

	// The QR "success" item only means the scan was accepted; the client
	// still has to finish the initial sync before it is usable.
	connectedCh := make(chan struct{}, 1)
	client.AddEventHandler(func(evt interface{}) {
		if _, ok := evt.(*events.Connected); ok {
			select {
			case connectedCh <- struct{}{}:
			default:
			}
		}
	})

	qrChan, err := client.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("failed to get QR channel: %w", err)
	}
	if err := client.Connect(); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer client.Disconnect()

	fmt.Fprintln(out, "Scan the QR code below with your WhatsApp app:")
	fmt.Fprintln(out, "  WhatsApp > Settings > Linked Devices > Link a Device")
	fmt.Fprintln(out)

	for item := range qrChan {
		switch item.Event {
		case "code":
			RenderQR(item.Code, out)
			fmt.Fprintln(out, "\nWaiting for scan...")
		case "success":
			fmt.Fprintln(out, "\nScan accepted, completing initial sync...")
			select {
			case <-connectedCh:
			case <-time.After(30 * time.Second):
				return fmt.Errorf("timed out waiting for initial sync, try again")
			case <-ctx.Done():
				return ctx.Err()
			}
			fmt.Fprintf(out, "Paired successfully! JID: %s\n", client.Store.ID)
			return nil
		case "timeout":
			return fmt.Errorf("QR code expired, run the command again")
		default:
			return fmt.Errorf("pairing failed: %s", item.Event)
		}
	}
	return fmt.Errorf("QR channel closed unexpectedly")
}

// UnlinkDevice removes the stored WhatsApp session, requiring re-pairing.
// This is the way out of a permanent logout.
func UnlinkDevice(ctx context.Context, storePath string, out io.Writer) error {
	if _, err := os.Stat(storePath); os.IsNotExist(err) {
		return fmt.Errorf("no WhatsApp session found (no %s)", storePath)
	}

	db, container, err := openStore(ctx, storePath)
	if err != nil {
		return err
	}
	defer db.Close()

	devices, err := container.GetAllDevices(ctx)
	if err != nil {
		return fmt.Errorf("failed to list devices: %w", err)
	}
	if len(devices) == 0 {
		return fmt.Errorf("no paired devices found")
	}

	for _, device := range devices {
		jid := "(unknown)"
		if device.ID != nil {
			jid = device.ID.String()
		}
		if err := device.Delete(ctx); err != nil {
			return fmt.Errorf("failed to delete device %s: %w", jid, err)
		}
		fmt.Fprintf(out, "Removed device: %s\n", jid)
	}

	fmt.Fprintln(out, "WhatsApp session cleared. Run 'wabridge link' to re-pair.")
	return nil
}

// DeviceStatus prints the current pairing status.
func DeviceStatus(ctx context.Context, storePath string, out io.Writer) error {
	if _, err := os.Stat(storePath); os.IsNotExist(err) {
		fmt.Fprintln(out, "Status: Not paired (no session database)")
		return nil
	}

	db, container, err := openStore(ctx, storePath)
	if err != nil {
		return err
	}
	defer db.Close()

	devices, err := container.GetAllDevices(ctx)
	if err != nil {
		return fmt.Errorf("failed to list devices: %w", err)
	}

	if len(devices) == 0 {
		fmt.Fprintln(out, "Status: Not paired")
		fmt.Fprintln(out, "Run 'wabridge link' to pair a device.")
		return nil
	}
	for _, device := range devices {
		fmt.Fprintln(out, "Status: Paired")
		fmt.Fprintf(out, "  JID: %s\n", device.ID)
	}
	return nil
}
