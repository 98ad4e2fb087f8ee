package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/danmuck/edgehub/internal/hub"
	"github.com/danmuck/edgehub/internal/hub/natshub"
	"github.com/danmuck/edgehub/internal/logging"
	"github.com/danmuck/edgehub/internal/session"
	"github.com/spf13/pflag"
)

const envConnectionString = "EDGEHUB_CONNECTION_STRING"

var errUsage = errors.New("usage: hubctl [flags] register|get|enable|disable <device-id> | send <device-id> <payload>")

// commandArgs is the positional argument count of each command, itself included.
var commandArgs = map[string]int{
	"register": 2,
	"get":      2,
	"enable":   2,
	"disable":  2,
	"send":     3,
}

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "hubctl: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	flags := pflag.NewFlagSet("hubctl", pflag.ContinueOnError)
	connStr := flags.String("connection-string", os.Getenv(envConnectionString), "hub connection string (nats:// or tls:// host)")
	props := flags.StringToString("prop", nil, "message property key=value (send)")
	msgID := flags.String("msg-id", "", "message id for duplicate suppression (send)")
	timeout := flags.Duration("timeout", 10*time.Second, "operation timeout")
	if err := flags.Parse(args); err != nil {
		return err
	}
	logging.ConfigureRuntime()

	rest := flags.Args()
	if len(rest) == 0 {
		return errUsage
	}
	cmd := rest[0]
	want, ok := commandArgs[cmd]
	if !ok {
		return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}
	if len(rest) < want {
		return errUsage
	}
	deviceID := rest[1]

	info, err := hub.ParseConnectionString(strings.TrimSpace(*connStr))
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()
	h, err := natshub.Dial(ctx, info, natshub.Options{
		Session: session.Config{OperationTimeout: *timeout},
		Name:    "hubctl",
	})
	if err != nil {
		return err
	}
	defer h.Close()

	switch cmd {
	case "register":
		rec, err := h.AddDevice(ctx, deviceID)
		if errors.Is(err, hub.ErrDeviceExists) {
			rec, err = h.GetDevice(ctx, deviceID)
		}
		if err != nil {
			return err
		}
		return printDevice(out, info, rec)
	case "get":
		rec, err := h.GetDevice(ctx, deviceID)
		if err != nil {
			return err
		}
		return printDevice(out, info, rec)
	case "enable", "disable":
		status := hub.DeviceEnabled
		if cmd == "disable" {
			status = hub.DeviceDisabled
		}
		rec, err := h.SetStatus(ctx, deviceID, status)
		if err != nil {
			return err
		}
		return printDevice(out, info, rec)
	case "send":
		id := *msgID
		if id == "" {
			id = fmt.Sprintf("hubctl-%d", time.Now().UnixNano())
		}
		seq, err := h.Publish(ctx, deviceID, id, []byte(rest[2]), *props)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(out, "sent device=%s msg_id=%s seq=%d\n", deviceID, id, seq)
		return err
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}
}

type deviceView struct {
	hub.DeviceRecord
	ConnectionString string `json:"connection_string"`
}

func printDevice(out io.Writer, info hub.ConnectionInfo, rec hub.DeviceRecord) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(deviceView{
		DeviceRecord:     rec,
		ConnectionString: info.ForDevice(rec).String(),
	})
}
