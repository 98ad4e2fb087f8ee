package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/edgehub/internal/hub"
	"github.com/danmuck/edgehub/internal/hub/memhub"
	"github.com/danmuck/edgehub/internal/hub/natshub"
	"github.com/danmuck/edgehub/internal/session"
	"github.com/danmuck/edgehub/internal/signup"
	"github.com/puzpuzpuz/xsync/v4"
)

var ErrUnsupportedScheme = errors.New("agent: unsupported hub scheme")

const (
	SchemeMem  = "mem"
	SchemeNATS = "nats"
	SchemeTLS  = "tls"
)

var memHubs = xsync.NewMap[string, *memhub.Hub]()

// MemHub returns the process-wide in-memory hub for HostName=mem://<name>,
// creating it on first use.
func MemHub(name string) *memhub.Hub {
	h, _ := memHubs.LoadOrStore(name, memhub.New(memhub.Options{}))
	return h
}

// HubDialer selects memhub for mem:// hosts and natshub for nats:// and
// tls:// hosts.
func HubDialer(cfg session.Config, reject natshub.RejectPolicy) signup.Dialer {
	return func(ctx context.Context, info hub.ConnectionInfo) (signup.Client, error) {
		switch info.Scheme() {
		case SchemeMem:
			_, name, _ := strings.Cut(info.HostName, "://")
			return MemHub(name), nil
		case SchemeNATS, SchemeTLS:
			return natshub.Dial(ctx, info, natshub.Options{Session: cfg, Reject: reject})
		default:
			return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, info.HostName)
		}
	}
}
