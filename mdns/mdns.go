// Package mdns implements the LCC mDNS service-naming convention
// (spec.md §4.6) and announces a node's CAN-over-TCP gateway using
// DNS-SD, grounded on the same github.com/brutella/dnssd responder
// the CAN-link transport's peers use for discovery.
package mdns

import (
	"context"
	"regexp"
	"strings"

	"github.com/brutella/dnssd"
	"github.com/charmbracelet/log"

	"github.com/openlcb-go/lccnode/nodeid"
	"github.com/openlcb-go/lccnode/xlog"
)

// ServiceType is the DNS-SD service type for an OpenLCB/LCC
// CAN-over-TCP gateway (spec.md §6).
const ServiceType = "_openlcb-can._tcp"

var suffixPattern = regexp.MustCompile(`(?i)([0-9A-F]{12})\._openlcb-can\._tcp\.local\.?$`)

// IDFromTCPServiceName extracts the 12-hex-digit NodeID suffix from a
// service instance name of the form
// "[prefix_]..._<12hex>._openlcb-can._tcp.local.", returning it in
// canonical dotted form. Returns "", false if no such suffix is
// present. Matching on the hex portion is case-insensitive.
func IDFromTCPServiceName(name string) (string, bool) {
	m := suffixPattern.FindStringSubmatch(name)
	if m == nil {
		return "", false
	}
	hexID := strings.ToUpper(m[1])
	n, err := nodeid.FromBytes(hexDigitsToBytes(hexID))
	if err != nil {
		return "", false
	}
	return n.String(), true
}

func hexDigitsToBytes(hex string) []byte {
	out := make([]byte, len(hex)/2)
	for i := range out {
		hi := hexVal(hex[i*2])
		lo := hexVal(hex[i*2+1])
		out[i] = hi<<4 | lo
	}
	return out
}

func hexVal(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10
	default:
		return 0
	}
}

// ServiceName builds the canonical DNS-SD instance name for local,
// optionally prefixed (e.g. by a hostname or application name).
func ServiceName(prefix string, local nodeid.NodeID) string {
	hex := strings.ReplaceAll(local.String(), ".", "")
	if prefix == "" {
		return hex
	}
	return prefix + "_" + hex
}

// Announcer advertises this node's CAN-over-TCP gateway via DNS-SD.
type Announcer struct {
	logger *log.Logger
}

// NewAnnouncer constructs an Announcer. logger may be nil.
func NewAnnouncer(logger *log.Logger) *Announcer {
	return &Announcer{logger: xlog.OrDefault(logger)}
}

// Announce registers and responds to DNS-SD queries for instanceName
// on port, until ctx is cancelled. It blocks; callers typically invoke
// it in its own goroutine.
func (a *Announcer) Announce(ctx context.Context, instanceName string, port int) error {
	cfg := dnssd.Config{
		Name: instanceName,
		Type: ServiceType,
		Port: port,
	}
	svc, err := dnssd.NewService(cfg)
	if err != nil {
		a.logger.Error("mdns: failed to create service", "err", err)
		return err
	}

	responder, err := dnssd.NewResponder()
	if err != nil {
		a.logger.Error("mdns: failed to create responder", "err", err)
		return err
	}

	if _, err := responder.Add(svc); err != nil {
		a.logger.Error("mdns: failed to add service", "err", err)
		return err
	}

	a.logger.Info("mdns: announcing", "name", instanceName, "port", port)
	return responder.Respond(ctx)
}
