// Command lccnode is a reference LCC node: it dials a CAN-over-TCP
// gateway, joins the link with GridConnect/CAN-link alias arbitration,
// and serves the Datagram, Memory Configuration, and SNIP protocols
// against it. It is grounded on the teacher's cmd/direwolf/main.go flag
// conventions (pflag) and example_memory_transfer.py's service wiring
// order: transport, then link, then datagram, then memory, then the
// optional CDI pull.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/lestrrat-go/strftime"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/openlcb-go/lccnode/canframe"
	"github.com/openlcb-go/lccnode/canlink"
	"github.com/openlcb-go/lccnode/cdi"
	"github.com/openlcb-go/lccnode/datagram"
	"github.com/openlcb-go/lccnode/gridconnect"
	"github.com/openlcb-go/lccnode/mdns"
	"github.com/openlcb-go/lccnode/memconfig"
	"github.com/openlcb-go/lccnode/nodeid"
	"github.com/openlcb-go/lccnode/snip"
	"github.com/openlcb-go/lccnode/transport"
	"github.com/openlcb-go/lccnode/xlog"
)

// config is the node's persisted identity and SNIP content, loaded
// from a YAML file (the teacher's tocalls.yaml-via-deviceid.go
// pattern: small config structs unmarshalled with yaml.v3).
type config struct {
	NodeID            string `yaml:"node_id"`
	ManufacturerName  string `yaml:"manufacturer_name"`
	Model             string `yaml:"model"`
	HardwareVersion   string `yaml:"hardware_version"`
	SoftwareVersion   string `yaml:"software_version"`
	UserName          string `yaml:"user_name"`
	UserDescription   string `yaml:"user_description"`
	ServiceNamePrefix string `yaml:"service_name_prefix"`
}

func loadConfig(path string) (config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return config{}, fmt.Errorf("lccnode: reading config %s: %w", path, err)
	}
	var c config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return config{}, fmt.Errorf("lccnode: parsing config %s: %w", path, err)
	}
	return c, nil
}

func main() {
	var configFile = pflag.StringP("config-file", "c", "lccnode.yaml", "Node identity/SNIP configuration file name.")
	var gatewayHost = pflag.StringP("gateway-host", "H", "127.0.0.1", "CAN-over-TCP gateway hostname.")
	var gatewayPort = pflag.IntP("gateway-port", "P", 12021, "CAN-over-TCP gateway port.")
	var advertise = pflag.BoolP("advertise", "m", false, "Announce this node's gateway port via mDNS/DNS-SD.")
	var pullCDIFrom = pflag.StringP("pull-cdi-from", "x", "", "If set, a dotted NodeID to download CDI from after startup, logged on completion.")
	var timestampFormat = pflag.StringP("timestamp-format", "T", "", "strftime format for the timestamp attached to each received-chunk debug log entry; empty omits it.")
	var logLevel = pflag.StringP("log-level", "v", "info", "Log level: debug, info, warn, error.")
	var help = pflag.BoolP("help", "h", false, "Display help text.")

	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "%s - a reference OpenLCB/LCC node.\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Usage: lccnode [options]\n")
		pflag.PrintDefaults()
	}
	pflag.Parse()

	if *help {
		pflag.Usage()
		os.Exit(1)
	}

	level, err := log.ParseLevel(*logLevel)
	if err != nil {
		level = log.InfoLevel
	}
	logger := xlog.New(os.Stderr, "lccnode", level)

	if *timestampFormat != "" {
		if _, err := strftime.Format(*timestampFormat, time.Now()); err != nil {
			logger.Fatal("invalid timestamp-format", "err", err)
		}
	}

	cfg, err := loadConfig(*configFile)
	if err != nil {
		logger.Fatal("config", "err", err)
	}
	local, err := nodeid.FromDottedString(cfg.NodeID)
	if err != nil {
		logger.Fatal("config: bad node_id", "node_id", cfg.NodeID, "err", err)
	}

	tr, err := transport.Dial(*gatewayHost, *gatewayPort, logger.WithPrefix("transport"))
	if err != nil {
		logger.Fatal("dial gateway", "err", err)
	}
	defer tr.Close()

	decoder := gridconnect.NewDecoder(logger.WithPrefix("gridconnect"))
	link := canlink.New(local, &frameSink{tr: tr, logger: logger.WithPrefix("gridconnect")}, logger.WithPrefix("canlink"))
	decoder.RegisterFrameListener(func(f canframe.Frame) { link.HandleFrame(f) })
	decoder.RegisterErrorListener(func(err error) { logger.Warn("gridconnect decode error", "err", err) })

	dgram := datagram.New(local, link, logger.WithPrefix("datagram"))
	mem := memconfig.New(local, dgram, logger.WithPrefix("memconfig"))
	dgram.RegisterReceiveListener(mem.ReceiveListener)

	nodeSNIP := snip.New(cfg.ManufacturerName, cfg.Model, cfg.HardwareVersion, cfg.SoftwareVersion, cfg.UserName, cfg.UserDescription, logger.WithPrefix("snip"))
	registerIdentity(link, local, nodeSNIP, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if *advertise {
		announcer := mdns.NewAnnouncer(logger.WithPrefix("mdns"))
		name := mdns.ServiceName(cfg.ServiceNamePrefix, local)
		go func() {
			if err := announcer.Announce(ctx, name, *gatewayPort); err != nil {
				logger.Error("mdns announce stopped", "err", err)
			}
		}()
	}

	link.PhysicalLayerUp(time.Now())
	go readLoop(ctx, tr, decoder, logger, *timestampFormat)

	if *pullCDIFrom != "" {
		peer, err := nodeid.FromDottedString(*pullCDIFrom)
		if err != nil {
			logger.Error("pull-cdi-from: bad node id", "value", *pullCDIFrom, "err", err)
		} else {
			cdi.Download(mem, peer, logger.WithPrefix("cdi"), func(r cdi.Result) {
				if r.Err != nil {
					logger.Error("cdi download failed", "peer", peer, "err", r.Err)
					return
				}
				logger.Info("cdi download complete", "peer", peer, "bytes", len(r.Data))
			})
		}
	}

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			link.PhysicalLayerDown()
			return
		case now := <-ticker.C:
			link.Tick(now)
			dgram.Tick(now)
		}
	}
}

// frameSink adapts the transport+GridConnect codec into the
// canlink.FrameSender contract the link expects below it.
type frameSink struct {
	tr     *transport.TCPTransport
	logger *log.Logger
}

func (f *frameSink) SendFrame(fr canframe.Frame) {
	if err := f.tr.Send(gridconnect.Send(fr)); err != nil {
		f.logger.Error("send frame", "err", err)
	}
}

// readLoop pulls raw bytes off the transport and feeds them to the
// GridConnect decoder, which in turn drives the link's HandleFrame via
// its registered listener. It runs on its own goroutine because
// net.Conn reads block; everything it calls back into funnels through
// the single-threaded decoder/link state below, matching the
// teacher's own socket-reader-feeds-single-consumer idiom
// (src/kissnet.go). When timestampFormat is non-empty, each chunk is
// logged preceded by a formatted timestamp, the same "-T
// timestamp-format" convention the teacher applies to received frames.
func readLoop(ctx context.Context, tr *transport.TCPTransport, decoder *gridconnect.Decoder, logger *log.Logger, timestampFormat string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		chunk, err := tr.Receive()
		if err != nil {
			logger.Error("transport receive failed, connection lost", "err", err)
			return
		}
		if timestampFormat != "" {
			if ts, err := strftime.Format(timestampFormat, time.Now()); err == nil {
				logger.Debug("received", "at", ts, "bytes", len(chunk))
			}
		}
		decoder.ReceiveBytes(chunk)
	}
}

// registerIdentity answers VerifyNodeID and SimpleNodeInfoRequest
// messages addressed to, or broadcast toward, the local node — the
// minimal identity surface every node on the link must provide so
// peers can discover and describe it.
func registerIdentity(link *canlink.Link, local nodeid.NodeID, info *snip.SNIP, logger *log.Logger) {
	link.RegisterMessageListener(func(m canlink.Message) {
		switch m.MTI {
		case canlink.MTIVerifyNodeIDGlobal, canlink.MTIVerifyNodeIDAddressed:
			if m.IsAddressed() && !m.Dest.Equal(local) {
				return
			}
			reply := canlink.NewAddressed(canlink.MTIVerifiedNodeID, local, m.Source, nodeIDBytes(local))
			if err := link.SendMessage(reply); err != nil {
				logger.Warn("reply VerifiedNodeID", "err", err)
			}
		case canlink.MTISimpleNodeInfoRequest:
			if !m.IsAddressed() || !m.Dest.Equal(local) {
				return
			}
			reply := canlink.NewAddressed(canlink.MTISimpleNodeInfoReply, local, m.Source, info.Data())
			if err := link.SendMessage(reply); err != nil {
				logger.Warn("reply SimpleNodeInfoReply", "err", err)
			}
		}
	})
}

func nodeIDBytes(n nodeid.NodeID) []byte {
	b := n.Bytes()
	return b[:]
}
