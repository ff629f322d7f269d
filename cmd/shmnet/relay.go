package main

import (
	"context"
	"flag"
	"time"

	"github.com/srediag/shmnet/internal/config"
	"github.com/srediag/shmnet/pkg/metrics"
	"github.com/srediag/shmnet/pkg/shm"
)

// relayCommand runs one relay in the foreground: datagrams into a shared map, or with
// -d waveform samples out as datagrams.
func relayCommand(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("relay", flag.ContinueOnError)
	local := fs.Int("l", 55001, "local port")
	remote := fs.Int("r", 55002, "remote port")
	ip := fs.String("i", "127.0.0.1", "remote address")
	name := fs.String("m", "comms_server", "shared map name")
	size := fs.Int("size", shm.DefaultSize, "shared map size in bytes")
	demo := fs.Bool("d", false, "stream demo waveforms to the remote port instead")
	period := fs.Duration("period", time.Millisecond, "demo sample period")
	if err := fs.Parse(args); err != nil {
		return err
	}

	rc := buildRelay(*name, *local, *remote, *ip, *size, *demo, *period)
	if err := config.ValidateRelay(rc); err != nil {
		return err
	}
	relay, err := instruments{recorder: metrics.Nop{}}.relayFactory(rc)(ctx)
	if err != nil {
		return err
	}
	if *demo {
		logger.Infof("streaming %v to %s:%d every %v", rc.Waveform.Types, *ip, *remote, *period)
	} else {
		logger.Infof("relaying port %d into shared map %s", *local, *name)
	}
	err = relay.Run(ctx)
	st := relay.Stats()
	logger.Infof("relay %s stopped: received %d, written %d, coalesced %d, dropped %d",
		relay.Name(), st.Received, st.Written, st.Coalesced, st.Dropped)
	return err
}

func buildRelay(name string, local, remote int, ip string, size int, demo bool, period time.Duration) config.Relay {
	rc := config.DefaultRelay(name)
	rc.UDP.LocalPort = local
	rc.UDP.RemotePort = remote
	rc.UDP.RemoteAddress = ip
	rc.SHM.Size = size
	if demo {
		rc.Source = config.KindWaveform
		rc.Sink = config.KindUDP
		rc.Period = period
	}
	return rc
}
