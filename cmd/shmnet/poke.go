package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/srediag/shmnet/pkg/shm"
	"github.com/srediag/shmnet/pkg/transport"
)

type mapFlags struct {
	name    string
	size    int
	timeout time.Duration
}

func (f *mapFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.name, "name", "comms_server", "shared map name")
	fs.IntVar(&f.size, "size", shm.DefaultSize, "shared map size in bytes")
	fs.DurationVar(&f.timeout, "timeout", shm.DefaultLockTimeout, "lock timeout, negative waits forever")
}

func (f *mapFlags) open(ctx context.Context) (*shm.Channel, error) {
	cfg := shm.DefaultConfig(f.name)
	cfg.Size = f.size
	cfg.LockTimeout = f.timeout
	if f.timeout < 0 {
		cfg.LockTimeout = shm.Infinite
	}
	return shm.Open(ctx, cfg)
}

func parseArray(raw string) ([]float64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return []float64{}, nil
	}
	fields := strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == ' ' })
	v := make([]float64, 0, len(fields))
	for _, f := range fields {
		x, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, fmt.Errorf("array element %q: %w", f, err)
		}
		v = append(v, x)
	}
	return v, nil
}

func formatArray(v []float64) string {
	parts := make([]string, len(v))
	for i, x := range v {
		parts[i] = strconv.FormatFloat(x, 'g', -1, 64)
	}
	return strings.Join(parts, ",")
}

// payloadFlags picks between -array and -message for write and send.
type payloadFlags struct {
	array   string
	message string
	isArray bool
	isMsg   bool
}

func (p *payloadFlags) register(fs *flag.FlagSet) {
	fs.Func("array", "comma separated float64 values", func(s string) error {
		p.array, p.isArray = s, true
		return nil
	})
	fs.Func("message", "text message", func(s string) error {
		p.message, p.isMsg = s, true
		return nil
	})
}

func (p *payloadFlags) check() error {
	if p.isArray == p.isMsg {
		return errors.New("exactly one of -array or -message is required")
	}
	return nil
}

func writeCommand(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("write", flag.ContinueOnError)
	var mf mapFlags
	var pf payloadFlags
	mf.register(fs)
	pf.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := pf.check(); err != nil {
		return err
	}
	ch, err := mf.open(ctx)
	if err != nil {
		return err
	}
	defer ch.Close() //nolint:errcheck

	if pf.isArray {
		v, err := parseArray(pf.array)
		if err != nil {
			return err
		}
		err = ch.WriteArray(ctx, v)
		return reportCode(stdout, err)
	}
	return reportCode(stdout, ch.WriteString(ctx, pf.message))
}

func readCommand(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("read", flag.ContinueOnError)
	var mf mapFlags
	mf.register(fs)
	asMessage := fs.Bool("message", false, "read a message instead of an array")
	if err := fs.Parse(args); err != nil {
		return err
	}
	ch, err := mf.open(ctx)
	if err != nil {
		return err
	}
	defer ch.Close() //nolint:errcheck

	if *asMessage {
		msg, err := ch.ReadString(ctx)
		if err != nil && !errors.Is(err, shm.ErrLockAbandoned) {
			return err
		}
		fmt.Fprintln(stdout, msg)
		return nil
	}
	v, err := ch.ReadArray(ctx)
	if err != nil && !errors.Is(err, shm.ErrLockAbandoned) {
		return err
	}
	fmt.Fprintln(stdout, formatArray(v))
	return nil
}

func sizeCommand(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("size", flag.ContinueOnError)
	var mf mapFlags
	mf.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	ch, err := mf.open(ctx)
	if err != nil {
		return err
	}
	defer ch.Close() //nolint:errcheck

	n, err := ch.Size(ctx)
	if err != nil && !errors.Is(err, shm.ErrLockAbandoned) {
		return err
	}
	fmt.Fprintln(stdout, n)
	return nil
}

// reportCode prints the status code of a write. Abandonment still completed the
// write, so only other errors fail the command.
func reportCode(stdout io.Writer, err error) error {
	code := shm.CodeOf(err)
	fmt.Fprintf(stdout, "%d %s\n", int(code), code)
	if err != nil && !errors.Is(err, shm.ErrLockAbandoned) {
		return err
	}
	return nil
}

type socketFlags struct {
	local   int
	remote  int
	ip      string
	timeout time.Duration
}

func (f *socketFlags) register(fs *flag.FlagSet, local, remote int) {
	fs.IntVar(&f.local, "l", local, "local port, 0 picks a free one")
	fs.IntVar(&f.remote, "r", remote, "remote port")
	fs.StringVar(&f.ip, "i", transport.DefaultRemoteAddress, "remote address")
	fs.DurationVar(&f.timeout, "timeout", 5*time.Second, "receive timeout")
}

func (f *socketFlags) open(ctx context.Context) (*transport.Datagram, error) {
	cfg := transport.DefaultConfig(f.local, f.remote)
	cfg.RemoteAddress = f.ip
	cfg.Blocking = true
	cfg.ReadTimeout = f.timeout
	return transport.Open(ctx, cfg)
}

func sendCommand(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	var sf socketFlags
	var pf payloadFlags
	sf.register(fs, 0, 55001)
	pf.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := pf.check(); err != nil {
		return err
	}
	d, err := sf.open(ctx)
	if err != nil {
		return err
	}
	defer d.Close() //nolint:errcheck

	if pf.isArray {
		v, err := parseArray(pf.array)
		if err != nil {
			return err
		}
		err = d.WriteArray(ctx, v)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "sent %d values to %s\n", len(v), d.RemoteAddr())
		return nil
	}
	if err := d.WriteMessage(ctx, []byte(pf.message)); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "sent %d bytes to %s\n", len(pf.message), d.RemoteAddr())
	return nil
}

func recvCommand(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("recv", flag.ContinueOnError)
	var sf socketFlags
	sf.register(fs, 55001, 55002)
	asMessage := fs.Bool("message", false, "receive a message instead of an array")
	if err := fs.Parse(args); err != nil {
		return err
	}
	d, err := sf.open(ctx)
	if err != nil {
		return err
	}
	defer d.Close() //nolint:errcheck

	if *asMessage {
		msg, err := d.ReadMessage(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, string(msg))
		return nil
	}
	v, err := d.ReadArray(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, formatArray(v))
	return nil
}
