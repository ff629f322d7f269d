// Command shmnet moves float64 samples and text messages between processes over named
// shared maps and UDP datagrams.
//
// Usage:
//
//	shmnet serve -config shmnet.toml       # run relays from a config file
//	shmnet relay -l 55001 -r 55002 -m comms_server
//	shmnet relay -l 55002 -r 55001 -d      # stream demo waveforms
//	shmnet write -name telemetry -array 1,2,3
//	shmnet read -name telemetry -array
//	shmnet send -r 55001 -message hello
//	shmnet recv -l 55001 -array
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/srediag/shmnet/internal/logging"
)

const version = "0.1.0"

var logger = logging.New("shmnet")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		printUsage(stderr)
		return 2
	}
	var err error
	switch cmd, rest := args[0], args[1:]; cmd {
	case "serve":
		err = serveCommand(ctx, rest)
	case "relay":
		err = relayCommand(ctx, rest)
	case "write":
		err = writeCommand(ctx, rest, stdout)
	case "read":
		err = readCommand(ctx, rest, stdout)
	case "size":
		err = sizeCommand(ctx, rest, stdout)
	case "send":
		err = sendCommand(ctx, rest, stdout)
	case "recv":
		err = recvCommand(ctx, rest, stdout)
	case "config":
		err = configCommand(rest, stdout)
	case "version", "--version", "-v":
		fmt.Fprintf(stdout, "shmnet version %s\n", version)
	case "help", "--help", "-h":
		printUsage(stdout)
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n\n", cmd)
		printUsage(stderr)
		return 2
	}
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintf(stderr, "shmnet %s: %v\n", args[0], err)
		return 1
	}
	return 0
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `shmnet - shared map and datagram channels

USAGE:
    shmnet <command> [flags]

COMMANDS:
    serve      Run the relays of a config file with /metrics, /live and /ready
    relay      Relay datagrams into a shared map, or stream demo waveforms (-d)
    write      Write an array or message to a shared map
    read       Read the array or message held by a shared map
    size       Print the byte length held by a shared map
    send       Send an array or message datagram
    recv       Receive one array or message datagram
    config     Write a config template or validate a config file
    version    Show version information
    help       Show this help message

Run 'shmnet <command> -h' for the flags of a command.
Set SHMNET_LOG_LEVEL (trace, debug, info, warn, error) to change verbosity.
`)
}
