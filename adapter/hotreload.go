package adapter

import (
	"context"
	"os"
	"os/signal"

	"github.com/srediag/shmnet/internal/logging"
)

var logger = logging.New("adapter")

// HotReloadAdapter reloads a running configuration.
type HotReloadAdapter interface {
	Reload(ctx context.Context) error
}

// ReloadFunc adapts a function to HotReloadAdapter.
type ReloadFunc func(ctx context.Context) error

func (f ReloadFunc) Reload(ctx context.Context) error { return f(ctx) }

// WatchReload calls target.Reload each time one of sigs arrives, until ctx is done.
// Reload errors are logged and the watch continues.
func WatchReload(ctx context.Context, target HotReloadAdapter, sigs ...os.Signal) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sigs...)
	defer signal.Stop(ch)
	watch(ctx, target, ch)
}

func watch(ctx context.Context, target HotReloadAdapter, ch <-chan os.Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-ch:
			logger.Infof("reload requested by %v", sig)
			if err := target.Reload(ctx); err != nil {
				logger.Errorf("reload failed: %v", err)
			}
		}
	}
}
