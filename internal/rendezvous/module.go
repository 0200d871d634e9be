package rendezvous

import (
	"context"

	"github.com/benbjohnson/clock"
	"go.uber.org/fx"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Params are the Service's dependencies.
type Params struct {
	fx.In

	Config Config
	Logger *zap.Logger `optional:"true"`
	Clock  clock.Clock `optional:"true"`
}

// Module is the fx module for the rendezvous service. It expects a Config
// to be supplied and runs the service for the lifetime of the app.
var Module = fx.Module("rendezvous",
	fx.Provide(NewServiceFromParams),
	fx.Invoke(registerLifecycle),
)

// NewServiceFromParams creates a Service from injected parameters.
func NewServiceFromParams(p Params) (*Service, error) {
	return NewService(p.Config, p.Logger, p.Clock)
}

func registerLifecycle(lc fx.Lifecycle, svc *Service) {
	var (
		cancel context.CancelFunc
		done   = make(chan error, 1)
	)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			// The OnStart context ends when the hook returns; the run loop
			// needs one that lives until OnStop.
			var ctx context.Context
			ctx, cancel = context.WithCancel(context.Background())
			go func() {
				done <- svc.Run(ctx)
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			err := svc.Close()
			select {
			case runErr := <-done:
				return multierr.Append(err, runErr)
			case <-ctx.Done():
				return multierr.Append(err, ctx.Err())
			}
		},
	})
}
