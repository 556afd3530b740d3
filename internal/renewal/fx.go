package renewal

import (
	"context"

	balancedomain "github.com/smallbiznis/tokenledger/internal/balance/domain"
	"github.com/smallbiznis/tokenledger/internal/config"
	"go.uber.org/fx"
)

var Module = fx.Module("renewal",
	fx.Provide(New),
	fx.Provide(func(r *Renewer) balancedomain.Renewer { return r }),
	fx.Invoke(StartScheduler),
)

func StartScheduler(lc fx.Lifecycle, cfg config.Config, renewer *Renewer) {
	if !cfg.RenewalSweepEnabled {
		return
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())

			go renewer.RunForever(ctx)

			lc.Append(fx.Hook{
				OnStop: func(context.Context) error {
					cancel()
					return nil
				},
			})

			return nil
		},
	})
}
