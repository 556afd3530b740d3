package deduction

import (
	"github.com/smallbiznis/tokenledger/internal/deduction/repository"
	"github.com/smallbiznis/tokenledger/internal/deduction/service"
	"go.uber.org/fx"
)

var Module = fx.Module("deduction.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
