package app

import (
	"lastpush.com/internal/clock"
	"lastpush.com/internal/deposit"
	"lastpush.com/internal/httpapi"
	"lastpush.com/internal/ledger"
	"lastpush.com/internal/order"
	"lastpush.com/internal/provision"
	"lastpush.com/internal/provision/registrar"
	"lastpush.com/pkg/orm"
	"lastpush.com/pkg/ratelimit"
	"lastpush.com/pkg/trace"
	"lastpush.com/pkg/xredis"
)

// Config is config/order-service.yaml. Secrets are usually left empty in the
// file and come from ORDER_SERVICE_* variables.
type Config struct {
	Name string    `mapstructure:"name"`
	Log  LogConfig `mapstructure:"log"`

	HTTP  httpapi.Config `mapstructure:"http"`
	MySQL orm.Config     `mapstructure:"mysql"`
	// an empty addr runs without the balance cache and the clock election
	Redis xredis.Config `mapstructure:"redis"`
	NATS  NATSConfig    `mapstructure:"nats"`
	Trace trace.Config  `mapstructure:"trace"`

	Wallet    WalletConfig     `mapstructure:"wallet"`
	Ledger    ledger.Config    `mapstructure:"ledger"`
	Deposit   deposit.Config   `mapstructure:"deposit"`
	Order     order.Config     `mapstructure:"order"`
	Provision provision.Config `mapstructure:"provision"`
	Registrar registrar.Config `mapstructure:"registrar"`
	DNS       registrar.Config `mapstructure:"dns"`
	Breaker   ratelimit.Rule   `mapstructure:"breaker"`
	Clock     clock.Config     `mapstructure:"clock"`

	AutoMigrate bool `mapstructure:"auto_migrate"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

type NATSConfig struct {
	// empty disables the NATS ingress; the HTTP callbacks still work
	URL  string `mapstructure:"url"`
	Name string `mapstructure:"name"`
}

type WalletConfig struct {
	Mnemonic string `mapstructure:"mnemonic"`
}
