package config

import (
	"context"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"lastpush.com/pkg/logger"
)

// Load reads {service}.yaml from paths (default ./config and .) into out.
// Environment variables override file keys: for "order-service",
// ORDER_SERVICE_HTTP_ADDR overrides http.addr.
func Load(service string, out interface{}, paths ...string) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigName(service)
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		paths = []string{"./config", "."}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	v.SetEnvPrefix(envPrefix(service))
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	if err := v.Unmarshal(out); err != nil {
		return nil, err
	}

	logger.Info(context.Background(), "config loaded",
		zap.String("service", service),
		zap.String("file", v.ConfigFileUsed()))
	return v, nil
}

// LoadAndWatch is Load plus a file watch. out is filled once; onChange gets
// the reloaded viper so callers can unmarshal into a fresh value and swap
// whatever is safe to swap at runtime.
func LoadAndWatch(service string, out interface{}, onChange func(v *viper.Viper), paths ...string) (*viper.Viper, error) {
	v, err := Load(service, out, paths...)
	if err != nil {
		return nil, err
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		logger.Info(context.Background(), "config file changed",
			zap.String("service", service),
			zap.String("file", e.Name))
		if onChange != nil {
			onChange(v)
		}
	})
	v.WatchConfig()
	return v, nil
}

func envPrefix(service string) string {
	return strings.ToUpper(strings.ReplaceAll(service, "-", "_"))
}
