// Package config points the process-wide Viper instance at the scheduler's
// configuration file.
package config

import (
	"errors"
	"fmt"

	"github.com/spf13/viper"
)

// InitConfig configures the global Viper instance. An explicit path must
// exist; otherwise the usual locations are searched and a missing file is
// not an error, so defaults and CRAWLSCHED_* variables still apply.
func InitConfig(path string) (string, error) {
	if path != "" {
		viper.SetConfigFile(path)
	} else {
		viper.SetConfigName("crawlsched")
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/crawlsched/")
		viper.AddConfigPath("$HOME/.crawlsched")
	}

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path == "" && errors.As(err, &notFound) {
			return "", nil
		}
		return "", fmt.Errorf("read config: %w", err)
	}
	return viper.ConfigFileUsed(), nil
}
