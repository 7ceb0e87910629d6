package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bl4ck0w1/lynxscan/pkg/models"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const envPrefix = "LYNXSCAN"

// InitConfig layers defaults, the config file and LYNXSCAN_* environment
// variables into viper. Nested keys map to env names with "." replaced by "_",
// e.g. ai.api_key is LYNXSCAN_AI_API_KEY.
func InitConfig() error {
	if err := setDefaults(); err != nil {
		return err
	}
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("get home dir: %w", err)
		}
		viper.AddConfigPath(filepath.Join(home, ".lynxscan"))
		viper.AddConfigPath("/etc/lynxscan/")
		viper.AddConfigPath(".")
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("reading config file: %w", err)
		}
	} else {
		logrus.Debugf("Using config file: %s", viper.ConfigFileUsed())
	}
	return nil
}

// setDefaults registers every key of the default configuration so that env
// overrides apply to keys absent from the config file.
func setDefaults() error {
	raw, err := yaml.Marshal(models.DefaultConfig())
	if err != nil {
		return err
	}
	var tree map[string]interface{}
	if err := yaml.Unmarshal(raw, &tree); err != nil {
		return err
	}
	setNestedDefaults("", tree)
	viper.SetDefault("quiet", false)
	return nil
}

func setNestedDefaults(prefix string, tree map[string]interface{}) {
	for k, v := range tree {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if sub, ok := v.(map[string]interface{}); ok {
			setNestedDefaults(key, sub)
			continue
		}
		viper.SetDefault(key, v)
	}
}

// LoadConfig decodes the merged viper settings and validates them. Defaults are
// already registered with viper, so decoding starts from a zero Config.
func LoadConfig() (*models.Config, error) {
	cfg := &models.Config{}
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
