package common

import (
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"os"
)

// LoadConfig reads the application config from defaultPath, or from
// userSpecifiedPath when given, and unmarshals it into config.
func LoadConfig(config interface{}, defaultPath string, userSpecifiedPath string) {
	viper.SetConfigName("config")
	viper.AddConfigPath(defaultPath)
	if userSpecifiedPath != "" {
		viper.SetConfigFile(userSpecifiedPath)
	}
	if err := viper.ReadInConfig(); err != nil {
		log.Error(err)
		os.Exit(-1)
	}
	err := viper.Unmarshal(config)
	if err != nil {
		log.Error(err)
		os.Exit(-1)
	}
}

// BindCommandlineArguments makes parsed pflag values visible to viper,
// so flags override file configuration.
func BindCommandlineArguments() {
	err := viper.BindPFlags(pflag.CommandLine)
	if err != nil {
		log.Error(err)
		os.Exit(-1)
	}
}

func ConfigureLogging() {
	log.SetFormatter(&log.TextFormatter{ForceColors: true, FullTimestamp: true})
	log.SetOutput(os.Stdout)
}
