package config

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// FromCobraCmd creates a TFConfig instance from a cobra command object. It exits the process
// if the configuration cannot be loaded.
func FromCobraCmd(cmd *cobra.Command) *TFConfig {
	var flags *pflag.FlagSet
	if cmd.Name() == "tfctl" {
		flags = cmd.PersistentFlags()
	} else {
		flags = cmd.InheritedFlags()
	}

	var paths []string
	if flag := flags.Lookup("config"); flag != nil && flag.Changed {
		fileLoc, err := flags.GetString("config")
		if err != nil {
			log.Fatal().Err(err).Msg("Could not get file location")
		}
		paths = append(paths, fileLoc)
	}

	conf, err := LoadConfig(paths...)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not load config file")
	}
	return conf
}
