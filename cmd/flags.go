// Package cmd provides the CLI surface for the re-encryption coordinator.
// This file contains the CLI-flag-precedence helper pkg/env's callers use
// throughout zapfs: an explicitly-set flag wins, otherwise viper's normal
// env-var/config-file/default priority applies, and the flag's declared
// default is used when viper has no value at all.
package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// FlagLoader resolves a config value giving an explicitly-set CLI flag
// precedence over viper.
type FlagLoader struct {
	cmd *cobra.Command
	v   *viper.Viper
}

func NewFlagLoader(cmd *cobra.Command, v *viper.Viper) *FlagLoader {
	return &FlagLoader{cmd: cmd, v: v}
}

func (f *FlagLoader) String(flagName string) string {
	if f.cmd.Flags().Changed(flagName) || !f.v.IsSet(flagName) {
		val, _ := f.cmd.Flags().GetString(flagName)
		return val
	}
	return f.v.GetString(flagName)
}

func (f *FlagLoader) Int(flagName string) int {
	if f.cmd.Flags().Changed(flagName) || !f.v.IsSet(flagName) {
		val, _ := f.cmd.Flags().GetInt(flagName)
		return val
	}
	return f.v.GetInt(flagName)
}

func (f *FlagLoader) Float64(flagName string) float64 {
	if f.cmd.Flags().Changed(flagName) || !f.v.IsSet(flagName) {
		val, _ := f.cmd.Flags().GetFloat64(flagName)
		return val
	}
	return f.v.GetFloat64(flagName)
}
