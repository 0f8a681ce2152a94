// Package env exposes the deployment environment, read once from viper/the
// process environment, the way zapfs's own pkg/env does.
package env

import (
	"sync"

	"github.com/spf13/viper"
)

const (
	Local      = "local"
	Production = "production"
	Testing    = "testing"
)

var (
	Env string

	once sync.Once
)

func IsLocal() bool      { return Env == Local }
func IsProduction() bool { return Env == Production }
func IsTesting() bool    { return Env == Testing }

func init() {
	once.Do(func() {
		_ = viper.BindEnv("ENV")
		Env = viper.GetString("ENV")
		if Env == "" {
			Env = Local
		}
	})
}
