// Copyright 2025 PhotoStream Authors
// SPDX-License-Identifier: Apache-2.0

package env

import (
	"os"
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

func IsLocal() bool {
	return Env == Local
}

func IsProduction() bool {
	return Env == Production
}

func IsTesting() bool {
	return Env == Testing
}

func init() {
	once.Do(func() {
		Env = viper.GetString("ENV")
		if Env == "" {
			// Config files are not loaded yet at package init.
			Env = os.Getenv("ENV")
		}
		if Env == "" {
			Env = Local
		}
	})
}
