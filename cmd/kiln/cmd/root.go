// Copyright 2026 The Kiln Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Version is assigned by main from its own linker-set version variable.
var Version = "dev"

var resourcePath string

var rootCmd = &cobra.Command{
	Use:   "kiln",
	Short: "Run Stable Diffusion sampling on-device",
	Long: `Kiln loads an exported latent-diffusion resource directory and runs
text-to-image, image-to-image, inpainting, and instruct-pix2pix sampling
against it.`,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&resourcePath, "resource-path", "", "directory of exported model artifacts")
	rootCmd.PersistentFlags().String("log-level", "info", "log level: debug, info, warn, error")
	mustBindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func initConfig() {
	viper.SetEnvPrefix("kiln")
	viper.AutomaticEnv()
}

func mustBindPFlag(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("cmd: bind flag %q: %v", key, err))
	}
}

func newLogger() *zap.Logger {
	level := zapcore.InfoLevel
	_ = level.UnmarshalText([]byte(viper.GetString("log.level")))

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.EncoderConfig.TimeKey = "" // one line per event is enough for a CLI tool

	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// Execute runs the root command, exiting the process on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
