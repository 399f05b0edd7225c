// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianBroker/pkg/logging"
	"github.com/AleutianAI/AleutianBroker/services/broker/server"
)

var (
	configPath string
	logLevel   string
	logDir     string
	logJSON    bool

	// cfg is loaded once in PersistentPreRunE.
	cfg    server.Config
	logger *logging.Logger

	rootCmd = &cobra.Command{
		Use:           "broker",
		Short:         "Interpreter broker: discover interpreters, host sessions, connect to them",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := server.LoadConfig(configPath)
			if err != nil {
				return err
			}
			cfg = loaded
			if cmd.Flags().Changed("log-level") {
				cfg.Log.Level = logLevel
			}
			if cmd.Flags().Changed("log-dir") {
				cfg.Log.Dir = logDir
			}
			if cmd.Flags().Changed("log-json") {
				cfg.Log.JSON = logJSON
			}
			return setupLogging(cfg.Log)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if logger != nil {
				return logger.Close()
			}
			return nil
		},
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the remote broker HTTP service",
		RunE:  runServe, // Defined in cmd_serve.go
	}

	interpretersCmd = &cobra.Command{
		Use:     "interpreters",
		Aliases: []string{"ls"},
		Short:   "List compatible interpreter installations, newest first",
		RunE:    runInterpreters, // Defined in cmd_interpreters.go
	}

	connectCmd = &cobra.Command{
		Use:   "connect [name]",
		Short: "Open a session, print host details and optionally evaluate an expression",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runConnect, // Defined in cmd_connect.go
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the broker version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "debug, info, warn or error")
	rootCmd.PersistentFlags().StringVar(&logDir, "log-dir", "", "also write JSON logs to this directory")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "write JSON logs to stderr")

	serveCmd.Flags().StringVar(&serveListen, "listen", "", "listen address, overrides the config")

	interpretersCmd.Flags().BoolVar(&interpretersJSON, "json", false, "print JSON")
	interpretersCmd.Flags().BoolVar(&interpretersAll, "all", false, "include installations outside the supported range")

	connectCmd.Flags().StringVar(&connectURI, "uri", "", "remote broker URL; empty starts a local worker")
	connectCmd.Flags().StringVar(&connectToken, "token", "", "bearer token for a remote broker (or BROKER_TOKEN)")
	connectCmd.Flags().StringVar(&connectInterpreter, "interpreter", "", "interpreter id (version@path) to pin")
	connectCmd.Flags().StringVarP(&connectEval, "eval", "e", "", "expression to evaluate")
	connectCmd.Flags().BoolVar(&connectStdio, "stdio", false, "talk to a local worker over stdio instead of TCP")

	rootCmd.AddCommand(serveCmd, interpretersCmd, connectCmd, versionCmd)
}

func setupLogging(c server.LogConfig) error {
	level, err := logging.ParseLevel(c.Level)
	if err != nil {
		return err
	}
	l, err := logging.New(logging.Config{
		Level:   level,
		LogDir:  c.Dir,
		Service: "broker",
		JSON:    c.JSON,
	})
	if err != nil {
		return err
	}
	l.Install()
	logger = l
	return nil
}
