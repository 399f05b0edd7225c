// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command broker discovers interpreters, serves the remote broker and
// connects to sessions from the command line.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/AleutianAI/AleutianBroker/services/broker/protocol"
	"github.com/AleutianAI/AleutianBroker/services/broker/server"
)

// version is set with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	server.Version = version
	os.Exit(run())
}

func run() int {
	err := rootCmd.Execute()
	switch {
	case err == nil:
		return 0
	case errors.Is(err, server.ErrPortInUse):
		fmt.Fprintln(os.Stderr, "broker:", err)
		return protocol.ExitCodePortInUse
	default:
		fmt.Fprintln(os.Stderr, "broker:", err)
		return 1
	}
}
