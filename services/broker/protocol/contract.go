// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package protocol

// Worker launch contract shared by the supervisor and the host process.
const (
	// ReadyLine prefixes the handshake line a worker writes on stderr once
	// its endpoint is bound. The rest of the line is "endpoint=<addr>".
	ReadyLine = "broker-host: ready"

	// ExitCodePortInUse is the process exit code for "configured port already
	// in use". Both the broker service and workers use it.
	ExitCodePortInUse = 98

	// ArgEndpoint carries the endpoint: "stdio" or a TCP address.
	ArgEndpoint = "--endpoint"

	// ArgName carries the session name.
	ArgName = "--name"

	// ArgInterpreterHome carries the interpreter install path.
	ArgInterpreterHome = "--interpreter-home"

	// EnvEndpoint mirrors ArgEndpoint in the environment.
	EnvEndpoint = "BROKER_ENDPOINT"

	// EnvSession mirrors ArgName in the environment.
	EnvSession = "BROKER_SESSION"

	// EnvInterpreterHome mirrors ArgInterpreterHome in the environment.
	EnvInterpreterHome = "R_HOME"

	// StdioEndpoint selects the child's stdin/stdout as the frame stream.
	StdioEndpoint = "stdio"
)

// Names of operations and events served by the reference host.
const (
	OpEcho     = "echo"
	OpAbout    = "about"
	OpEval     = "eval"
	OpShutdown = "shutdown"

	// EventOutput carries interpreter output produced while serving a request.
	EventOutput = "!output"
)
