// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package protocol defines the broker wire format and the worker launch contract.
//
// Every logical message is encoded as one self-contained frame:
//
//	┌──────────────┬──────────────┬──────────────┬───────────────────┬──────────────┐
//	│ id (8, LE)   │ requestId    │ name \0      │ args (JSON) \0    │ blob ...     │
//	│              │ (8, LE)      │              │                   │ (remainder)  │
//	└──────────────┴──────────────┴──────────────┴───────────────────┴──────────────┘
//
// A requestId of zero marks a new request or an unsolicited event. A non-zero
// requestId marks the response to the message carrying that id.
//
// The framing is identical for local streams and WebSockets; the transport
// package decides how frame boundaries are carried.
//
// # Launch Contract
//
// A worker process receives its endpoint and session name via the
// ArgEndpoint/ArgName flags (mirrored in EnvEndpoint/EnvSession), writes a
// line starting with ReadyLine on stderr once its endpoint is bound, and exits
// with ExitCodePortInUse when the endpoint port is already taken.
package protocol
