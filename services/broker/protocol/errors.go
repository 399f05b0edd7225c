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

import "errors"

// Sentinel errors for framing.
var (
	// ErrMalformedFrame indicates bytes received from a peer are not a valid frame.
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrInvalidMessage indicates a locally built message cannot be framed.
	ErrInvalidMessage = errors.New("invalid message")
)
