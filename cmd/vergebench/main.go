// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command vergebench exercises a verge store under load and reports what
// its subscribers observed.
//
//	vergebench stress --writers 8 --commits 1000 --subscribers 4
//	vergebench tasks --tasks 50 --mode replace
//	vergebench derived --commits 200
//	vergebench config --config verge.yaml
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "vergebench:", err)
		os.Exit(1)
	}
}
