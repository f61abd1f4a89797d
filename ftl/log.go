// Copyright 2019 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ftl

import (
	"log"
	"os"
)

// Logger is the minimal logging surface the FTL core uses. *log.Logger
// satisfies it directly; callers that want to route FTL diagnostics
// elsewhere can supply their own implementation via Config.Logger.
type Logger interface {
	Printf(format string, v ...any)
}

// defaultLogger matches the teacher's own log setup
// (internal/testutil/log.go sets log.Lmicroseconds; nothing fancier is
// ever reached for anywhere in the teacher tree).
var defaultLogger Logger = log.New(os.Stderr, "ftl: ", log.Lmicroseconds)
