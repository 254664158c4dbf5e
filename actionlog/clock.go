// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package actionlog

import "time"

// timeNow is a package-level indirection so tests can pin the clock, the
// same seam the teacher's own vclock package exists to provide.
var timeNow = time.Now
