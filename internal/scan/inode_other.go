// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

//go:build !unix

package scan

import "io/fs"

// inodeOf has no portable equivalent outside POSIX; the metacache is
// skipped on these platforms and every file is rehashed.
func inodeOf(info fs.FileInfo) (uint64, bool) {
	return 0, false
}
