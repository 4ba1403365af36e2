// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

//go:build unix

package scan

import (
	"io/fs"
	"syscall"
)

// inodeOf extracts the inode number from a POSIX FileInfo so it can feed
// the metacache key (spec.md §4.5). false means the platform doesn't
// expose one, in which case the caller must always rehash.
func inodeOf(info fs.FileInfo) (uint64, bool) {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, false
	}
	return uint64(st.Ino), true
}
