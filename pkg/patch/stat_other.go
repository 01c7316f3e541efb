//go:build !linux && !darwin && !freebsd && !netbsd

package patch

import "github.com/asynkron/gitapply/pkg/snapshot"

// fillStat keeps the defaults Stat already set where the platform stat
// layout is not known.
func fillStat(*snapshot.Stat, any) {}
