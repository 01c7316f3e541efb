//go:build darwin || freebsd || netbsd

package patch

import (
	"syscall"
	"time"

	"github.com/asynkron/gitapply/pkg/snapshot"
)

func fillStat(st *snapshot.Stat, sys any) {
	if s, ok := sys.(*syscall.Stat_t); ok {
		st.CreatedAt = time.Unix(s.Ctimespec.Unix())
		st.Dev = uint32(s.Dev)
		st.Inode = uint32(s.Ino)
		st.UID = s.Uid
		st.GID = s.Gid
	}
}
