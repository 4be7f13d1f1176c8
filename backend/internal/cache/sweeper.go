package cache

import (
	"context"
	"time"

	"github.com/golang/glog"
)

// SweepOnce 对每个有在线记录的表跑一次 AliveMembers，顺带清掉过期成员。
// 返回扫过的表数。
func SweepOnce(ctx context.Context, p PresenceCache) (int, error) {
	ids, err := p.Sheets(ctx)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		if _, err := p.AliveMembers(ctx, id); err != nil {
			glog.Warningf("presence sweep sheet=%s error = %v", id, err)
		}
	}
	return len(ids), nil
}

// RunSweeper 阻塞到 ctx 结束；断线没来得及 RemoveMember 的成员靠它回收
func RunSweeper(ctx context.Context, p PresenceCache, every time.Duration) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := SweepOnce(ctx, p)
			if err != nil {
				glog.Warningf("presence sweep error = %v", err)
				continue
			}
			glog.V(2).Infof("presence sweep sheets=%d", n)
		}
	}
}
