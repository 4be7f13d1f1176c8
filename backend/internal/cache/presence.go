package cache

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	redis "github.com/redis/go-redis/v9"

	"sheetcollab/backend/internal/sheet"
)

// PresenceCache 跨实例共享的在线名单
type PresenceCache interface {
	AddMember(ctx context.Context, sheetID string, user sheet.ActiveUser, ttl time.Duration) error
	RemoveMember(ctx context.Context, sheetID, email string) error
	AliveMembers(ctx context.Context, sheetID string) ([]sheet.ActiveUser, error)
	Sheets(ctx context.Context) ([]string, error)
}

// 具体实现：基于 redis 的 PresenceCache。单机和 cluster 都用 UniversalClient
type redisPresence struct {
	rdb redis.UniversalClient
}

func NewRedisPresence(rdb redis.UniversalClient) PresenceCache {
	return &redisPresence{rdb: rdb}
}

// 清理过期成员：score=expireAt（Unix 秒），expireAt <= now 视为过期
var purgeScript = redis.NewScript(`
-- KEYS[1] = roomKey(sheetID)
-- KEYS[2] = colorsKey(sheetID)
-- ARGV[1] = now (unix seconds)
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	redis.call("HDEL", KEYS[2], unpack(expired))
end
return #expired
`)

// AddMember 刷新 TTL 也直接调用 AddMember
func (p *redisPresence) AddMember(ctx context.Context, sheetID string, user sheet.ActiveUser, ttl time.Duration) error {
	expireAt := time.Now().Add(ttl).Unix()
	// 三个 key 不在同一个 slot，不能用 MULTI，用普通 pipeline
	pipe := p.rdb.Pipeline()
	pipe.ZAdd(ctx, roomKey(sheetID), redis.Z{Score: float64(expireAt), Member: user.Email})
	pipe.HSet(ctx, colorsKey(sheetID), user.Email, user.Color)
	pipe.SAdd(ctx, sheetsKey(), sheetID)
	_, err := pipe.Exec(ctx)
	return errors.Wrap(err, "presence add")
}

func (p *redisPresence) RemoveMember(ctx context.Context, sheetID, email string) error {
	tx := p.rdb.TxPipeline()
	tx.ZRem(ctx, roomKey(sheetID), email)
	tx.HDel(ctx, colorsKey(sheetID), email)
	if _, err := tx.Exec(ctx); err != nil {
		return errors.Wrap(err, "presence remove")
	}
	n, err := p.rdb.ZCard(ctx, roomKey(sheetID)).Result()
	if err != nil {
		return errors.Wrap(err, "presence card")
	}
	if n == 0 {
		return errors.Wrap(p.rdb.SRem(ctx, sheetsKey(), sheetID).Err(), "presence index")
	}
	return nil
}

// AliveMembers 先清理过期成员，再按 expireAt 顺序返回在线成员
func (p *redisPresence) AliveMembers(ctx context.Context, sheetID string) ([]sheet.ActiveUser, error) {
	now := time.Now().Unix()
	_, err := purgeScript.Run(ctx, p.rdb, []string{roomKey(sheetID), colorsKey(sheetID)}, now).Int()
	if err != nil && err != redis.Nil {
		return nil, errors.Wrap(err, "presence purge")
	}

	emails, err := p.rdb.ZRangeByScore(ctx, roomKey(sheetID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10), // > now
		Max: "+inf",
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, errors.Wrap(err, "presence range")
	}
	if len(emails) == 0 {
		// 房间空了，从索引里摘掉
		if err := p.rdb.SRem(ctx, sheetsKey(), sheetID).Err(); err != nil {
			return nil, errors.Wrap(err, "presence index")
		}
		return nil, nil
	}

	colors, err := p.rdb.HMGet(ctx, colorsKey(sheetID), emails...).Result()
	if err != nil && err != redis.Nil {
		return nil, errors.Wrap(err, "presence colors")
	}
	members := make([]sheet.ActiveUser, 0, len(emails))
	for i, email := range emails {
		color := ""
		if i < len(colors) && colors[i] != nil {
			color, _ = colors[i].(string)
		}
		members = append(members, sheet.ActiveUser{Email: email, Color: color})
	}
	return members, nil
}

func (p *redisPresence) Sheets(ctx context.Context) ([]string, error) {
	ids, err := p.rdb.SMembers(ctx, sheetsKey()).Result()
	if err != nil && err != redis.Nil {
		return nil, errors.Wrap(err, "presence sheets")
	}
	return ids, nil
}
