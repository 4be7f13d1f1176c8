package cache

import "fmt"

// 键语义：
// - roomKey(sheetID):   表格在线成员（ZSet<email, expireAtUnix>，score=expireAt）
// - colorsKey(sheetID): 表格内 email→显示颜色（Hash）
// - sheetsKey():        有人在线的表格索引（Set<sheetID>）
//
// {sheetID:%s} 是 hash tag，cluster 下同一表格的 key 落在同一个 slot，Lua 脚本才能同时操作

const (
	keyRoomFmt   = "presence:sheet:{sheetID:%s}"        // ZSet<email, expireAtUnix>
	keyColorsFmt = "presence:sheet:colors:{sheetID:%s}" // Hash<email -> color>
	keySheetsSet = "presence:sheets"                    // Set<sheetID>
)

func roomKey(sheetID string) string   { return fmt.Sprintf(keyRoomFmt, sheetID) }
func colorsKey(sheetID string) string { return fmt.Sprintf(keyColorsFmt, sheetID) }
func sheetsKey() string               { return keySheetsSet }
