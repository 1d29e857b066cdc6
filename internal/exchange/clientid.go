package exchange

import (
	"github.com/google/uuid"
	"github.com/jxskiss/base62"
)

// maxClientOrderIDLen 币安 newClientOrderId 的长度上限
const maxClientOrderIDLen = 36

// NewClientOrderID 生成一个紧凑的唯一订单号: prefix + base62(uuid)。
// 同一笔订单的所有重试必须复用同一个 ID，交易所据此去重。
func NewClientOrderID(prefix string) string {
	u := uuid.New()
	id := prefix + base62.EncodeToString(u[:])
	if len(id) > maxClientOrderIDLen {
		id = id[len(id)-maxClientOrderIDLen:]
	}
	return id
}
