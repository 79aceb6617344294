package models

import "time"

// DanmakuMode 弹幕类型
type DanmakuMode int32

const (
	ModeScroll        DanmakuMode = 1 // 普通滚动弹幕
	ModeScrollAlt     DanmakuMode = 2 // 滚动弹幕(旧)
	ModeScrollAlt2    DanmakuMode = 3 // 滚动弹幕(旧)
	ModeBottom        DanmakuMode = 4 // 底部弹幕
	ModeTop           DanmakuMode = 5 // 顶部弹幕
	ModeReverse       DanmakuMode = 6 // 逆向弹幕
	ModeAdvanced      DanmakuMode = 7 // 高级弹幕
	ModeCode          DanmakuMode = 8 // 代码弹幕
	ModeBAS           DanmakuMode = 9 // BAS弹幕(仅特殊池)
	AttrProtectedMask int32       = 1 // attr bit0: 保护弹幕
)

// PoolKind 弹幕池
type PoolKind int32

const (
	PoolNormal   PoolKind = 0 // 普通池
	PoolSubtitle PoolKind = 1 // 字幕池
	PoolSpecial  PoolKind = 2 // 特殊池(代码/BAS弹幕)
)

// ColorVariant 彩色弹幕类型
type ColorVariant int32

const (
	ColorNone        ColorVariant = 0
	ColorVipGradient ColorVariant = 60001 // 会员渐变色
)

// CommentRecord 单条弹幕
type CommentRecord struct {
	ID        int64        `json:"id"`                  // 弹幕dmid (全局唯一)
	Progress  int32        `json:"progress"`            // 出现时间(毫秒)
	Mode      DanmakuMode  `json:"mode"`                // 弹幕类型
	FontSize  int32        `json:"fontsize"`            // 字号
	Color     uint32       `json:"color"`               // 颜色 (RGB888)
	MidHash   string       `json:"midHash"`             // 发送者mid哈希
	Content   string       `json:"content"`             // 弹幕内容
	Ctime     int64        `json:"ctime"`               // 发送时间 (unix秒)
	Weight    int32        `json:"weight"`              // 屏蔽等级, 0表示无
	Action    string       `json:"action"`              // 动作
	Pool      PoolKind     `json:"pool"`                // 弹幕池
	IDStr     string       `json:"idStr"`               // dmid字符串形式
	Attr      int32        `json:"attr"`                // 属性位
	Animation string       `json:"animation,omitempty"` // 动画参数
	Colorful  ColorVariant `json:"colorful,omitempty"`  // 彩色弹幕
}

// IsProtected 保护弹幕不参与最早时间推进
func (r *CommentRecord) IsProtected() bool {
	return r.Attr&AttrProtectedMask != 0
}

// IsAdvanced 高级弹幕 (mode >= 7)
func (r *CommentRecord) IsAdvanced() bool {
	return r.Mode >= ModeAdvanced
}

// SendTime 发送时间
func (r *CommentRecord) SendTime() time.Time {
	return time.Unix(r.Ctime, 0).UTC()
}
