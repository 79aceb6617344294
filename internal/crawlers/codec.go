package crawlers

import (
	"fmt"

	"github.com/RecoveryAshes/dmcrawl/internal/models"
	"google.golang.org/protobuf/encoding/protowire"
)

// DmSegMobileReply / DanmakuElem / DmWebViewReply 的字段编号
const (
	fieldSegElems = 1

	fieldElemID        = 1
	fieldElemProgress  = 2
	fieldElemMode      = 3
	fieldElemFontSize  = 4
	fieldElemColor     = 5
	fieldElemMidHash   = 6
	fieldElemContent   = 7
	fieldElemCtime     = 8
	fieldElemWeight    = 9
	fieldElemAction    = 10
	fieldElemPool      = 11
	fieldElemIDStr     = 12
	fieldElemAttr      = 13
	fieldElemAnimation = 22
	fieldElemColorful  = 24

	fieldViewSpecialDms = 6
)

// DecodeSegment 解码弹幕分段 (DmSegMobileReply)
func DecodeSegment(b []byte) ([]models.CommentRecord, error) {
	var records []models.CommentRecord
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error {
		if num != fieldSegElems || typ != protowire.BytesType {
			return nil
		}
		rec, err := decodeElem(v)
		if err != nil {
			return err
		}
		records = append(records, rec)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("解码弹幕分段失败: %w", err)
	}
	return records, nil
}

// DecodeWebView 解码 DmWebViewReply, 返回特殊弹幕包地址
func DecodeWebView(b []byte) ([]string, error) {
	var urls []string
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error {
		if num == fieldViewSpecialDms && typ == protowire.BytesType {
			urls = append(urls, string(v))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("解码弹幕视图失败: %w", err)
	}
	return urls, nil
}

func decodeElem(b []byte) (models.CommentRecord, error) {
	var r models.CommentRecord
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error {
		switch typ {
		case protowire.VarintType:
			switch num {
			case fieldElemID:
				r.ID = int64(u)
			case fieldElemProgress:
				r.Progress = int32(u)
			case fieldElemMode:
				r.Mode = models.DanmakuMode(int32(u))
			case fieldElemFontSize:
				r.FontSize = int32(u)
			case fieldElemColor:
				r.Color = uint32(u)
			case fieldElemCtime:
				r.Ctime = int64(u)
			case fieldElemWeight:
				r.Weight = int32(u)
			case fieldElemPool:
				r.Pool = models.PoolKind(int32(u))
			case fieldElemAttr:
				r.Attr = int32(u)
			case fieldElemColorful:
				r.Colorful = models.ColorVariant(int32(u))
			}
		case protowire.BytesType:
			switch num {
			case fieldElemMidHash:
				r.MidHash = string(v)
			case fieldElemContent:
				r.Content = string(v)
			case fieldElemAction:
				r.Action = string(v)
			case fieldElemIDStr:
				r.IDStr = string(v)
			case fieldElemAnimation:
				r.Animation = string(v)
			}
		}
		return nil
	})
	return r, err
}

// walkFields 遍历一层消息的字段, 未知字段跳过
// 对 varint 字段传入 u, 对 bytes 字段传入 v
func walkFields(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		switch typ {
		case protowire.VarintType:
			u, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			if err := fn(num, typ, nil, u); err != nil {
				return err
			}
			b = b[n:]
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			if err := fn(num, typ, v, 0); err != nil {
				return err
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return nil
}
