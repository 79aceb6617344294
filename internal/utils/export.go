package utils

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/RecoveryAshes/dmcrawl/internal/models"
)

// RecordIterator 可按顺序遍历弹幕的来源
type RecordIterator interface {
	ForEachRecord(fn func(r *models.CommentRecord) error) error
}

var xmlContentEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

// WriteXML 将弹幕导出为XML, 返回写出的弹幕条数
// <d p="出现时间,类型,字号,颜色,发送时间,弹幕池,发送者哈希,dmid[,屏蔽等级]">内容</d>
func WriteXML(w io.Writer, cid int64, src RecordIterator, includeWeight bool) (int, error) {
	bw := bufio.NewWriter(w)

	header := []string{
		`<?xml version="1.0" encoding="UTF-8"?>`,
		`<i>`,
		`    <chatserver>chat.bilibili.com</chatserver>`,
		fmt.Sprintf(`    <chatid>%d</chatid>`, cid),
		`    <mission>0</mission>`,
		`    <maxlimit>1500</maxlimit>`,
		`    <state>0</state>`,
		`    <real_name>0</real_name>`,
		`    <source>e-r</source>`,
	}
	for _, line := range header {
		bw.WriteString(line)
		bw.WriteByte('\n')
	}

	count := 0
	err := src.ForEachRecord(func(r *models.CommentRecord) error {
		bw.WriteString(`    <d p="`)
		bw.WriteString(formatAttrs(r, includeWeight))
		bw.WriteString(`">`)
		bw.WriteString(xmlContentEscaper.Replace(r.Content))
		if _, err := bw.WriteString("</d>\n"); err != nil {
			return err
		}
		count++
		return nil
	})
	if err != nil {
		return count, fmt.Errorf("导出弹幕失败: %w", err)
	}

	bw.WriteString("</i>\n")
	if err := bw.Flush(); err != nil {
		return count, fmt.Errorf("写入XML失败: %w", err)
	}
	return count, nil
}

func formatAttrs(r *models.CommentRecord, includeWeight bool) string {
	attrs := []string{
		strconv.FormatFloat(float64(r.Progress)/1000.0, 'f', -1, 64),
		strconv.Itoa(int(r.Mode)),
		strconv.Itoa(int(r.FontSize)),
		strconv.FormatUint(uint64(r.Color), 10),
		strconv.FormatInt(r.Ctime, 10),
		strconv.Itoa(int(r.Pool)),
		xmlContentEscaper.Replace(r.MidHash),
		xmlContentEscaper.Replace(r.IDStr),
	}
	if includeWeight && r.Weight != 0 {
		attrs = append(attrs, strconv.Itoa(int(r.Weight)))
	}
	return strings.Join(attrs, ",")
}
