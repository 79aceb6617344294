// Package crawlers 提供弹幕分段的获取与解码
//
// # 核心组件
//
// ## Client
//
// 基于HTTP的 SegmentSource 实现, 按日期请求历史弹幕分段, 并从弹幕视图中获取特殊弹幕包地址后并发下载。
// 每次请求从配置的 SESSDATA 列表中随机选取一个作为Cookie, 响应按 Content-Encoding 解压 (gzip, deflate, br)。
//
//	client := NewClient(ClientConfig{Timeout: 10 * time.Second, Sessdata: sessdata}, headerManager)
//	records, err := client.FetchDay(ctx, cid, day)
//
// ## 解码
//
// DecodeSegment 按固定字段编号解码 DmSegMobileReply, 未知字段直接跳过。
// DecodeWebView 从 DmWebViewReply 中取出特殊弹幕包地址。
//
// ## PartResolver
//
// 基于Colly请求分P列表接口, 将BV号解析为各分P的cid; ExtractBVID 支持从链接中提取BV号或AV号。
//
//	resolver := NewPartResolver("", 10*time.Second, headerManager)
//	parts, err := resolver.Resolve("BV17x411w7KC")
package crawlers
