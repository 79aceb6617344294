package crawlers

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/RecoveryAshes/dmcrawl/internal/models"
	"github.com/RecoveryAshes/dmcrawl/internal/utils"
	"github.com/andybalholm/brotli"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultAPIBase 默认接口地址
	DefaultAPIBase = "https://api.bilibili.com"

	historySegPath = "/x/v2/dm/web/history/seg.so"
	webViewPath    = "/x/v2/dm/web/view"

	// maxBodySize 单个响应体上限
	maxBodySize = 32 * 1024 * 1024
)

// SegmentSource 弹幕分段来源
type SegmentSource interface {
	// FetchDay 获取某一天的历史弹幕 (受单日弹幕池上限约束)
	FetchDay(ctx context.Context, targetID int64, day time.Time) ([]models.CommentRecord, error)
	// FetchSpecial 获取特殊弹幕包 (高级/代码/BAS弹幕)
	FetchSpecial(ctx context.Context, targetID int64) ([]models.CommentRecord, error)
}

// StatusError 非2xx响应
type StatusError struct {
	URL        string
	StatusCode int
}

// Error 实现error接口
func (e *StatusError) Error() string {
	return fmt.Sprintf("请求失败 [%s]: HTTP %d", e.URL, e.StatusCode)
}

// ClientConfig 客户端配置
type ClientConfig struct {
	APIBase            string        // 接口地址
	Timeout            time.Duration // 单次请求超时
	Sessdata           []string      // SESSDATA 列表, 每次请求随机选取
	SpecialConcurrency int           // 特殊弹幕包并发数
}

// Client 基于HTTP的弹幕分段来源
type Client struct {
	httpClient     *http.Client
	headerProvider models.HeaderProvider
	apiBase        string
	specialLimit   int

	mu       sync.RWMutex
	sessdata []string
}

// NewClient 创建客户端
func NewClient(cfg ClientConfig, headerProvider models.HeaderProvider) *Client {
	if cfg.APIBase == "" {
		cfg.APIBase = DefaultAPIBase
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.SpecialConcurrency < 1 {
		cfg.SpecialConcurrency = 4
	}

	c := &Client{
		httpClient: &http.Client{
			Transport: http.DefaultTransport.(*http.Transport).Clone(),
			Timeout:   cfg.Timeout,
		},
		headerProvider: headerProvider,
		apiBase:        strings.TrimRight(cfg.APIBase, "/"),
		specialLimit:   cfg.SpecialConcurrency,
	}
	c.SetSessdata(cfg.Sessdata)
	utils.Debugf("弹幕客户端: 接口=%s 超时=%v SESSDATA数量=%d", c.apiBase, cfg.Timeout, len(cfg.Sessdata))
	return c
}

// SetSessdata 替换SESSDATA列表 (配置热更新)
func (c *Client) SetSessdata(list []string) {
	cleaned := make([]string, 0, len(list))
	for _, s := range list {
		if s = strings.TrimSpace(s); s != "" {
			cleaned = append(cleaned, s)
		}
	}
	c.mu.Lock()
	c.sessdata = cleaned
	c.mu.Unlock()
}

func (c *Client) pickSessdata() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.sessdata) == 0 {
		return ""
	}
	return c.sessdata[rand.IntN(len(c.sessdata))]
}

// FetchDay 实现 SegmentSource
func (c *Client) FetchDay(ctx context.Context, targetID int64, day time.Time) ([]models.CommentRecord, error) {
	q := url.Values{}
	q.Set("type", "1")
	q.Set("oid", strconv.FormatInt(targetID, 10))
	q.Set("date", models.FormatDay(day))

	body, err := c.get(ctx, c.apiBase+historySegPath+"?"+q.Encode())
	if err != nil {
		return nil, err
	}
	return DecodeSegment(body)
}

// FetchSpecial 实现 SegmentSource
// 先获取弹幕视图, 再并发下载其中的特殊弹幕包
func (c *Client) FetchSpecial(ctx context.Context, targetID int64) ([]models.CommentRecord, error) {
	q := url.Values{}
	q.Set("type", "1")
	q.Set("oid", strconv.FormatInt(targetID, 10))

	body, err := c.get(ctx, c.apiBase+webViewPath+"?"+q.Encode())
	if err != nil {
		return nil, err
	}
	urls, err := DecodeWebView(body)
	if err != nil {
		return nil, err
	}
	if len(urls) == 0 {
		return nil, nil
	}
	utils.Debugf("cid=%d 特殊弹幕包数量: %d", targetID, len(urls))

	results := make([][]models.CommentRecord, len(urls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.specialLimit)
	for i, u := range urls {
		g.Go(func() error {
			data, err := c.get(gctx, normalizeURL(u))
			if err != nil {
				return err
			}
			recs, err := DecodeSegment(data)
			if err != nil {
				return err
			}
			results[i] = recs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var all []models.CommentRecord
	for _, recs := range results {
		all = append(all, recs...)
	}
	return all, nil
}

func normalizeURL(u string) string {
	if strings.HasPrefix(u, "//") {
		return "https:" + u
	}
	return u
}

// get 发起GET请求并返回解压后的响应体
func (c *Client) get(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("创建请求失败: %w", err)
	}

	if c.headerProvider != nil {
		headers, err := c.headerProvider.GetHeaders()
		if err != nil {
			return nil, fmt.Errorf("获取请求头失败: %w", err)
		}
		for name, values := range headers {
			for _, v := range values {
				req.Header.Add(name, v)
			}
		}
	}
	if sess := c.pickSessdata(); sess != "" {
		cookie := "SESSDATA=" + sess
		if existing := req.Header.Get("Cookie"); existing != "" {
			cookie = existing + "; " + cookie
		}
		req.Header.Set("Cookie", cookie)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{URL: rawURL, StatusCode: resp.StatusCode}
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("读取响应失败: %w", err)
	}
	return decompressResponse(resp.Header.Get("Content-Encoding"), raw)
}

// decompressResponse 根据 Content-Encoding 解压 (gzip, deflate, br)
func decompressResponse(contentEncoding string, body []byte) ([]byte, error) {
	var reader io.Reader
	switch strings.ToLower(strings.TrimSpace(contentEncoding)) {
	case "gzip":
		gr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("gzip解压失败: %w", err)
		}
		defer gr.Close()
		reader = gr
	case "deflate":
		fr := flate.NewReader(bytes.NewReader(body))
		defer fr.Close()
		reader = fr
	case "br":
		reader = brotli.NewReader(bytes.NewReader(body))
	case "", "identity":
		return body, nil
	default:
		utils.Warnf("未知的Content-Encoding: %s", contentEncoding)
		return body, nil
	}

	out, err := io.ReadAll(io.LimitReader(reader, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("%s解压失败: %w", contentEncoding, err)
	}
	return out, nil
}
