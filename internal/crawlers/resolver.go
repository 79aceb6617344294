package crawlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/RecoveryAshes/dmcrawl/internal/models"
	"github.com/RecoveryAshes/dmcrawl/internal/utils"
	"github.com/gocolly/colly/v2"
)

const pagelistPath = "/x/player/pagelist"

// VideoPart 视频分P
type VideoPart struct {
	CID  int64  `json:"cid"`
	Page int    `json:"page"`
	Part string `json:"part"`
}

type pagelistResponse struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    []VideoPart `json:"data"`
}

// PartResolver 通过分P列表接口将BV号解析为cid
type PartResolver struct {
	collector      *colly.Collector
	apiBase        string
	headerProvider models.HeaderProvider
}

// NewPartResolver 创建分P解析器
func NewPartResolver(apiBase string, timeout time.Duration, headerProvider models.HeaderProvider) *PartResolver {
	if apiBase == "" {
		apiBase = DefaultAPIBase
	}
	c := colly.NewCollector(
		colly.AllowURLRevisit(),
	)
	c.SetRequestTimeout(timeout)

	return &PartResolver{
		collector:      c,
		apiBase:        strings.TrimRight(apiBase, "/"),
		headerProvider: headerProvider,
	}
}

// Resolve 返回视频的全部分P
func (r *PartResolver) Resolve(bvid string) ([]VideoPart, error) {
	c := r.collector.Clone()

	var headers http.Header
	if r.headerProvider != nil {
		h, err := r.headerProvider.GetHeaders()
		if err != nil {
			return nil, fmt.Errorf("获取请求头失败: %w", err)
		}
		headers = h
	}

	var (
		parts      []VideoPart
		resolveErr error
	)

	c.OnRequest(func(req *colly.Request) {
		for name, values := range headers {
			// 解压由colly的传输层处理
			if strings.EqualFold(name, "Accept-Encoding") {
				continue
			}
			for _, v := range values {
				req.Headers.Add(name, v)
			}
		}
	})

	c.OnResponse(func(resp *colly.Response) {
		var payload pagelistResponse
		if err := json.Unmarshal(resp.Body, &payload); err != nil {
			resolveErr = fmt.Errorf("解析分P列表失败: %w", err)
			return
		}
		if payload.Code != 0 {
			resolveErr = fmt.Errorf("分P列表接口返回错误: code=%d %s", payload.Code, payload.Message)
			return
		}
		parts = payload.Data
	})

	c.OnError(func(resp *colly.Response, err error) {
		resolveErr = fmt.Errorf("请求分P列表失败 (HTTP %d): %w", resp.StatusCode, err)
	})

	q := url.Values{}
	q.Set("bvid", bvid)
	if err := c.Visit(r.apiBase + pagelistPath + "?" + q.Encode()); err != nil {
		return nil, fmt.Errorf("请求分P列表失败: %w", err)
	}
	c.Wait()

	if resolveErr != nil {
		return nil, resolveErr
	}
	utils.Debugf("%s 共 %d 个分P", bvid, len(parts))
	return parts, nil
}

var (
	bvPattern = regexp.MustCompile(`(?i)BV([0-9a-zA-Z]{10})`)
	avPattern = regexp.MustCompile(`(?i)(?:^|[^0-9a-z])av([0-9]+)`)
)

// ExtractBVID 从文本 (链接或编号) 中提取BV号, AV号会被转换为BV号
func ExtractBVID(text string) (string, bool) {
	if m := bvPattern.FindStringSubmatch(text); m != nil {
		return "BV" + m[1], true
	}
	if m := avPattern.FindStringSubmatch(text); m != nil {
		aid, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil || aid <= 0 {
			return "", false
		}
		return AV2BV(aid), true
	}
	return "", false
}

const (
	avXorCode  = 23442827791579
	avMaxAID   = int64(1) << 51
	bvAlphabet = "FcwAPNKTMug3GV5Lj7EJnHpWsx4tb8haYeviqBz6rkCy12mUSDQX9RdoZf"
)

var bvEncodeMap = [9]int{8, 7, 0, 5, 1, 3, 2, 4, 6}

// AV2BV AV号转BV号
func AV2BV(aid int64) string {
	var out [9]byte
	base := int64(len(bvAlphabet))
	tmp := (avMaxAID | aid) ^ avXorCode
	for i := 0; i < len(bvEncodeMap); i++ {
		out[bvEncodeMap[i]] = bvAlphabet[tmp%base]
		tmp /= base
	}
	return "BV1" + string(out[:])
}
