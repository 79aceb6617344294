package crawlers

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPartResolver_Resolve(t *testing.T) {
	var gotBVID, gotReferer string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != pagelistPath {
			http.NotFound(w, r)
			return
		}
		gotBVID = r.URL.Query().Get("bvid")
		gotReferer = r.Header.Get("Referer")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"code":0,"message":"0","data":[
			{"cid":1001,"page":1,"part":"第一集"},
			{"cid":1002,"page":2,"part":"第二集"}]}`))
	}))
	defer srv.Close()

	headers := staticHeaders{"Referer": []string{"https://www.bilibili.com/"}}
	r := NewPartResolver(srv.URL, 5*time.Second, headers)

	parts, err := r.Resolve("BV17x411w7KC")
	require.NoError(t, err)
	assert.Equal(t, []VideoPart{{CID: 1001, Page: 1, Part: "第一集"}, {CID: 1002, Page: 2, Part: "第二集"}}, parts)
	assert.Equal(t, "BV17x411w7KC", gotBVID)
	assert.Equal(t, "https://www.bilibili.com/", gotReferer)

	// 同一地址可重复请求
	_, err = r.Resolve("BV17x411w7KC")
	require.NoError(t, err)
}

func TestPartResolver_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":-404,"message":"啥都木有","data":null}`))
	}))
	defer srv.Close()

	_, err := NewPartResolver(srv.URL, 5*time.Second, nil).Resolve("BV1xx411c7mD")
	assert.ErrorContains(t, err, "-404")
}

func TestPartResolver_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewPartResolver(srv.URL, 5*time.Second, nil).Resolve("BV1xx411c7mD")
	assert.Error(t, err)
}

func TestExtractBVID(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
		ok   bool
	}{
		{"BV链接", "https://www.bilibili.com/video/BV17x411w7KC/?p=2", "BV17x411w7KC", true},
		{"小写bv", "bv17x411w7KC", "BV17x411w7KC", true},
		{"AV链接", "https://www.bilibili.com/video/av170001", "BV17x411w7KC", true},
		{"AV号", "AV2", "BV1xx411c7mD", true},
		{"无编号", "https://www.bilibili.com/", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ExtractBVID(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAV2BV(t *testing.T) {
	assert.Equal(t, "BV17x411w7KC", AV2BV(170001))
	assert.Equal(t, "BV1xx411c7mD", AV2BV(2))
}
