package vertex

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"
	"google.golang.org/api/option"
	"google.golang.org/api/serviceusage/v1"

	"llmextract/pkg/contract"
)

// 连通性检查使用的固定消息。
const checkMessage = "Hello, this is a test message."

// ServiceName: Vertex AI 对应的 Google Cloud 服务。
const ServiceName = "aiplatform.googleapis.com"

// Check 发送一条纯文本 generateContent 请求，验证端点、项目与凭据可用。
// 返回模型回复文本（可能为空）。
func (c *Client) Check(ctx context.Context) (string, error) {
	body, err := json.Marshal(&request{
		Contents: []content{{Role: "user", Parts: []part{{Text: checkMessage}}}},
	})
	if err != nil {
		return "", err
	}
	b, err := c.post(ctx, c.url, body)
	if err != nil {
		return "", err
	}
	return firstText(b), nil
}

// ListModels 列出 Google 发布的 Vertex AI 模型资源名（publishers/google/models/*），按页拉取全部。
func ListModels(ctx context.Context, opts *Options) ([]string, error) {
	o := Options{}
	if opts != nil {
		o = *opts
	}
	o.defaults()
	ts, err := tokenSource(ctx, o.AccessTokenEnv)
	if err != nil {
		return nil, err
	}
	hc := &http.Client{Timeout: time.Duration(o.TimeoutSeconds) * time.Second}
	base := strings.TrimRight(o.BaseURL, "/") + "/v1beta1/publishers/google/models"

	var names []string
	pageToken := ""
	for {
		q := url.Values{"pageSize": {"100"}}
		if pageToken != "" {
			q.Set("pageToken", pageToken)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"?"+q.Encode(), nil)
		if err != nil {
			return nil, fmt.Errorf("vertex: new request: %w", err)
		}
		tok, err := ts.Token()
		if err != nil {
			return nil, fmt.Errorf("vertex: access token: %w", err)
		}
		tok.SetAuthHeader(req)
		req.Header.Set("Accept", "application/json")
		if o.ProjectID != "" {
			req.Header.Set("x-goog-user-project", o.ProjectID)
		}
		resp, err := hc.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode/100 != 2 {
			err := statusError(resp)
			resp.Body.Close()
			return nil, err
		}
		b, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("vertex: read body: %w", err)
		}
		if !gjson.ValidBytes(b) {
			return nil, fmt.Errorf("vertex: %w: models list is not JSON", contract.ErrResponseInvalid)
		}
		for _, n := range gjson.GetBytes(b, "publisherModels.#.name").Array() {
			names = append(names, n.String())
		}
		pageToken = gjson.GetBytes(b, "nextPageToken").String()
		if pageToken == "" {
			return names, nil
		}
	}
}

// EnsureService 查询项目中 Vertex AI 服务是否已启用；未启用且 enable=true 时发起启用。
// 返回调用结束时服务是否处于（或正在进入）启用状态。
func EnsureService(ctx context.Context, opts *Options, enable bool) (bool, error) {
	o := Options{}
	if opts != nil {
		o = *opts
	}
	o.defaults()
	if o.ProjectID == "" {
		return false, fmt.Errorf("vertex: %w: project id not provided and %s not set", contract.ErrInvalidInput, o.ProjectIDEnv)
	}
	ts, err := tokenSource(ctx, o.AccessTokenEnv)
	if err != nil {
		return false, err
	}
	copts := []option.ClientOption{option.WithHTTPClient(oauth2.NewClient(ctx, ts))}
	if o.ServiceUsageURL != "" {
		copts = append(copts, option.WithEndpoint(strings.TrimRight(o.ServiceUsageURL, "/")+"/"))
	}
	svc, err := serviceusage.NewService(ctx, copts...)
	if err != nil {
		return false, fmt.Errorf("vertex: service usage client: %w", err)
	}
	name := "projects/" + o.ProjectID + "/services/" + ServiceName
	s, err := svc.Services.Get(name).Context(ctx).Do()
	if err != nil {
		return false, fmt.Errorf("vertex: get service %s: %w", ServiceName, err)
	}
	if s.State == "ENABLED" {
		return true, nil
	}
	if !enable {
		return false, nil
	}
	if _, err := svc.Services.Enable(name, &serviceusage.EnableServiceRequest{}).Context(ctx).Do(); err != nil {
		return false, fmt.Errorf("vertex: enable service %s: %w", ServiceName, err)
	}
	return true, nil
}
