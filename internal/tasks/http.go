package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/kmiyazaki/taskchain/internal/chain"
	"github.com/kmiyazaki/taskchain/internal/task"
)

type httpConfig struct {
	URL            string            `mapstructure:"url" validate:"required,url"`
	Method         string            `mapstructure:"method"`
	Headers        map[string]string `mapstructure:"headers"`
	TimeoutSeconds float64           `mapstructure:"timeout_seconds" validate:"omitempty,gt=0"`
	ExpectStatus   int               `mapstructure:"expect_status" validate:"omitempty,gte=100,lt=600"`
}

// NewHTTP builds a task that performs one HTTP request. The task's data
// directive becomes the request body for methods that carry one. JSON
// responses decode into structured data; anything else returns as a string.
func NewHTTP(cfg map[string]any, c *chain.Chain) (*task.Task, error) {
	var kindCfg httpConfig
	spec, err := decodeKind(cfg, &kindCfg)
	if err != nil {
		return nil, err
	}
	method := strings.ToUpper(kindCfg.Method)
	if method == "" {
		method = "GET"
	}
	switch method {
	case "GET", "POST", "PUT", "PATCH", "DELETE", "HEAD":
	default:
		return nil, fmt.Errorf("%w: task %q: unsupported http method %q", task.ErrConfiguration, spec.Name, kindCfg.Method)
	}

	client := resty.New()
	if kindCfg.TimeoutSeconds > 0 {
		client.SetTimeout(time.Duration(kindCfg.TimeoutSeconds * float64(time.Second)))
	}

	run := func(ctx context.Context, t *task.Task) (any, error) {
		req := client.R().SetContext(ctx).SetHeaders(kindCfg.Headers)
		if body := t.Data(); body != nil && method != "GET" && method != "HEAD" {
			req.SetBody(body)
		}

		resp, err := req.Execute(method, kindCfg.URL)
		if err != nil {
			return nil, fmt.Errorf("%s %s: %w", method, kindCfg.URL, err)
		}

		status := resp.StatusCode()
		if kindCfg.ExpectStatus > 0 {
			if status != kindCfg.ExpectStatus {
				return nil, fmt.Errorf("%s %s: status %d, expected %d", method, kindCfg.URL, status, kindCfg.ExpectStatus)
			}
		} else if resp.IsError() {
			return nil, fmt.Errorf("%s %s: status %d: %s", method, kindCfg.URL, status, summarize(resp.Body()))
		}

		return map[string]any{
			"status_code": status,
			"headers":     resp.Header(),
			"body":        decodeBody(resp),
		}, nil
	}
	return task.New(spec, run, c.TaskDeps())
}

func decodeBody(resp *resty.Response) any {
	body := resp.Body()
	if len(body) == 0 {
		return nil
	}
	if strings.Contains(resp.Header().Get("Content-Type"), "json") {
		var decoded any
		if err := json.Unmarshal(body, &decoded); err == nil {
			return decoded
		}
	}
	return string(body)
}

func summarize(body []byte) string {
	const max = 200
	s := string(body)
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
