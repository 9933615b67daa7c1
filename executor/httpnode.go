package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/songzhibin97/campaign-engine/interp"
	"github.com/songzhibin97/campaign-engine/types"
)

const (
	defaultHTTPTimeout = 30 * time.Second
	maxResponseBytes   = 1 << 20
)

// flatMapSuffix matches the ".flatMap(item => item.<subpath>)" suffix the
// authoring tool emits when the user picks a field inside a list.
var flatMapSuffix = regexp.MustCompile(`\.flatMap\(\s*\w+\s*=>\s*\w+\.([\w.]+)\s*\)$`)

// executeHTTP builds method, URL, headers and body by interpolating each
// field independently, issues the call with the node's configured
// timeout, and on success applies every variable binding. Non-2xx or
// timeout marks the node failed; HTTP nodes are never auto-retried to
// avoid duplicate side effects on the third-party API.
func (r *Registry) executeHTTP(ctx context.Context, node types.Node, vars map[string]string) Effect {
	cfg := node.Config.HTTP

	timeout := defaultHTTPTimeout
	if cfg.TimeoutSeconds >= 1 && cfg.TimeoutSeconds <= 60 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := strings.ToUpper(interp.Interpolate(cfg.Method, vars))
	url := interp.Interpolate(cfg.URL, vars)

	var body io.Reader
	if cfg.Body != "" {
		body = strings.NewReader(interp.Interpolate(cfg.Body, vars))
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fail(fmt.Errorf("build request: %w", err))
	}

	if cfg.Headers != "" {
		headers := make(map[string]string)
		if err := json.Unmarshal([]byte(interp.Interpolate(cfg.Headers, vars)), &headers); err != nil {
			return fail(fmt.Errorf("malformed headers JSON: %w", err))
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
	}
	if cfg.Body != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fail(fmt.Errorf("http call: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fail(fmt.Errorf("http call returned status %d", resp.StatusCode))
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fail(fmt.Errorf("read response: %w", err))
	}

	eff := advance()
	if len(cfg.VariableMappings) > 0 {
		eff.Vars = make(map[string]string, len(cfg.VariableMappings))
		for _, binding := range cfg.VariableMappings {
			value, ok := extractPath(respBody, binding.JSONPath)
			if !ok {
				r.log.Warn("variable binding path not found in response",
					"node", node.ID, "path", binding.JSONPath, "variable", binding.VariableName)
				continue
			}
			eff.Vars[binding.VariableName] = value
		}
	}
	return eff
}

// extractPath resolves a binding path against a JSON body. A flatMap
// suffix is translated to gjson's "#" array projection; projected values
// are joined with ", " since bindings feed message interpolation.
func extractPath(body []byte, path string) (string, bool) {
	if loc := flatMapSuffix.FindStringSubmatchIndex(path); loc != nil {
		subpath := path[loc[2]:loc[3]]
		path = path[:loc[0]] + ".#." + subpath
	}

	result := gjson.GetBytes(body, path)
	if !result.Exists() {
		return "", false
	}
	if result.IsArray() {
		items := result.Array()
		if len(items) == 0 {
			return "", false
		}
		parts := make([]string, 0, len(items))
		for _, item := range items {
			parts = append(parts, item.String())
		}
		return strings.Join(parts, ", "), true
	}
	return result.String(), true
}
