package engine

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
)

// defaultWebhookTimeout bounds a webhook call when the action config does
// not specify one.
const defaultWebhookTimeout = 30 * time.Second

// tokenPattern matches {{instance.*}} and {{context.*}} expansion tokens.
var tokenPattern = regexp.MustCompile(`\{\{\s*(instance|context)\.([^}\s]+)\s*\}\}`)

// WebhookAction is the built-in "webhook" action: it performs an HTTP call
// with token expansion in the URL, headers, and body.
//
// Config keys:
//
//	url            — request URL, tokens allowed (required)
//	method         — HTTP method, default POST
//	headers        — map of header name to value, tokens allowed
//	body           — request body: a string (tokens allowed) or a JSON
//	                 object whose string values are expanded
//	timeoutSeconds — per-call timeout, default 30
//	saveAs         — context key to store {status, body} under
//
// Tokens take the form {{instance.id}} or {{context.order.items.0.sku}};
// dotted and array-index paths resolve via the context document.
// Unresolvable tokens are left verbatim.
//
// A non-2xx response or transport error is an action failure, handled by
// the node's onFailure policy.
type WebhookAction struct {
	client *http.Client
}

// NewWebhookAction creates the webhook action. A nil client uses a default
// client; timeouts are applied per call from the action config.
func NewWebhookAction(client *http.Client) *WebhookAction {
	if client == nil {
		client = &http.Client{}
	}
	return &WebhookAction{client: client}
}

// Kind implements ActionExecutor.
func (a *WebhookAction) Kind() string { return "webhook" }

// Execute implements ActionExecutor.
func (a *WebhookAction) Execute(ctx context.Context, in ActionInput) (ActionResult, error) {
	rawURL, _ := in.Config["url"].(string)
	if rawURL == "" {
		return ActionResult{}, fmt.Errorf("webhook action requires url")
	}
	method, _ := in.Config["method"].(string)
	if method == "" {
		method = http.MethodPost
	}
	method = strings.ToUpper(method)

	timeout := defaultWebhookTimeout
	if secs := numberProp(in.Config, "timeoutSeconds"); secs > 0 {
		timeout = time.Duration(secs * float64(time.Second))
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := ExpandTokens(rawURL, in.Instance, in.ContextJSON)
	body, err := a.buildBody(in)
	if err != nil {
		return ActionResult{}, err
	}

	req, err := http.NewRequestWithContext(callCtx, method, url, strings.NewReader(body))
	if err != nil {
		return ActionResult{}, fmt.Errorf("build webhook request: %w", err)
	}
	if headers, ok := in.Config["headers"].(map[string]any); ok {
		for name, raw := range headers {
			if val, ok := raw.(string); ok {
				req.Header.Set(name, ExpandTokens(val, in.Instance, in.ContextJSON))
			}
		}
	}
	if req.Header.Get("Content-Type") == "" && body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return ActionResult{}, fmt.Errorf("webhook call: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return ActionResult{}, fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	saveAs, _ := in.Config["saveAs"].(string)
	if saveAs == "" {
		return ActionResult{}, nil
	}
	payload := map[string]any{"status": resp.StatusCode}
	var parsed any
	if json.Unmarshal(respBody, &parsed) == nil {
		payload["body"] = parsed
	} else {
		payload["body"] = string(respBody)
	}
	return ActionResult{Output: map[string]any{saveAs: payload}}, nil
}

// buildBody renders the request body from the action config: a string is
// expanded directly; an object has its string values expanded and is then
// marshaled.
func (a *WebhookAction) buildBody(in ActionInput) (string, error) {
	switch body := in.Config["body"].(type) {
	case nil:
		return "", nil
	case string:
		return ExpandTokens(body, in.Instance, in.ContextJSON), nil
	case map[string]any:
		expanded := expandMapTokens(body, in.Instance, in.ContextJSON)
		data, err := json.Marshal(expanded)
		if err != nil {
			return "", fmt.Errorf("marshal webhook body: %w", err)
		}
		return string(data), nil
	default:
		return "", fmt.Errorf("webhook body must be a string or an object, got %T", body)
	}
}

// ExpandTokens replaces {{instance.*}} and {{context.*}} tokens in s.
// Context paths resolve against the context document with gjson semantics
// (dotted paths, array indexes). Tokens that do not resolve are left
// verbatim.
func ExpandTokens(s string, inst *WorkflowInstance, contextJSON []byte) string {
	return tokenPattern.ReplaceAllStringFunc(s, func(token string) string {
		m := tokenPattern.FindStringSubmatch(token)
		scope, path := m[1], m[2]
		switch scope {
		case "instance":
			if val, ok := instanceField(inst, path); ok {
				return val
			}
		case "context":
			// Existence decides resolution: a present-but-empty value
			// substitutes "", only a missing path stays verbatim.
			if val, ok := lookupJSONPath(contextJSON, path); ok {
				return val
			}
		}
		return token
	})
}

func expandMapTokens(m map[string]any, inst *WorkflowInstance, contextJSON []byte) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch val := v.(type) {
		case string:
			out[k] = ExpandTokens(val, inst, contextJSON)
		case map[string]any:
			out[k] = expandMapTokens(val, inst, contextJSON)
		default:
			out[k] = v
		}
	}
	return out
}

// lookupJSONPath resolves a gjson path against the context document. The
// boolean reports whether the path exists at all.
func lookupJSONPath(contextJSON []byte, path string) (string, bool) {
	res := gjson.GetBytes(contextJSON, path)
	if !res.Exists() {
		return "", false
	}
	return res.String(), true
}

// instanceField resolves {{instance.*}} token paths against instance
// attributes.
func instanceField(inst *WorkflowInstance, path string) (string, bool) {
	switch path {
	case "id":
		return inst.ID, true
	case "tenantId":
		return inst.TenantID, true
	case "definitionId":
		return inst.DefinitionID, true
	case "definitionVersion":
		return fmt.Sprintf("%d", inst.DefinitionVersion), true
	case "status":
		return string(inst.Status), true
	case "createdBy":
		return inst.CreatedBy, true
	default:
		return "", false
	}
}
