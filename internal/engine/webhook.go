package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/parleyhq/parley/internal/log"
)

// webhookArgs is the argument envelope models fill for webhook tools: the
// three sections map onto the URL path, the query string and the request
// body.
type webhookArgs struct {
	PathParams  map[string]any  `json:"path_params"`
	QueryParams map[string]any  `json:"query_params"`
	BodyParams  json.RawMessage `json:"body_params"`
}

// maxErrorBodyBytes bounds how much of an error response is copied into the
// tool result handed back to the model.
const maxErrorBodyBytes = 512

// WebhookExecutor invokes remote-HTTP tools. Arguments are validated
// against the descriptor's configured JSON schemas before any network IO;
// non-2xx responses and transport failures become error results, never turn
// failures.
type WebhookExecutor struct {
	client *http.Client
	logger log.Logger

	// resolved schemas cached by their raw text; descriptors are
	// snapshots, so identical text means identical schema.
	mu      sync.Mutex
	schemas map[string]*jsonschema.Resolved
}

// NewWebhookExecutor creates a webhook executor. client may be nil, in
// which case a default client is used; per-call deadlines come from the
// dispatcher's context.
func NewWebhookExecutor(client *http.Client, logger log.Logger) *WebhookExecutor {
	if client == nil {
		client = &http.Client{}
	}
	return &WebhookExecutor{
		client:  client,
		logger:  logger,
		schemas: make(map[string]*jsonschema.Resolved),
	}
}

// Invoke implements Executor.
func (x *WebhookExecutor) Invoke(ctx context.Context, _ *ExecutionContext, desc *ToolDescriptor, req ToolCallRequest) ToolCallResult {
	target := desc.Webhook
	if target == nil {
		return errorResult(req, ToolErrorExecution, "webhook tool has no target configuration")
	}

	var args webhookArgs
	if len(req.Args) > 0 {
		if err := json.Unmarshal(req.Args, &args); err != nil {
			return errorResult(req, ToolErrorInvalidArguments,
				fmt.Sprintf("arguments are not a valid webhook envelope: %v", err))
		}
	}

	if err := x.validateSection(target.PathSchema, args.PathParams, "path_params"); err != nil {
		return errorResult(req, ToolErrorInvalidArguments, err.Error())
	}
	if err := x.validateSection(target.QuerySchema, args.QueryParams, "query_params"); err != nil {
		return errorResult(req, ToolErrorInvalidArguments, err.Error())
	}
	if len(target.BodySchema) > 0 {
		var body any
		if len(args.BodyParams) > 0 {
			if err := json.Unmarshal(args.BodyParams, &body); err != nil {
				return errorResult(req, ToolErrorInvalidArguments,
					fmt.Sprintf("body_params is not valid JSON: %v", err))
			}
		}
		if err := x.validate(target.BodySchema, body, "body_params"); err != nil {
			return errorResult(req, ToolErrorInvalidArguments, err.Error())
		}
	}

	reqURL, err := expandURL(target.URLTemplate, args.PathParams)
	if err != nil {
		return errorResult(req, ToolErrorInvalidArguments, err.Error())
	}
	if len(args.QueryParams) > 0 {
		q := url.Values{}
		for k, v := range args.QueryParams {
			q.Set(k, paramString(v))
		}
		sep := "?"
		if strings.Contains(reqURL, "?") {
			sep = "&"
		}
		reqURL += sep + q.Encode()
	}

	method := target.Method
	if method == "" {
		method = http.MethodGet
	}

	// The body is sent only for tools that declare a body schema.
	var bodyReader io.Reader
	if len(target.BodySchema) > 0 && len(args.BodyParams) > 0 {
		bodyReader = bytes.NewReader(args.BodyParams)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, reqURL, bodyReader)
	if err != nil {
		return errorResult(req, ToolErrorInvalidArguments, fmt.Sprintf("building request: %v", err))
	}
	if bodyReader != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range target.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := x.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return errorResult(req, ToolErrorTimeout, "webhook call timed out")
		}
		return errorResult(req, ToolErrorExecution, fmt.Sprintf("webhook call failed: %v", err))
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			x.logger.Debug("closing webhook response body", "error", err)
		}
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return errorResult(req, ToolErrorExecution, fmt.Sprintf("reading webhook response: %v", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet := string(body)
		if len(snippet) > maxErrorBodyBytes {
			snippet = snippet[:maxErrorBodyBytes]
		}
		return errorResult(req, ToolErrorExecution,
			fmt.Sprintf("webhook returned status %d: %s", resp.StatusCode, snippet))
	}

	return ToolCallResult{Ref: req.Ref, Name: req.Name, Output: normalizeJSON(body)}
}

// validateSection validates one map-shaped argument section against its
// configured schema. A missing schema means the section is unconstrained.
func (x *WebhookExecutor) validateSection(schema json.RawMessage, section map[string]any, name string) error {
	if len(schema) == 0 {
		return nil
	}
	value := any(section)
	if section == nil {
		value = map[string]any{}
	}
	return x.validate(schema, value, name)
}

func (x *WebhookExecutor) validate(raw json.RawMessage, value any, name string) error {
	resolved, err := x.resolveSchema(raw)
	if err != nil {
		return fmt.Errorf("%s schema is invalid: %w", name, err)
	}
	if err := resolved.Validate(value); err != nil {
		return fmt.Errorf("%s failed schema validation: %w", name, err)
	}
	return nil
}

func (x *WebhookExecutor) resolveSchema(raw json.RawMessage) (*jsonschema.Resolved, error) {
	key := string(raw)
	x.mu.Lock()
	defer x.mu.Unlock()
	if resolved, ok := x.schemas[key]; ok {
		return resolved, nil
	}
	var schema jsonschema.Schema
	if err := json.Unmarshal(raw, &schema); err != nil {
		return nil, err
	}
	resolved, err := schema.Resolve(nil)
	if err != nil {
		return nil, err
	}
	x.schemas[key] = resolved
	return resolved, nil
}

// expandURL substitutes {name} placeholders with URL-escaped path params.
// A placeholder without a matching param is an argument error.
func expandURL(template string, pathParams map[string]any) (string, error) {
	var b strings.Builder
	rest := template
	for {
		open := strings.Index(rest, "{")
		if open < 0 {
			b.WriteString(rest)
			return b.String(), nil
		}
		closing := strings.Index(rest[open:], "}")
		if closing < 0 {
			return "", fmt.Errorf("unbalanced placeholder in URL template %q", template)
		}
		name := rest[open+1 : open+closing]
		v, ok := pathParams[name]
		if !ok {
			return "", fmt.Errorf("missing path parameter %q", name)
		}
		b.WriteString(rest[:open])
		b.WriteString(url.PathEscape(paramString(v)))
		rest = rest[open+closing+1:]
	}
}

// paramString renders a JSON-decoded value for URL use. JSON numbers decode
// as float64; integral values must not pick up a fractional suffix.
func paramString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// normalizeJSON passes valid JSON through unchanged and wraps anything else
// as a JSON string, so tool results are always structured.
func normalizeJSON(body []byte) json.RawMessage {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return json.RawMessage(`""`)
	}
	if json.Valid(trimmed) {
		return json.RawMessage(trimmed)
	}
	quoted, err := json.Marshal(string(trimmed))
	if err != nil {
		return json.RawMessage(`""`)
	}
	return json.RawMessage(quoted)
}
