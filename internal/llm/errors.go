package llm

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/nulzo/model-gateway/internal/httpclient"
	"github.com/nulzo/model-gateway/pkg/api"
)

// upstreamErrorBody covers the error envelopes upstreams use in practice.
type upstreamErrorBody struct {
	Error   json.RawMessage `json:"error"`
	Message string          `json:"message"`
	Detail  string          `json:"detail"`
}

type upstreamErrorObject struct {
	Message string      `json:"message"`
	Type    string      `json:"type"`
	Code    interface{} `json:"code"`
}

// UpstreamFailure translates a raw call error into the api taxonomy:
// non-2xx answers become UpstreamRejected, everything that never got an
// answer becomes UpstreamUnavailable. Problems and caller cancellation pass
// through untouched.
func UpstreamFailure(provider string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := api.AsProblem(err); ok {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) && !httpclient.IsTransport(err) {
		return err
	}

	var ue *httpclient.UpstreamError
	if errors.As(err, &ue) {
		msg, opts := describeBody(ue.Body)
		opts = append(opts, api.WithLog(err), api.WithExtension("upstream_status", ue.StatusCode))
		return api.UpstreamRejected(provider, ue.StatusCode, msg, opts...)
	}

	return api.UpstreamUnavailable(provider, err)
}

func describeBody(body []byte) (string, []api.ProblemOption) {
	var env upstreamErrorBody
	if err := json.Unmarshal(body, &env); err == nil {
		if len(env.Error) > 0 {
			var obj upstreamErrorObject
			if json.Unmarshal(env.Error, &obj) == nil && obj.Message != "" {
				var opts []api.ProblemOption
				if obj.Type != "" {
					opts = append(opts, api.WithExtension("upstream_type", obj.Type))
				}
				if obj.Code != nil {
					opts = append(opts, api.WithExtension("upstream_code", obj.Code))
				}
				return obj.Message, opts
			}
			var s string
			if json.Unmarshal(env.Error, &s) == nil && s != "" {
				return s, nil
			}
		}
		if env.Message != "" {
			return env.Message, nil
		}
		if env.Detail != "" {
			return env.Detail, nil
		}
	}

	text := strings.TrimSpace(string(body))
	if len(text) > 512 {
		text = text[:512]
	}
	if text == "" {
		text = "upstream returned an empty error body"
	}
	return text, nil
}
