package proxy

import (
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/abdhe/dreamina-proxy/pkg/apierror"
	"github.com/abdhe/dreamina-proxy/pkg/provider"
)

// RequestFromStruct decodes a generation request. Recognised fields:
// model, prompt, negative_prompt, width, height, ratio, sample_strength,
// seed, duration_ms, images (list of strings) and video (bool).
func RequestFromStruct(in *structpb.Struct) (provider.Request, error) {
	var req provider.Request
	if in == nil {
		return req, apierror.New(apierror.KindInvalidRequest, "empty request")
	}
	f := in.GetFields()

	req.Model = f["model"].GetStringValue()
	req.Prompt = f["prompt"].GetStringValue()
	req.NegativePrompt = f["negative_prompt"].GetStringValue()
	req.Ratio = f["ratio"].GetStringValue()
	req.Width = int(f["width"].GetNumberValue())
	req.Height = int(f["height"].GetNumberValue())
	req.SampleStrength = f["sample_strength"].GetNumberValue()
	req.Seed = int64(f["seed"].GetNumberValue())
	req.DurationMS = int(f["duration_ms"].GetNumberValue())
	req.Video = f["video"].GetBoolValue()

	for i, v := range f["images"].GetListValue().GetValues() {
		s, ok := v.GetKind().(*structpb.Value_StringValue)
		if !ok {
			return provider.Request{}, apierror.New(apierror.KindInvalidRequest, "images[%d] is not a string", i)
		}
		req.Images = append(req.Images, s.StringValue)
	}
	return req, nil
}

// RequestToStruct encodes a request for GenerationClient.
func RequestToStruct(req provider.Request) (*structpb.Struct, error) {
	m := map[string]any{
		"prompt": req.Prompt,
	}
	setString(m, "model", req.Model)
	setString(m, "negative_prompt", req.NegativePrompt)
	setString(m, "ratio", req.Ratio)
	setNumber(m, "width", float64(req.Width))
	setNumber(m, "height", float64(req.Height))
	setNumber(m, "sample_strength", req.SampleStrength)
	setNumber(m, "seed", float64(req.Seed))
	setNumber(m, "duration_ms", float64(req.DurationMS))
	if req.Video {
		m["video"] = true
	}
	if len(req.Images) > 0 {
		m["images"] = stringList(req.Images)
	}
	return structpb.NewStruct(m)
}

// ResponseToStruct encodes a finished generation.
func ResponseToStruct(resp provider.Response) (*structpb.Struct, error) {
	return structpb.NewStruct(responseMap(resp))
}

func responseMap(resp provider.Response) map[string]any {
	return map[string]any{
		"history_id": resp.HistoryID,
		"kind":       resp.Kind.String(),
		"model":      resp.Model,
		"outcome":    resp.Outcome.String(),
		"media":      stringList(resp.Media),
		"fail_code":  resp.FailCode,
		"attempts":   resp.Attempts,
		"elapsed_ms": resp.Elapsed.Milliseconds(),
	}
}

// chunkToStruct encodes a stream chunk as {type: "progress", ...} or
// {type: "result", ...}.
func chunkToStruct(c provider.StreamChunk) (*structpb.Struct, error) {
	if c.Done {
		m := responseMap(c.Response)
		m["type"] = "result"
		return structpb.NewStruct(m)
	}
	if c.Attempt == nil {
		return nil, fmt.Errorf("proxy: progress chunk without attempt")
	}
	a := c.Attempt
	return structpb.NewStruct(map[string]any{
		"type":       "progress",
		"history_id": c.HistoryID,
		"attempt":    a.Index + 1,
		"status":     a.Status,
		"item_count": a.ItemCount,
		"soft_miss":  a.SoftMiss,
		"shape":      a.Shape.String(),
		"elapsed_ms": a.Elapsed.Milliseconds(),
		"delay_ms":   a.Delay.Milliseconds(),
	})
}

func setString(m map[string]any, key, v string) {
	if v != "" {
		m[key] = v
	}
}

func setNumber(m map[string]any, key string, v float64) {
	if v != 0 {
		m[key] = v
	}
}

// stringList converts to the []any form structpb.NewValue accepts.
func stringList(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
