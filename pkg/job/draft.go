package job

import (
	"encoding/json"
	"strings"

	"github.com/abdhe/dreamina-proxy/pkg/upstream"
)

const (
	draftVersion      = "3.0.2"
	videoDraftVersion = "3.0.5"
	defaultStrength   = 0.5
	videoFPS          = 24
)

// draftParams is everything the draft document needs after uploads are done.
type draftParams struct {
	kind           Kind
	model          Model
	prompt         string
	negativePrompt string
	width, height  int
	strength       float64
	seed           int64
	durationMS     int
	imageURIs      []string // composite references
	firstFrame     string   // video
	endFrame       string   // video, optional
}

// draftBuilder assembles the generate request. Every node in the draft needs
// its own id, so the builder carries the id source.
type draftBuilder struct {
	newID func() string
}

func (b draftBuilder) node(fields map[string]any) map[string]any {
	n := map[string]any{"type": "", "id": b.newID()}
	for k, v := range fields {
		n[k] = v
	}
	return n
}

// generateBody returns the body and query params for a generate call.
func (b draftBuilder) generateBody(submitID string, p draftParams) (map[string]any, map[string]string, error) {
	var (
		draft   map[string]any
		feature string
	)
	switch p.kind {
	case KindVideo:
		draft = b.videoDraft(p)
		feature = "text_to_video"
		if p.firstFrame != "" {
			feature = "image_to_video"
		}
	case KindComposite:
		draft = b.imageDraft(p)
		feature = "to_image_referenceimage_generate"
	default:
		draft = b.imageDraft(p)
		feature = "aigc_to_image"
	}

	draftJSON, err := json.Marshal(draft)
	if err != nil {
		return nil, nil, err
	}
	babi, err := json.Marshal(map[string]string{
		"scenario":                "image_video_generation",
		"feature_key":             feature,
		"feature_entrance":        "to_image",
		"feature_entrance_detail": "to_image-" + p.model.ReqKey,
	})
	if err != nil {
		return nil, nil, err
	}
	metricsExtra, err := json.Marshal(map[string]any{
		"templateId":      "",
		"generateCount":   1,
		"promptSource":    "custom",
		"templateSource":  "",
		"lastRequestId":   "",
		"originRequestId": "",
	})
	if err != nil {
		return nil, nil, err
	}

	body := map[string]any{
		"extend":           map[string]any{"root_model": p.model.ReqKey, "template_id": ""},
		"submit_id":        submitID,
		"metrics_extra":    string(metricsExtra),
		"draft_content":    string(draftJSON),
		"http_common_info": map[string]any{"aid": json.Number(upstream.AppID)},
	}
	return body, map[string]string{"babi_param": string(babi)}, nil
}

func (b draftBuilder) imageDraft(p draftParams) map[string]any {
	componentID := b.newID()
	strength := p.strength
	if strength <= 0 {
		strength = defaultStrength
	}

	prompt := p.prompt
	if p.kind == KindComposite {
		prompt = strings.Repeat("##", len(p.imageURIs)) + prompt
	}
	core := b.node(map[string]any{
		"model":           p.model.ReqKey,
		"prompt":          prompt,
		"negative_prompt": p.negativePrompt,
		"seed":            p.seed,
		"sample_strength": strength,
		"image_ratio":     RatioCode(p.width, p.height),
		"large_image_info": b.node(map[string]any{
			"height":          p.height,
			"width":           p.width,
			"resolution_type": "1k",
		}),
	})

	generateType := "generate"
	var abilities map[string]any
	if p.kind == KindComposite {
		generateType = "blend"
		abilityList := make([]any, 0, len(p.imageURIs))
		placeholders := make([]any, 0, len(p.imageURIs))
		for i, uri := range p.imageURIs {
			abilityList = append(abilityList, b.node(map[string]any{
				"name":           "byte_edit",
				"image_uri_list": []string{uri},
				"image_list":     []any{b.imageRef(uri)},
				"strength":       strength,
			}))
			placeholders = append(placeholders, b.node(map[string]any{"ability_index": i}))
		}
		abilities = b.node(map[string]any{
			"blend": b.node(map[string]any{
				"min_features":                 []string{},
				"core_param":                   core,
				"ability_list":                 abilityList,
				"prompt_placeholder_info_list": placeholders,
				"postedit_param":               b.node(map[string]any{"generate_type": 0}),
				"history_option":               b.node(nil),
			}),
		})
	} else {
		abilities = b.node(map[string]any{
			"generate": b.node(map[string]any{
				"core_param":     core,
				"history_option": b.node(nil),
			}),
		})
	}

	return map[string]any{
		"type":              "draft",
		"id":                b.newID(),
		"min_version":       draftVersion,
		"is_from_tsn":       true,
		"version":           draftVersion,
		"main_component_id": componentID,
		"component_list": []any{map[string]any{
			"type":          "image_base_component",
			"id":            componentID,
			"min_version":   draftVersion,
			"generate_type": generateType,
			"aigc_mode":     "workbench",
			"abilities":     abilities,
		}},
	}
}

func (b draftBuilder) videoDraft(p draftParams) map[string]any {
	componentID := b.newID()
	input := b.node(map[string]any{
		"min_version":    videoDraftVersion,
		"prompt":         p.prompt,
		"video_mode":     2,
		"fps":            videoFPS,
		"duration_ms":    p.durationMS,
		"idip_meta_list": []any{},
	})
	if p.firstFrame != "" {
		input["first_frame_image"] = b.frame(p.firstFrame, p.width, p.height)
	}
	if p.endFrame != "" {
		input["end_frame_image"] = b.frame(p.endFrame, p.width, p.height)
	}

	return map[string]any{
		"type":              "draft",
		"id":                b.newID(),
		"min_version":       videoDraftVersion,
		"is_from_tsn":       true,
		"version":           videoDraftVersion,
		"main_component_id": componentID,
		"component_list": []any{map[string]any{
			"type":          "video_base_component",
			"id":            componentID,
			"min_version":   "1.0.0",
			"generate_type": "gen_video",
			"aigc_mode":     "workbench",
			"metadata": b.node(map[string]any{
				"created_platform":   3,
				"created_time_in_ms": "",
			}),
			"abilities": b.node(map[string]any{
				"gen_video": b.node(map[string]any{
					"text_to_video_params": b.node(map[string]any{
						"video_gen_inputs":   []any{input},
						"video_aspect_ratio": VideoRatio(p.width, p.height),
						"seed":               p.seed,
						"model_req_key":      p.model.ReqKey,
					}),
					"video_task_extra": "",
				}),
			}),
		}},
	}
}

func (b draftBuilder) imageRef(uri string) map[string]any {
	return map[string]any{
		"type":          "image",
		"id":            b.newID(),
		"source_from":   "upload",
		"platform_type": 1,
		"name":          "",
		"image_uri":     uri,
		"width":         0,
		"height":        0,
		"format":        "",
		"uri":           uri,
	}
}

func (b draftBuilder) frame(uri string, width, height int) map[string]any {
	return map[string]any{
		"type":          "image",
		"id":            b.newID(),
		"source_from":   "upload",
		"platform_type": 1,
		"name":          "",
		"image_uri":     uri,
		"width":         width,
		"height":        height,
		"format":        "",
		"uri":           uri,
	}
}
