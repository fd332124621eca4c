package job

import "sort"

// Kind is the type of generation job.
type Kind int

const (
	KindImage     Kind = iota // text-to-image
	KindComposite             // image-to-image with reference images
	KindVideo                 // text or frame-to-video
)

func (k Kind) String() string {
	switch k {
	case KindImage:
		return "image"
	case KindComposite:
		return "composite"
	case KindVideo:
		return "video"
	default:
		return "unknown"
	}
}

// Model is a public model name and the upstream request key behind it.
type Model struct {
	Name   string
	ReqKey string
	Video  bool
}

const (
	DefaultImageModel = "jimeng-3.0"
	DefaultVideoModel = "jimeng-video-3.0"
)

var models = map[string]Model{
	"jimeng-3.0":           {"jimeng-3.0", "high_aes_general_v30l:general_v3.0_18b", false},
	"jimeng-2.1":           {"jimeng-2.1", "high_aes_general_v21_L:general_v2.1_L", false},
	"jimeng-2.0-pro":       {"jimeng-2.0-pro", "high_aes_general_v20_L:general_v2.0_L", false},
	"jimeng-2.0":           {"jimeng-2.0", "high_aes_general_v20:general_v2.0", false},
	"jimeng-1.4":           {"jimeng-1.4", "high_aes_general_v14:general_v1.4", false},
	"jimeng-xl-pro":        {"jimeng-xl-pro", "text2img_xl_sft", false},
	"jimeng-video-3.0":     {"jimeng-video-3.0", "dreamina_ic_generate_video_model_vgfm_3.0", true},
	"jimeng-video-3.0-pro": {"jimeng-video-3.0-pro", "dreamina_ic_generate_video_model_vgfm_3.0_pro", true},
	"jimeng-video-2.0":     {"jimeng-video-2.0", "dreamina_ic_generate_video_model_vgfm_lite", true},
	"jimeng-video-2.0-pro": {"jimeng-video-2.0-pro", "dreamina_ic_generate_video_model_vgfm1.0", true},
}

// LookupModel resolves a public model name. Unknown or mismatched names fall
// back to the default model for the job kind.
func LookupModel(name string, video bool) Model {
	if m, ok := models[name]; ok && m.Video == video {
		return m
	}
	if video {
		return models[DefaultVideoModel]
	}
	return models[DefaultImageModel]
}

// IsVideoModel reports whether name is a known video model.
func IsVideoModel(name string) bool {
	m, ok := models[name]
	return ok && m.Video
}

// Models lists every supported model, sorted by name.
func Models() []Model {
	out := make([]Model, 0, len(models))
	for _, m := range models {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
