package agent

import (
	"encoding/json"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/specwright/specwright/api/pkg/types"
)

// ParseFailurePolicy decides what an unparseable review verdict means.
type ParseFailurePolicy string

const (
	// ParseFailurePass keeps progress moving by treating the chunk as
	// passed; the feedback records that parsing failed.
	ParseFailurePass ParseFailurePolicy = "pass"
	// ParseFailureNeedsFix is the stricter option: spawn a follow-up
	// chunk asking the executor to address the raw review output.
	ParseFailureNeedsFix ParseFailurePolicy = "needs_fix"
)

type FixChunkSpec struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

// Verdict is the only structure the scheduler understands from the
// reviewer's otherwise opaque output.
type Verdict struct {
	Status   types.ReviewStatus `json:"status"`
	Feedback string             `json:"feedback"`
	FixChunk *FixChunkSpec      `json:"fix_chunk,omitempty"`
}

// ParseVerdict extracts the JSON verdict from reviewer output. Parse
// failure never blocks progress; the configured policy decides the
// fallback verdict.
func ParseVerdict(output string, policy ParseFailurePolicy) *Verdict {
	verdict, ok := tryParse(output)
	if ok {
		return verdict
	}

	log.Warn().
		Str("policy", string(policy)).
		Msg("review verdict could not be parsed")

	if policy == ParseFailureNeedsFix {
		description := output
		if len(description) > 2000 {
			description = description[:2000]
		}
		return &Verdict{
			Status:   types.ReviewStatusNeedsFix,
			Feedback: "review output could not be parsed",
			FixChunk: &FixChunkSpec{
				Title:       "Address review feedback",
				Description: description,
			},
		}
	}
	return &Verdict{
		Status:   types.ReviewStatusPass,
		Feedback: "parse failed",
	}
}

func tryParse(output string) (*Verdict, bool) {
	start := strings.Index(output, "{")
	end := strings.LastIndex(output, "}")
	if start < 0 || end <= start {
		return nil, false
	}

	var verdict Verdict
	if err := json.Unmarshal([]byte(output[start:end+1]), &verdict); err != nil {
		return nil, false
	}

	switch verdict.Status {
	case types.ReviewStatusPass, types.ReviewStatusNeedsFix, types.ReviewStatusFail:
	default:
		return nil, false
	}
	if verdict.Status == types.ReviewStatusNeedsFix && verdict.FixChunk == nil {
		// a needs_fix verdict without a fix description still spawns a
		// follow-up; synthesize one from the feedback
		verdict.FixChunk = &FixChunkSpec{
			Title:       "Address review feedback",
			Description: verdict.Feedback,
		}
	}
	return &verdict, true
}
