package ranking

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"council/internal/council"
)

// RubricHeader introduces the per-label criterion scores
const RubricHeader = "RUBRIC SCORES:"

// RubricCriteria are the criteria evaluators score on a 0-10 scale
var RubricCriteria = []string{"accuracy", "completeness", "clarity", "relevance"}

const rubricSchema = `{
  "type": "object",
  "minProperties": 1,
  "additionalProperties": {
    "type": "object",
    "minProperties": 1,
    "additionalProperties": {"type": "number", "minimum": 0, "maximum": 10}
  }
}`

var (
	rubricHeaderPattern = regexp.MustCompile(`(?i)rubric\s+scores\s*:`)
	metaScorePattern    = regexp.MustCompile(`(?i)score\s*[:=]\s*\**\s*(\d+(?:\.\d+)?)\s*/\s*10`)

	schemaOnce sync.Once
	schema     *gojsonschema.Schema
	schemaErr  error
)

func loadRubricSchema() (*gojsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schema, schemaErr = gojsonschema.NewSchema(gojsonschema.NewStringLoader(rubricSchema))
	})
	return schema, schemaErr
}

// ParseRubric extracts the RUBRIC SCORES JSON object from evaluator text.
// Label keys are normalized; entries whose key is not a label are dropped.
// It returns nil when the block is absent or fails validation.
func ParseRubric(text string) map[string]map[string]float64 {
	loc := lastMatch(rubricHeaderPattern, text)
	if loc == nil {
		return nil
	}
	raw := firstJSONObject(text[loc[1]:])
	if raw == "" {
		return nil
	}

	s, err := loadRubricSchema()
	if err != nil {
		return nil
	}
	result, err := s.Validate(gojsonschema.NewStringLoader(raw))
	if err != nil || !result.Valid() {
		return nil
	}

	var decoded map[string]map[string]float64
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return nil
	}

	scores := make(map[string]map[string]float64, len(decoded))
	for key, criteria := range decoded {
		label := council.NormalizeLabel(key)
		if label == "" {
			continue
		}
		normalized := make(map[string]float64, len(criteria))
		for name, v := range criteria {
			normalized[strings.ToLower(strings.TrimSpace(name))] = v
		}
		scores[label] = normalized
	}
	if len(scores) == 0 {
		return nil
	}
	return scores
}

// RubricMean averages the criterion scores of one label
func RubricMean(criteria map[string]float64) (float64, bool) {
	if len(criteria) == 0 {
		return 0, false
	}
	var sum float64
	for _, v := range criteria {
		sum += v
	}
	return sum / float64(len(criteria)), true
}

// ParseMetaScore reads an "N/10" score from a meta-evaluation
func ParseMetaScore(text string) *float64 {
	matches := metaScorePattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}
	v, err := strconv.ParseFloat(matches[len(matches)-1][1], 64)
	if err != nil {
		return nil
	}
	v = clamp(v, 0, 10)
	return &v
}

// firstJSONObject returns the first balanced {...} span, honoring strings
func firstJSONObject(text string) string {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}
