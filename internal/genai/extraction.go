package genai

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/shared"

	"github.com/BTreeMap/StagePipe/internal/models"
)

// ExtractionRequest describes one completed turn for the model-assisted
// extraction pass.
type ExtractionRequest struct {
	UserMessage       string
	Reply             string
	StageName         string
	RequiredVariables []string
	Known             map[string]string
	Params            models.ModelParams
}

// Extraction is the model's proposal for a turn: variable candidates and
// whether the current stage looks complete.
type Extraction struct {
	Variables map[string]string `json:"variables"`
	Advance   bool              `json:"advance"`
	Reason    string            `json:"reason"`
}

const extractionSystemPrompt = `You read one turn of a sales conversation and extract facts stated by the USER.
Reply with a single JSON object and nothing else:
{"variables": {"<name>": "<value>"}, "advance": <true|false>, "reason": "<short reason>"}
Rules:
- Only include facts the user explicitly stated in this turn. Never invent values.
- Use these names when they apply: name, email, area, challenge, data_reuniao (DD/MM), horario_reuniao (H:MM).
- Omit variables you are unsure about.
- "advance" is true only when every required variable of the current stage is known after this turn.`

// ExtractTurn asks the model to propose variables and an advance decision for
// a turn. Values that are null, empty or non-scalar are dropped.
func (c *Client) ExtractTurn(ctx context.Context, req ExtractionRequest) (Extraction, error) {
	params := c.chatParams(req.Params, []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(extractionSystemPrompt),
		openai.UserMessage(buildExtractionInput(req)),
	})
	params.Temperature = openai.Float(0)
	params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
		OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
	}

	content, err := c.complete(ctx, "ExtractTurn", params)
	if err != nil {
		return Extraction{}, err
	}
	out, err := ParseExtraction(content)
	if err != nil {
		slog.Warn("genai.Client.ExtractTurn: unparseable extraction", "error", err, "content", content)
		return Extraction{}, err
	}
	slog.Debug("genai.Client.ExtractTurn: extraction parsed", "variables", len(out.Variables), "advance", out.Advance, "reason", out.Reason)
	return out, nil
}

func buildExtractionInput(req ExtractionRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Current stage: %s\n", req.StageName)
	fmt.Fprintf(&b, "Required variables: %s\n", strings.Join(req.RequiredVariables, ", "))
	b.WriteString("Known variables:\n")
	keys := make([]string, 0, len(req.Known))
	for k := range req.Known {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "- %s: %s\n", k, req.Known[k])
	}
	fmt.Fprintf(&b, "\nUSER: %s\nASSISTANT: %s\n", req.UserMessage, req.Reply)
	return b.String()
}

// ParseExtraction decodes a model extraction response. It tolerates markdown
// code fences, surrounding prose, numeric or boolean values and a string
// "advance" field.
func ParseExtraction(content string) (Extraction, error) {
	body := strings.TrimSpace(content)
	if start := strings.Index(body, "{"); start >= 0 {
		if end := strings.LastIndex(body, "}"); end > start {
			body = body[start : end+1]
		}
	}
	var raw struct {
		Variables map[string]interface{} `json:"variables"`
		Advance   interface{}            `json:"advance"`
		Reason    string                 `json:"reason"`
	}
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		return Extraction{}, fmt.Errorf("failed to decode extraction: %w", err)
	}

	out := Extraction{Variables: map[string]string{}, Reason: raw.Reason}
	for k, v := range raw.Variables {
		key := strings.TrimSpace(k)
		if key == "" {
			continue
		}
		var val string
		switch x := v.(type) {
		case string:
			val = strings.TrimSpace(x)
		case float64:
			val = strconv.FormatFloat(x, 'f', -1, 64)
		case bool:
			val = strconv.FormatBool(x)
		default:
			continue
		}
		if val == "" || strings.EqualFold(val, "null") {
			continue
		}
		out.Variables[key] = val
	}
	switch x := raw.Advance.(type) {
	case bool:
		out.Advance = x
	case string:
		out.Advance, _ = strconv.ParseBool(strings.TrimSpace(x))
	}
	return out, nil
}
