package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"
)

// structureAttempts is the initial structuring request plus corrective
// retries when the model emits prose or invalid JSON.
const structureAttempts = 3

const extractionPrompt = `You are an expert at reading and transcribing text from images, including handwritten and printed text.

Your task: CAREFULLY read ALL visible text in this image. Pay special attention to:
- Handwritten text, including cursive script
- Printed text
- Numbers, measurements, and abbreviations
- Any notes, tips, marginalia, or special instructions

Extract EVERY piece of visible text exactly as you see it. Return only the complete text transcription, nothing else.`

const structureSystemPrompt = "You convert recipe text into JSON. Reply with ONLY a single JSON object. No prose, no markdown."

const correctivePrompt = "Your last answer was not a single JSON object matching the schema. " +
	"Reply with ONLY the JSON object. No prose, no markdown, no code fences. Use null for missing fields."

// Ollama transcribes a recipe image in two passes: the vision model
// extracts the raw text, then a text model structures it into recipe
// fields. A separate structure model is used because vision models tend
// to return reasoning instead of direct JSON.
type Ollama struct {
	baseURL        string
	model          string
	structureModel string
	client         *http.Client
}

func NewOllama(baseURL, model, structureModel string) *Ollama {
	if structureModel == "" {
		structureModel = model
	}
	return &Ollama{
		baseURL:        strings.TrimRight(baseURL, "/"),
		model:          model,
		structureModel: structureModel,
		client:         &http.Client{},
	}
}

type chatMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

type chatRequest struct {
	Model    string         `json:"model"`
	Messages []chatMessage  `json:"messages"`
	Stream   bool           `json:"stream"`
	Format   string         `json:"format,omitempty"`
	Options  map[string]any `json:"options,omitempty"`
}

type chatResponse struct {
	Message struct {
		Content  string `json:"content"`
		Thinking string `json:"thinking"`
	} `json:"message"`
	Error string `json:"error"`
}

func (o *Ollama) Transcribe(ctx context.Context, image []byte) (*Recipe, error) {
	extracted, err := o.extractText(ctx, image)
	if err != nil {
		return nil, err
	}
	log.Debug().Int("chars", len(extracted)).Msg("extracted text from image")
	return o.structureText(ctx, extracted)
}

// Ping verifies the Ollama service is reachable.
func (o *Ollama) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/api/tags", nil)
	if err != nil {
		return err
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return fmt.Errorf("reach ollama: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama returned status %d", resp.StatusCode)
	}
	return nil
}

// extractText is the first pass: read everything visible in the image.
func (o *Ollama) extractText(ctx context.Context, image []byte) (string, error) {
	resp, err := o.chat(ctx, chatRequest{
		Model: o.model,
		Messages: []chatMessage{{
			Role:    "user",
			Content: extractionPrompt,
			Images:  []string{base64.StdEncoding.EncodeToString(image)},
		}},
		Options: map[string]any{
			"temperature":    0,
			"top_p":          0.95,
			"top_k":          40,
			"repeat_penalty": 1.1,
			"num_predict":    4096,
			"num_ctx":        8192,
		},
	})
	if err != nil {
		return "", err
	}
	text := resp.Message.Content
	if text == "" {
		text = resp.Message.Thinking
	}
	if strings.TrimSpace(text) == "" {
		return "", errors.New("empty text extracted from image")
	}
	return text, nil
}

// structureText is the second pass: convert the extracted text into a
// validated Recipe, retrying with a corrective message when the model
// strays from pure JSON.
func (o *Ollama) structureText(ctx context.Context, extracted string) (*Recipe, error) {
	userMsg := "Convert the following recipe text into JSON with these fields: " +
		"title (string), ingredients (array of {quantity, unit, item}), instructions (array of strings), " +
		"prep_time (string|null), cook_time (string|null), servings (string|null), notes (string|null). " +
		"Use null for missing fields. Do not add fields. Return ONLY the JSON object.\n\nText:\n" + extracted

	messages := []chatMessage{
		{Role: "system", Content: structureSystemPrompt},
		{Role: "user", Content: userMsg},
	}

	var lastResponse string
	for attempt := 1; attempt <= structureAttempts; attempt++ {
		resp, err := o.chat(ctx, chatRequest{
			Model:    o.structureModel,
			Messages: messages,
			Format:   "json",
			Options: map[string]any{
				"temperature":    0,
				"top_p":          0.95,
				"top_k":          40,
				"repeat_penalty": 1.1,
				"num_predict":    2048,
			},
		})
		if err != nil {
			return nil, err
		}
		text := resp.Message.Content
		if text == "" {
			text = resp.Message.Thinking
		}
		lastResponse = text

		recipe, err := decodeRecipe([]byte(text))
		if err == nil {
			return recipe, nil
		}
		log.Warn().Err(err).Int("attempt", attempt).Msg("structuring attempt produced invalid recipe JSON")
		messages = []chatMessage{
			{Role: "system", Content: structureSystemPrompt},
			{Role: "user", Content: userMsg},
			{Role: "user", Content: correctivePrompt},
		}
	}

	// Last resort: the answer may contain a usable JSON object buried in
	// prose or code fences.
	if salvaged := extractJSON(lastResponse); salvaged != nil {
		if recipe, err := decodeRecipe(salvaged); err == nil {
			return recipe, nil
		}
	}
	return nil, errors.New("could not obtain schema-compliant JSON from structuring pass")
}

func (o *Ollama) chat(ctx context.Context, payload chatRequest) (*chatResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call ollama: %w", err)
	}
	defer resp.Body.Close()

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode ollama response: %w", err)
	}
	if resp.StatusCode != http.StatusOK || out.Error != "" {
		if out.Error == "" {
			out.Error = fmt.Sprintf("status %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("ollama error: %s", out.Error)
	}
	return &out, nil
}

func decodeRecipe(data []byte) (*Recipe, error) {
	recipe := &Recipe{}
	if err := json.Unmarshal(data, recipe); err != nil {
		return nil, err
	}
	if err := recipe.Validate(); err != nil {
		return nil, err
	}
	return recipe, nil
}

var fencedJSON = regexp.MustCompile("(?is)```json\\s*(\\{.*?\\})\\s*```")

// extractJSON pulls the first decodable JSON object out of free-form
// model output: a fenced block if present, otherwise the outermost
// balanced brace span.
func extractJSON(text string) []byte {
	if text == "" {
		return nil
	}
	if m := fencedJSON.FindStringSubmatch(text); m != nil {
		if json.Valid([]byte(m[1])) {
			return []byte(m[1])
		}
	}
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return nil
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		switch {
		case escaped:
			escaped = false
		case inString && c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		case !inString && c == '{':
			depth++
		case !inString && c == '}':
			depth--
			if depth == 0 {
				candidate := []byte(text[start : i+1])
				if json.Valid(candidate) {
					return candidate
				}
				return nil
			}
		}
	}
	return nil
}
