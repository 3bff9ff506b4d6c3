package utils

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/FaceFrame-Labs/faceframe-server/models"
)

const geminiEndpoint = "https://generativelanguage.googleapis.com/v1beta/models/gemini-2.0-flash:generateContent"

// faceAnalysisPrompt is the fixed instruction sent with every captured
// still. The response schema below forces the three structured fields.
const faceAnalysisPrompt = `Look at this photo of a person taken with their own camera. Describe the person and their immediate surroundings in one or two sentences, name their facial expression in a few words, and classify the overall sentiment of that expression as one of: Happy, Sad, Neutral, Surprised, Angry.`

type GeminiClient struct {
	APIKey   string
	Endpoint string
	Client   *http.Client
}

type geminiBlob struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type geminiPart struct {
	Text       string      `json:"text,omitempty"`
	InlineData *geminiBlob `json:"inline_data,omitempty"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiSchema struct {
	Type       string                   `json:"type"`
	Properties map[string]*geminiSchema `json:"properties,omitempty"`
	Required   []string                 `json:"required,omitempty"`
}

type geminiGenerationConfig struct {
	ResponseMIMEType string        `json:"response_mime_type"`
	ResponseSchema   *geminiSchema `json:"response_schema"`
}

type geminiRequest struct {
	Contents         []geminiContent         `json:"contents"`
	GenerationConfig *geminiGenerationConfig `json:"generationConfig"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

func NewGeminiClient() *GeminiClient {
	apiKey := os.Getenv("GEMINI_API_KEY")
	if apiKey == "" {
		zap.L().Fatal("GEMINI_API_KEY environment variable not set")
	}

	return &GeminiClient{
		APIKey:   apiKey,
		Endpoint: geminiEndpoint,
		Client:   &http.Client{Timeout: 30 * time.Second},
	}
}

// AnalyzeFace sends one captured still to the hosted vision model and
// returns the structured result. Exactly one request is issued per
// image; retries are the caller's decision.
func (c *GeminiClient) AnalyzeFace(ctx context.Context, img models.CapturedImage) (*models.AnalysisResult, error) {
	// Stills travel through the system as browser-style data URIs; the
	// API wants the bare base64 payload, so the header is stripped here.
	payload := strings.TrimPrefix(img.DataURI(), models.JPEGDataURIPrefix)

	requestBody := geminiRequest{
		Contents: []geminiContent{{
			Parts: []geminiPart{
				{Text: faceAnalysisPrompt},
				{InlineData: &geminiBlob{MimeType: "image/jpeg", Data: payload}},
			},
		}},
		GenerationConfig: &geminiGenerationConfig{
			ResponseMIMEType: "application/json",
			ResponseSchema:   analysisResultSchema(),
		},
	}

	return c.sendRequest(ctx, requestBody)
}

func analysisResultSchema() *geminiSchema {
	return &geminiSchema{
		Type: "OBJECT",
		Properties: map[string]*geminiSchema{
			"description": {Type: "STRING"},
			"expression":  {Type: "STRING"},
			"sentiment":   {Type: "STRING"},
		},
		Required: []string{"description", "expression", "sentiment"},
	}
}

func (c *GeminiClient) sendRequest(ctx context.Context, requestBody geminiRequest) (*models.AnalysisResult, error) {
	requestBodyBytes, err := json.Marshal(requestBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.Endpoint, bytes.NewBuffer(requestBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", c.APIKey)

	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send HTTP request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("analysis API returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var response geminiResponse
	if err := json.Unmarshal(bodyBytes, &response); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response JSON: %w", err)
	}

	if len(response.Candidates) == 0 || len(response.Candidates[0].Content.Parts) == 0 {
		return nil, fmt.Errorf("empty response from analysis API")
	}

	content := response.Candidates[0].Content.Parts[0].Text
	zap.L().Debug("Analysis response content", zap.String("content", content))

	var result models.AnalysisResult
	if err := json.Unmarshal([]byte(content), &result); err != nil {
		return nil, fmt.Errorf("failed to parse analysis response as JSON: %w", err)
	}
	if result.Description == "" || result.Expression == "" || result.Sentiment == "" {
		return nil, fmt.Errorf("analysis response missing required fields: %s", content)
	}

	return &result, nil
}
