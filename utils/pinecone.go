package utils

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/pinecone-io/go-pinecone/pinecone"
	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/FaceFrame-Labs/faceframe-server/models"
)

const embeddingModel = "text-embedding-ada-002"

// AnalysisMemory keeps an embedding of every successful analysis in a
// per-session Pinecone namespace so past moments can be recalled by
// free-text query. It is optional: sessions run fine without it.
type AnalysisMemory struct {
	SessionID string
	Index     *pinecone.IndexConnection
}

// NewAnalysisMemory returns nil when Pinecone is not configured;
// callers must treat a nil memory as "feature disabled".
func NewAnalysisMemory(sessionID string) *AnalysisMemory {
	index, err := GetPineconeIndex(&sessionID)
	if err != nil {
		zap.L().Warn("Failed to initialize Pinecone connection", zap.Error(err))
		return nil
	}
	if index == nil {
		return nil
	}
	return &AnalysisMemory{SessionID: sessionID, Index: index}
}

// StoreResult embeds and upserts one analysis result. Failures are
// logged and swallowed; memory never affects the capture workflow.
func (m *AnalysisMemory) StoreResult(result models.AnalysisResult, capturedAt time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	text := fmt.Sprintf("%s (expression: %s, sentiment: %s)",
		result.Description, result.Expression, result.Sentiment)

	embedding, err := VectorizePrompt(embeddingModel, ctx, text)
	if err != nil {
		zap.L().Error("Failed to create embedding for analysis result", zap.Error(err))
		return
	}

	metadata, err := structpb.NewStruct(map[string]interface{}{
		"text":        text,
		"description": result.Description,
		"expression":  result.Expression,
		"sentiment":   result.Sentiment,
		"session_id":  m.SessionID,
		"timestamp":   capturedAt.Unix(),
		"type":        "face_analysis",
	})
	if err != nil {
		zap.L().Error("Failed to build metadata for analysis result", zap.Error(err))
		return
	}

	vector := &pinecone.Vector{
		Id:       fmt.Sprintf("%s-%d", m.SessionID, capturedAt.UnixNano()),
		Values:   embedding,
		Metadata: metadata,
	}

	if _, err := m.Index.UpsertVectors(ctx, []*pinecone.Vector{vector}); err != nil {
		zap.L().Error("Failed to upsert analysis result to Pinecone", zap.Error(err))
		return
	}
	zap.L().Debug("Analysis result stored in memory", zap.String("session_id", m.SessionID))
}

// Recall returns the stored analysis texts most similar to the query.
func (m *AnalysisMemory) Recall(ctx context.Context, query string, topK int) ([]string, error) {
	embedding, err := VectorizePrompt(embeddingModel, ctx, query)
	if err != nil {
		return nil, fmt.Errorf("error vectorizing recall query: %w", err)
	}
	return QueryPinecone(ctx, embedding, m.Index, topK)
}

func GetPineconeIndex(sessionID *string) (*pinecone.IndexConnection, error) {
	ctx := context.Background()
	if sessionID == nil {
		return nil, nil
	}

	indexName := os.Getenv("PINECONE_INDEX")
	if indexName == "" {
		// Memory is opt-in; an unset index just disables it.
		return nil, nil
	}

	pineconeAPIKey := os.Getenv("PINECONE_API_KEY")
	if pineconeAPIKey == "" {
		return nil, fmt.Errorf("PINECONE_API_KEY environment variable is not set")
	}

	clientParams := pinecone.NewClientParams{
		ApiKey: pineconeAPIKey,
	}

	client, err := pinecone.NewClient(clientParams)
	if err != nil {
		return nil, fmt.Errorf("failed to create Pinecone client: %w", err)
	}

	idx, err := client.DescribeIndex(ctx, indexName)
	if err != nil {
		return nil, fmt.Errorf("failed to describe index %q: %w", indexName, err)
	}

	namespace := fmt.Sprintf("faceframe-%s", *sessionID)
	idxConnection, err := client.Index(pinecone.NewIndexConnParams{Host: idx.Host, Namespace: namespace})
	if err != nil {
		return nil, fmt.Errorf("failed to create IndexConnection for host %v: %w", idx.Host, err)
	}

	return idxConnection, nil
}

func QueryPinecone(ctx context.Context, embedding []float32, index *pinecone.IndexConnection, topK int) ([]string, error) {
	queryRequest := &pinecone.QueryByVectorValuesRequest{
		Vector:          embedding,
		TopK:            uint32(topK),
		IncludeValues:   false,
		IncludeMetadata: true,
	}

	queryResponse, err := index.QueryByVectorValues(ctx, queryRequest)
	if err != nil {
		return nil, fmt.Errorf("error querying Pinecone index: %w", err)
	}

	var matches []string
	for _, match := range queryResponse.Matches {
		if match.Vector == nil || match.Vector.Metadata == nil {
			continue
		}
		value, ok := match.Vector.Metadata.Fields["text"]
		if ok {
			text := value.GetStringValue()
			if text != "" {
				matches = append(matches, text)
			}
		}
	}

	return matches, nil
}

func VectorizePrompt(model string, ctx context.Context, promptText string) ([]float32, error) {
	openAIAPIKey := os.Getenv("OPENAI_API_KEY")
	if openAIAPIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY environment variable is not set")
	}

	requestBody := map[string]interface{}{
		"input": promptText,
		"model": model,
	}
	requestBodyBytes, err := json.Marshal(requestBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", "https://api.openai.com/v1/embeddings", bytes.NewBuffer(requestBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+openAIAPIKey)

	client := &http.Client{}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send HTTP request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("OpenAI API returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var responseData struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.Unmarshal(bodyBytes, &responseData); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response JSON: %w", err)
	}

	if len(responseData.Data) == 0 {
		return nil, fmt.Errorf("no data in OpenAI API response")
	}

	return responseData.Data[0].Embedding, nil
}
