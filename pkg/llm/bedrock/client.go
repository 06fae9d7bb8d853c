// Package bedrock implements pkg/llm.Provider against AWS Bedrock's
// Converse API via aws-sdk-go-v2, the same SDK and Converse-API shape the
// teacher framework's Bedrock provider uses.
package bedrock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/capsulecraft/orchestrator/pkg/corekit"
	"github.com/capsulecraft/orchestrator/pkg/llm"
)

const DefaultModel = "anthropic.claude-3-sonnet-20240229-v1:0"

// Client implements llm.Provider for AWS Bedrock.
type Client struct {
	runtime *bedrockruntime.Client
	logger  corekit.ComponentAwareLogger
}

func NewClient(cfg aws.Config, logger corekit.ComponentAwareLogger) *Client {
	return &Client{
		runtime: bedrockruntime.NewFromConfig(cfg),
		logger:  logger,
	}
}

func (c *Client) Name() string { return "llm:bedrock" }

func (c *Client) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	model := req.Model
	if model == "" {
		model = DefaultModel
	}

	input := &bedrockruntime.ConverseInput{
		ModelId: aws.String(model),
		Messages: []types.Message{
			{
				Role:    types.ConversationRoleUser,
				Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: req.Prompt}},
			},
		},
	}
	if req.SystemPrompt != "" {
		input.System = []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: req.SystemPrompt}}
	}

	inference := &types.InferenceConfiguration{}
	configured := false
	if req.MaxTokens > 0 {
		inference.MaxTokens = aws.Int32(int32(req.MaxTokens))
		configured = true
	}
	if req.Temperature > 0 {
		inference.Temperature = aws.Float32(req.Temperature)
		configured = true
	}
	if configured {
		input.InferenceConfig = inference
	}

	start := time.Now()
	output, err := c.runtime.Converse(ctx, input)
	if err != nil {
		return nil, classifyAWSError(err)
	}

	msg, ok := output.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return nil, corekit.NewClassifiedError("bedrock.complete", corekit.KindPermanent, "", fmt.Errorf("unexpected output shape from bedrock"))
	}

	var content string
	for _, block := range msg.Value.Content {
		if tb, ok := block.(*types.ContentBlockMemberText); ok {
			content += tb.Value
		}
	}

	resp := &llm.Response{
		Content: content,
		Model:   model,
		Latency: time.Since(start),
	}
	if output.Usage != nil {
		resp.PromptTokens = int(aws.ToInt32(output.Usage.InputTokens))
		resp.OutputTokens = int(aws.ToInt32(output.Usage.OutputTokens))
	}
	return resp, nil
}

// classifyAWSError maps Bedrock's throttling/validation/service errors
// onto this repo's FailureKind taxonomy, the AWS-SDK equivalent of
// anthropic.classifyHTTPError's status-code mapping.
func classifyAWSError(err error) error {
	var throttling *types.ThrottlingException
	if errors.As(err, &throttling) {
		return corekit.NewClassifiedError("bedrock.complete", corekit.KindThrottle, "", err)
	}
	var validation *types.ValidationException
	if errors.As(err, &validation) {
		return corekit.NewClassifiedError("bedrock.complete", corekit.KindPermanent, "", err)
	}
	var accessDenied *types.AccessDeniedException
	if errors.As(err, &accessDenied) {
		return corekit.NewClassifiedError("bedrock.complete", corekit.KindPermanent, "", err)
	}
	var responseErr *smithyhttp.ResponseError
	if errors.As(err, &responseErr) && responseErr.HTTPStatusCode() >= 500 {
		return corekit.NewClassifiedError("bedrock.complete", corekit.KindTransient, "", err)
	}
	return corekit.NewClassifiedError("bedrock.complete", corekit.KindTransient, "", err)
}
