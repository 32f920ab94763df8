package executor

import (
	"context"
	"os"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/entrhq/taskgate/pkg/config"
	"github.com/entrhq/taskgate/pkg/logging"
	"github.com/entrhq/taskgate/pkg/types"
)

// OpenAIDiff asks an OpenAI-compatible chat completion endpoint for a diff.
type OpenAIDiff struct {
	Config config.OpenAIConfig
	logger *logging.Logger
}

// Kind implements Executor.
func (*OpenAIDiff) Kind() types.ExecutorKind { return types.ExecutorOpenAIDiff }

// Model returns the model a task will run with: the task's runner model, or
// the configured default.
func (o *OpenAIDiff) Model(task *types.ChildTask) string {
	if task != nil && task.Runner.Model != "" {
		return task.Runner.Model
	}
	return o.Config.Model
}

// Execute implements Executor.
func (o *OpenAIDiff) Execute(ctx context.Context, req Request) *Result {
	logger := o.logger
	if logger == nil {
		logger = logging.Discard()
	}

	model := o.Model(req.Task)
	if !req.Task.ModelAllowed(model) {
		return failure(types.ReasonModelNotAllowed, "model %q is not in allowedModels", model)
	}

	keyEnv := o.Config.APIKeyEnv
	if keyEnv == "" {
		keyEnv = "OPENAI_API_KEY"
	}
	apiKey := os.Getenv(keyEnv)
	if apiKey == "" {
		return failure(types.ReasonSecretExportFailed, "environment variable %s is not set", keyEnv)
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if o.Config.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(o.Config.BaseURL))
	}
	client := openai.NewClient(opts...)

	prompt := BuildPrompt(req)
	if err := writeEvidence(req.EvidenceDir, PromptFile, prompt); err != nil {
		logger.Warnf("failed to write prompt evidence: %v", err)
	}

	callCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	logger.Infof("requesting diff from model %s", model)
	resp, err := client.Chat.Completions.New(callCtx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(prompt),
		},
	})
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return failure(types.ReasonExecutorTimeout, "model request timed out after %s", req.Timeout)
		}
		return failure(types.ReasonExecutorFailed, "model request failed: %v", err)
	}
	if len(resp.Choices) == 0 {
		return failure(types.ReasonExecutorFailed, "model returned no choices")
	}

	output := resp.Choices[0].Message.Content
	if err := writeEvidence(req.EvidenceDir, OutputFile, output); err != nil {
		logger.Warnf("failed to write executor output evidence: %v", err)
	}

	return applyProposal(req, output, logger)
}
