package classifier

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/kozaktomas/face-attendance/internal/apperr"
	"github.com/kozaktomas/face-attendance/internal/imaging"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

const chatModel = openai.ChatModelGPT4_1Mini

type OpenAIClassifier struct {
	client  *openai.Client
	maxSize int
}

func NewOpenAIClassifier(apiKey string, maxSize int, opts ...option.RequestOption) *OpenAIClassifier {
	client := openai.NewClient(append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)...)
	return &OpenAIClassifier{client: &client, maxSize: maxSize}
}

func (p *OpenAIClassifier) Name() string {
	return chatModel
}

func (p *OpenAIClassifier) Classify(ctx context.Context, image []byte) (Result, error) {
	resizedData, err := imaging.ResizeImage(image, p.maxSize)
	if err != nil {
		return Result{}, err
	}
	imageURL := "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(resizedData)

	resp, err := p.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: chatModel,
		Messages: []openai.ChatCompletionMessageParamUnion{
			{
				OfSystem: &openai.ChatCompletionSystemMessageParam{
					Content: openai.ChatCompletionSystemMessageParamContentUnion{
						OfString: openai.String(deepfakePrompt),
					},
				},
			},
			{
				OfUser: &openai.ChatCompletionUserMessageParam{
					Content: openai.ChatCompletionUserMessageParamContentUnion{
						OfArrayOfContentParts: []openai.ChatCompletionContentPartUnionParam{
							openai.TextContentPart("Classify this face image."),
							openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
								URL:    imageURL,
								Detail: "high",
							}),
						},
					},
				},
			},
		},
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		},
		MaxTokens: openai.Int(200),
	})
	if err != nil {
		return Result{}, apperr.Wrap(apperr.ErrUpstream, err, fmt.Sprintf("OpenAI API error (%s)", chatModel))
	}
	if len(resp.Choices) == 0 {
		return Result{}, apperr.New(apperr.ErrUpstream, "no response from OpenAI")
	}
	return parseVerdict(resp.Choices[0].Message.Content)
}
