package lambdaworker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/lambda"
	"github.com/aws/aws-sdk-go/service/lambda/lambdaiface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wataru05160621/youtube-auto-video-generator/internal/services"
	"github.com/wataru05160621/youtube-auto-video-generator/internal/stage"
	"github.com/wataru05160621/youtube-auto-video-generator/internal/workitem"
)

type fakeLambda struct {
	lambdaiface.LambdaAPI
	lastInput *lambda.InvokeInput
	out       *lambda.InvokeOutput
	err       error
	fn        *lambda.GetFunctionOutput
}

func (f *fakeLambda) InvokeWithContext(_ aws.Context, in *lambda.InvokeInput, _ ...request.Option) (*lambda.InvokeOutput, error) {
	f.lastInput = in
	return f.out, f.err
}

func (f *fakeLambda) GetFunctionWithContext(aws.Context, *lambda.GetFunctionInput, ...request.Option) (*lambda.GetFunctionOutput, error) {
	if f.fn == nil {
		return nil, awserr.New(lambda.ErrCodeResourceNotFoundException, "function not found", nil)
	}
	return f.fn, nil
}

func input() stage.Input {
	return stage.Input{
		Items:      []workitem.Item{{RowIndex: 2, Title: "Video", Theme: "science"}},
		RunContext: stage.RunContext{RunID: "run-1", SpreadsheetID: "sheet", Stage: "GenerateScript", Attempt: 1},
	}
}

func TestInvokeSendsBatchPayload(t *testing.T) {
	client := &fakeLambda{out: &lambda.InvokeOutput{StatusCode: aws.Int64(200), Payload: []byte(`{"statusCode":200,"items":[{"rowIndex":2,"script":"hello"}]}`)}}
	w := New(client, "GenerateScript", "videogen-generatescript-dev", nil)

	out, err := w.Invoke(context.Background(), input())
	require.NoError(t, err)
	assert.Equal(t, 200, out.StatusCode)
	require.Len(t, out.Items, 1)
	assert.Equal(t, "hello", out.Items[0].Script)

	assert.Equal(t, "videogen-generatescript-dev", aws.StringValue(client.lastInput.FunctionName))
	var sent map[string]any
	require.NoError(t, json.Unmarshal(client.lastInput.Payload, &sent))
	assert.Contains(t, sent, "items")
	assert.Equal(t, "run-1", sent["runContext"].(map[string]any)["runId"])
}

func TestDecodeUnwrapsEnvelope(t *testing.T) {
	out, err := decode([]byte(`{"statusCode":500,"body":"{\"error\":\"model overloaded\"}"}`))
	require.NoError(t, err)
	assert.Equal(t, 500, out.StatusCode)
	assert.Equal(t, "model overloaded", out.Error)

	out, err = decode([]byte(`{"statusCode":200,"body":{"items":[{"rowIndex":3}]}}`))
	require.NoError(t, err)
	assert.Equal(t, 3, out.Items[0].RowIndex)

	out, err = decode([]byte(`{"items":[]}`))
	require.NoError(t, err)
	assert.Equal(t, 200, out.StatusCode)
}

func TestDecodeRejectsSchemaViolations(t *testing.T) {
	_, err := decode([]byte(`{"statusCode":"ok"}`))
	assert.Error(t, err)
	_, err = decode([]byte(`{"items":[{"title":"no row"}]}`))
	assert.Error(t, err)
	_, err = decode([]byte(`not json`))
	assert.Error(t, err)
}

func TestInvokeClassifiesErrors(t *testing.T) {
	tests := []struct {
		name      string
		client    *fakeLambda
		transient bool
	}{
		{"throttled", &fakeLambda{err: awserr.New(lambda.ErrCodeTooManyRequestsException, "rate exceeded", nil)}, true},
		{"missing function", &fakeLambda{err: awserr.New(lambda.ErrCodeResourceNotFoundException, "nope", nil)}, false},
		{"server error", &fakeLambda{err: awserr.NewRequestFailure(awserr.New("InternalFailure", "boom", nil), 503, "req")}, true},
		{"bad request", &fakeLambda{err: awserr.NewRequestFailure(awserr.New("InvalidRequestContentException", "bad", nil), 400, "req")}, false},
		{"network", &fakeLambda{err: errors.New("dial tcp: connection refused")}, true},
		{"function timeout", &fakeLambda{out: &lambda.InvokeOutput{FunctionError: aws.String("Unhandled"), Payload: []byte(`{"errorMessage":"2026-01-01 Task timed out after 900.00 seconds"}`)}}, true},
		{"function bug", &fakeLambda{out: &lambda.InvokeOutput{FunctionError: aws.String("Unhandled"), Payload: []byte(`{"errorType":"TypeError","errorMessage":"x is undefined"}`)}}, false},
		{"invalid payload", &fakeLambda{out: &lambda.InvokeOutput{Payload: []byte(`[]`)}}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := New(tc.client, "ComposeVideo", "videogen-composevideo-dev", nil)
			_, err := w.Invoke(context.Background(), input())
			require.Error(t, err)
			if tc.transient {
				assert.True(t, errors.Is(err, services.ErrTransient), err.Error())
			} else {
				assert.True(t, errors.Is(err, services.ErrPermanent), err.Error())
			}
		})
	}
}

func TestHealthCheck(t *testing.T) {
	w := New(&fakeLambda{}, "GenerateImage", "videogen-generateimage-dev", nil)
	health := w.HealthCheck(context.Background())
	assert.False(t, health.Ready)
	assert.Equal(t, "GenerateImage", health.Stage)
	assert.Equal(t, "videogen-generateimage-dev", health.Target)
	assert.Contains(t, health.String(), "videogen-generateimage-dev: ")

	w = New(&fakeLambda{fn: &lambda.GetFunctionOutput{Configuration: &lambda.FunctionConfiguration{State: aws.String(lambda.StateActive)}}}, "GenerateImage", "fn", nil)
	health = w.HealthCheck(context.Background())
	assert.True(t, health.Ready)
	assert.Equal(t, "fn", health.Target)

	w = New(&fakeLambda{fn: &lambda.GetFunctionOutput{Configuration: &lambda.FunctionConfiguration{State: aws.String(lambda.StatePending), StateReason: aws.String("creating")}}}, "GenerateImage", "fn", nil)
	health = w.HealthCheck(context.Background())
	assert.False(t, health.Ready)
	assert.Equal(t, "state Pending: creating", health.Detail)
}
