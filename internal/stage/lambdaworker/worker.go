// Package lambdaworker invokes stage workers deployed as AWS Lambda
// functions named <prefix>-<stage>-<deployment stage>.
package lambdaworker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/lambda"
	"github.com/aws/aws-sdk-go/service/lambda/lambdaiface"
	"github.com/xeipuuv/gojsonschema"

	"github.com/wataru05160621/youtube-auto-video-generator/internal/config"
	"github.com/wataru05160621/youtube-auto-video-generator/internal/logging"
	"github.com/wataru05160621/youtube-auto-video-generator/internal/stage"
)

var compiledSchema = func() *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(outputSchema))
	if err != nil {
		panic(fmt.Sprintf("lambdaworker: invalid output schema: %v", err))
	}
	return schema
}()

// Worker is a stage.Worker backed by one Lambda function.
type Worker struct {
	client   lambdaiface.LambdaAPI
	stage    string
	function string
	logger   *slog.Logger
}

// New builds a worker for function.
func New(client lambdaiface.LambdaAPI, stageName, function string, logger *slog.Logger) *Worker {
	return &Worker{
		client:   client,
		stage:    stageName,
		function: function,
		logger:   logging.NewComponentLogger(logger, "lambda").With(logging.String(logging.FieldStage, stageName)),
	}
}

// Factory returns a stage.WorkerFactory resolving each stage to its function.
func Factory(cfg *config.Config, sess *session.Session, logger *slog.Logger) stage.WorkerFactory {
	client := lambda.New(sess)
	return func(name string) (stage.Worker, error) {
		return New(client, name, cfg.FunctionName(name), logger), nil
	}
}

// FunctionName returns the invoked function.
func (w *Worker) FunctionName() string { return w.function }

// Invoke sends in synchronously and decodes the reply.
func (w *Worker) Invoke(ctx context.Context, in stage.Input) (stage.Output, error) {
	payload, err := json.Marshal(in)
	if err != nil {
		return stage.Output{}, &stage.PermanentError{Message: "encode request", Err: err}
	}
	resp, err := w.client.InvokeWithContext(ctx, &lambda.InvokeInput{
		FunctionName:   aws.String(w.function),
		InvocationType: aws.String(lambda.InvocationTypeRequestResponse),
		Payload:        payload,
	})
	if err != nil {
		return stage.Output{}, classify(ctx, w.function, err)
	}
	if fnErr := aws.StringValue(resp.FunctionError); fnErr != "" {
		return stage.Output{}, functionError(w.function, fnErr, resp.Payload)
	}
	out, err := decode(resp.Payload)
	if err != nil {
		w.logger.Warn("stage function returned an invalid payload",
			logging.String(logging.FieldEventType, "invalid_worker_payload"),
			logging.String("function", w.function),
			logging.Error(err),
		)
		return stage.Output{}, &stage.PermanentError{Message: w.function + ": invalid response", Err: err}
	}
	return out, nil
}

// HealthCheck reports whether the function exists and is active.
func (w *Worker) HealthCheck(ctx context.Context) stage.Health {
	started := time.Now()
	out, err := w.client.GetFunctionWithContext(ctx, &lambda.GetFunctionInput{FunctionName: aws.String(w.function)})
	elapsed := time.Since(started)
	if err != nil {
		return stage.Unreachable(w.stage, w.function, elapsed, "%v", err)
	}
	if out.Configuration == nil {
		return stage.Unreachable(w.stage, w.function, elapsed, "no configuration returned")
	}
	state := aws.StringValue(out.Configuration.State)
	if state != "" && state != lambda.StateActive {
		if reason := aws.StringValue(out.Configuration.StateReason); reason != "" {
			return stage.Unreachable(w.stage, w.function, elapsed, "state %s: %s", state, reason)
		}
		return stage.Unreachable(w.stage, w.function, elapsed, "state %s", state)
	}
	return stage.Reachable(w.stage, w.function, elapsed)
}

// decode removes an API-Gateway style {statusCode, body} envelope when
// present, validates the result and unmarshals it.
func decode(payload []byte) (stage.Output, error) {
	var envelope struct {
		StatusCode *int             `json:"statusCode"`
		Body       *json.RawMessage `json:"body"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return stage.Output{}, fmt.Errorf("decode response: %w", err)
	}
	body := payload
	if envelope.Body != nil {
		var inner string
		if err := json.Unmarshal(*envelope.Body, &inner); err == nil {
			body = []byte(inner)
		} else {
			body = *envelope.Body
		}
	}

	result, err := compiledSchema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return stage.Output{}, fmt.Errorf("validate response: %w", err)
	}
	if !result.Valid() {
		var problems []string
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}
		return stage.Output{}, fmt.Errorf("response does not match schema: %s", strings.Join(problems, "; "))
	}

	var out stage.Output
	if err := json.Unmarshal(body, &out); err != nil {
		return stage.Output{}, fmt.Errorf("decode response body: %w", err)
	}
	if out.StatusCode == 0 && envelope.StatusCode != nil {
		out.StatusCode = *envelope.StatusCode
	}
	if out.StatusCode == 0 {
		out.StatusCode = http.StatusOK
	}
	return out, nil
}

func functionError(function, kind string, payload []byte) error {
	var body struct {
		ErrorMessage string `json:"errorMessage"`
		ErrorType    string `json:"errorType"`
	}
	_ = json.Unmarshal(payload, &body)
	msg := fmt.Sprintf("%s: %s error", function, kind)
	if body.ErrorType != "" {
		msg += " " + body.ErrorType
	}
	if body.ErrorMessage != "" {
		msg += ": " + body.ErrorMessage
	}
	if strings.Contains(body.ErrorMessage, "Task timed out") || strings.HasPrefix(body.ErrorType, "Runtime.") {
		return &stage.TransientError{Message: msg}
	}
	return &stage.PermanentError{Message: msg}
}

var transientCodes = map[string]bool{
	lambda.ErrCodeTooManyRequestsException:             true,
	lambda.ErrCodeServiceException:                     true,
	lambda.ErrCodeResourceNotReadyException:            true,
	lambda.ErrCodeResourceConflictException:            true,
	lambda.ErrCodeEC2ThrottledException:                true,
	lambda.ErrCodeEC2UnexpectedException:               true,
	lambda.ErrCodeENILimitReachedException:             true,
	lambda.ErrCodeSubnetIPAddressLimitReachedException: true,
	request.ErrCodeRequestError:                        true,
	request.ErrCodeResponseTimeout:                     true,
	"ThrottlingException":                              true,
}

func classify(ctx context.Context, function string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return &stage.TransientError{Message: function + ": invocation interrupted", Err: ctxErr}
	}
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		if transientCodes[aerr.Code()] {
			return &stage.TransientError{Message: function, Err: err}
		}
		var reqErr awserr.RequestFailure
		if errors.As(err, &reqErr) && stage.RetryableStatus(reqErr.StatusCode()) {
			return &stage.TransientError{Message: function, Err: err}
		}
		return &stage.PermanentError{Message: function, Err: err}
	}
	return &stage.TransientError{Message: function, Err: err}
}
