// Package lambdainvoke starts a processor run by invoking the processor
// Lambda function asynchronously.
package lambdainvoke

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awslambda "github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/lambda/types"
	"github.com/aws/smithy-go"
)

// ErrThrottled marks invocations Lambda rejected for concurrency or rate.
var ErrThrottled = errors.New("lambdainvoke: throttled")

// lambdaAPI is the minimal Lambda API required by Dispatcher.
// *lambda.Client from aws-sdk-go-v2 satisfies this interface.
type lambdaAPI interface {
	Invoke(ctx context.Context, in *awslambda.InvokeInput, optFns ...func(*awslambda.Options)) (*awslambda.InvokeOutput, error)
}

// Payload is the event the processor function receives.
type Payload struct {
	UserID string `json:"userId"`
}

// Dispatcher queues one asynchronous processor invocation per call.
type Dispatcher struct {
	api          lambdaAPI
	functionName string
}

func New(api lambdaAPI, functionName string) (*Dispatcher, error) {
	if api == nil {
		return nil, errors.New("lambdainvoke: api must not be nil")
	}
	functionName = strings.TrimSpace(functionName)
	if functionName == "" {
		return nil, errors.New("lambdainvoke: function name must not be empty")
	}
	return &Dispatcher{api: api, functionName: functionName}, nil
}

// Dispatch returns once Lambda has accepted the event; it does not wait for
// the processor to run.
func (d *Dispatcher) Dispatch(ctx context.Context, userID string) error {
	if strings.TrimSpace(userID) == "" {
		return errors.New("lambdainvoke: user id must not be empty")
	}
	body, err := json.Marshal(Payload{UserID: userID})
	if err != nil {
		return fmt.Errorf("lambdainvoke: marshal payload: %w", err)
	}

	out, err := d.api.Invoke(ctx, &awslambda.InvokeInput{
		FunctionName:   aws.String(d.functionName),
		InvocationType: types.InvocationTypeEvent,
		Payload:        body,
	})
	if err != nil {
		if isThrottle(err) {
			return fmt.Errorf("%w: %w", ErrThrottled, err)
		}
		return fmt.Errorf("lambdainvoke: invoke %s: %w", d.functionName, err)
	}
	// Async invokes answer 202 Accepted.
	if out != nil && out.StatusCode != 0 && out.StatusCode != 202 {
		return fmt.Errorf("lambdainvoke: invoke %s: unexpected status %d", d.functionName, out.StatusCode)
	}
	return nil
}

func isThrottle(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "TooManyRequestsException", "EC2ThrottledException", "ThrottlingException":
		return true
	}
	return false
}
