package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		title    string
		severity ErrorSeverity
	}{
		{"deadline", context.DeadlineExceeded, "Request Timeout", SeverityError},
		{"cancelled", context.Canceled, "Request Cancelled", SeverityInfo},
		{"wrapped endpoint", fmt.Errorf("dial: %w", ErrInvalidEndpoint), "Invalid Endpoint", SeverityError},
		{"tls", fmt.Errorf("%w: no PEM data", ErrInvalidTLS), "Invalid TLS Configuration", SeverityError},
		{"method", ErrMethodNotFound, "Method Not Found", SeverityError},
		{"reflection", ErrReflectionUnavailable, "Reflection Not Available", SeverityWarning},
		{"validation", ValidationError{Field: "id", Message: "required"}, "Validation Error", SeverityError},
		{"unknown", errors.New("boom"), "Unexpected Error", SeverityError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ui := ClassifyError(tt.err)
			require.NotNil(t, ui)
			assert.Equal(t, tt.title, ui.Title)
			assert.Equal(t, tt.severity, ui.Severity)
			assert.ErrorIs(t, ui, tt.err)
		})
	}
}

func TestClassifyError_Nil(t *testing.T) {
	assert.Nil(t, ClassifyError(nil))
	assert.Nil(t, ClassifyGRPCError(nil))
	assert.Equal(t, "", Describe(nil))
}

func TestClassifyError_AlreadyClassified(t *testing.T) {
	orig := &UIError{Title: "Custom", Severity: SeverityWarning}
	got := ClassifyError(fmt.Errorf("wrapped: %w", orig))
	assert.Same(t, orig, got)
}

func TestClassifyGRPCError(t *testing.T) {
	tests := []struct {
		code     codes.Code
		title    string
		severity ErrorSeverity
	}{
		{codes.Unavailable, "Cannot Connect to Server", SeverityError},
		{codes.Unimplemented, "Method Not Available", SeverityWarning},
		{codes.DataLoss, "Data Loss", SeverityFatal},
		{codes.Canceled, "Request Cancelled", SeverityInfo},
		{codes.Code(99), "Request Failed", SeverityError},
	}

	for _, tt := range tests {
		t.Run(tt.code.String(), func(t *testing.T) {
			ui := ClassifyGRPCError(status.Error(tt.code, "details here"))
			assert.Equal(t, tt.title, ui.Title)
			assert.Equal(t, tt.severity, ui.Severity)
			assert.Contains(t, ui.Details, "details here")
		})
	}
}

func TestClassifyGRPCError_FallsBackForPlainErrors(t *testing.T) {
	ui := ClassifyGRPCError(context.DeadlineExceeded)
	assert.Equal(t, "Request Timeout", ui.Title)
}

func TestClassifyGRPCError_InvalidArgumentUsesStatusMessage(t *testing.T) {
	ui := ClassifyGRPCError(status.Error(codes.InvalidArgument, "name must not be empty"))
	assert.Equal(t, "name must not be empty", ui.Message)
	assert.Equal(t, "name must not be empty", ui.Details)
}

func TestClassifyGRPCError_RichDetails(t *testing.T) {
	st, err := status.New(codes.ResourceExhausted, "slow down").WithDetails(
		&errdetails.RetryInfo{RetryDelay: durationpb.New(2 * time.Second)},
		&errdetails.BadRequest{FieldViolations: []*errdetails.BadRequest_FieldViolation{
			{Field: "page_size", Description: "too large"},
		}},
	)
	require.NoError(t, err)

	ui := ClassifyGRPCError(st.Err())
	assert.Contains(t, ui.Details, "Retry after: 2s")
	assert.Contains(t, ui.Details, "page_size: too large")
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "Server Error: db down", Describe(status.Error(codes.Internal, "db down")))
	assert.Equal(t, "Request Cancelled", Describe(status.Error(codes.Canceled, "")))
	assert.Equal(t, "Unexpected Error: boom", Describe(errors.New("boom")))
}
