package errors

import (
	"fmt"
	"strings"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// statusClass is the presentation template for one status code.
type statusClass struct {
	severity ErrorSeverity
	title    string
	message  string // empty means use the status message
	recovery []string
	// rawDetails shows only the status message as details; the code is
	// already implied by the title.
	rawDetails bool
}

var statusClasses = map[codes.Code]statusClass{
	codes.Unavailable: {
		severity: SeverityError,
		title:    "Cannot Connect to Server",
		message:  "The server is not responding.",
		recovery: []string{"Check that the server is running", "Verify the address and port", "Check TLS settings"},
	},
	codes.DeadlineExceeded: {
		severity: SeverityError,
		title:    "Request Timeout",
		message:  "The server took too long to respond.",
		recovery: []string{"Try again", "Increase the timeout"},
	},
	codes.Unauthenticated: {
		severity: SeverityError,
		title:    "Authentication Required",
		message:  "You need to authenticate to access this service.",
		recovery: []string{"Add credentials in metadata"},
	},
	codes.PermissionDenied: {
		severity: SeverityError,
		title:    "Access Denied",
		message:  "You don't have permission to call this method.",
		recovery: []string{"Contact administrator for access"},
	},
	codes.InvalidArgument: {
		severity:   SeverityError,
		title:      "Invalid Request",
		recovery:   []string{"Check field values", "See details for specifics"},
		rawDetails: true,
	},
	codes.Internal: {
		severity: SeverityError,
		title:    "Server Error",
		recovery: []string{"Try again later", "Contact server administrator"},
	},
	codes.Unimplemented: {
		severity: SeverityWarning,
		title:    "Method Not Available",
		message:  "This method is not implemented on the server.",
		recovery: []string{"Check method name", "Verify server version"},
	},
	codes.NotFound: {
		severity: SeverityError,
		title:    "Not Found",
		recovery: []string{"Check the request parameters"},
	},
	codes.AlreadyExists: {
		severity: SeverityError,
		title:    "Already Exists",
		recovery: []string{"Use a different identifier"},
	},
	codes.ResourceExhausted: {
		severity: SeverityError,
		title:    "Resource Exhausted",
		recovery: []string{"Try again later", "Reduce request size"},
	},
	codes.FailedPrecondition: {
		severity:   SeverityError,
		title:      "Failed Precondition",
		recovery:   []string{"Check system state", "See details for more info"},
		rawDetails: true,
	},
	codes.Aborted: {
		severity: SeverityError,
		title:    "Operation Aborted",
		recovery: []string{"Try again"},
	},
	codes.OutOfRange: {
		severity:   SeverityError,
		title:      "Out of Range",
		recovery:   []string{"Check input values"},
		rawDetails: true,
	},
	codes.DataLoss: {
		severity: SeverityFatal,
		title:    "Data Loss",
		message:  "Unrecoverable data loss or corruption.",
		recovery: []string{"Contact server administrator immediately"},
	},
	codes.Canceled: {
		severity: SeverityInfo,
		title:    "Request Cancelled",
	},
	codes.Unknown: {
		severity: SeverityError,
		title:    "Unknown Error",
		recovery: []string{"Try again", "Contact server administrator if problem persists"},
	},
}

// ClassifyGRPCError converts an error carrying a gRPC status into a UIError.
// Errors without a status fall back to ClassifyError.
func ClassifyGRPCError(err error) *UIError {
	if err == nil {
		return nil
	}

	st, ok := status.FromError(err)
	if !ok || st.Code() == codes.OK {
		return ClassifyError(err)
	}

	details := fmt.Sprintf("gRPC: %s - %s", st.Code(), st.Message())
	if extra := formatStatusDetails(st); extra != "" {
		details += "\n\n" + extra
	}

	class, known := statusClasses[st.Code()]
	if !known {
		class = statusClass{
			severity: SeverityError,
			title:    "Request Failed",
			recovery: []string{"Try again"},
		}
	}

	ui := &UIError{
		Err:      err,
		Severity: class.severity,
		Title:    class.title,
		Message:  class.message,
		Recovery: class.recovery,
		Details:  details,
	}
	if class.message == "" {
		ui.Message = st.Message()
	}
	if class.rawDetails {
		ui.Details = st.Message()
	}
	return ui
}

// formatStatusDetails extracts and formats rich error details from a gRPC status.
func formatStatusDetails(st *status.Status) string {
	details := st.Details()
	if len(details) == 0 {
		return ""
	}

	var sections []string
	for _, detail := range details {
		switch d := detail.(type) {
		case *errdetails.BadRequest:
			if fvs := d.GetFieldViolations(); len(fvs) > 0 {
				lines := []string{"Field Violations:"}
				for _, fv := range fvs {
					line := fmt.Sprintf("  %s: %s", fv.GetField(), fv.GetDescription())
					if r := fv.GetReason(); r != "" {
						line += fmt.Sprintf(" (reason: %s)", r)
					}
					lines = append(lines, line)
				}
				sections = append(sections, strings.Join(lines, "\n"))
			}

		case *errdetails.DebugInfo:
			lines := []string{"Debug Info:"}
			if d.GetDetail() != "" {
				lines = append(lines, "  "+d.GetDetail())
			}
			for _, entry := range d.GetStackEntries() {
				lines = append(lines, "  "+entry)
			}
			sections = append(sections, strings.Join(lines, "\n"))

		case *errdetails.ErrorInfo:
			lines := []string{"Error Info: " + d.GetReason()}
			if d.GetDomain() != "" {
				lines = append(lines, "  Domain: "+d.GetDomain())
			}
			for k, v := range d.GetMetadata() {
				lines = append(lines, fmt.Sprintf("  %s: %s", k, v))
			}
			sections = append(sections, strings.Join(lines, "\n"))

		case *errdetails.RetryInfo:
			if delay := d.GetRetryDelay(); delay != nil {
				sections = append(sections, fmt.Sprintf("Retry after: %v", delay.AsDuration()))
			}

		case *errdetails.PreconditionFailure:
			if vs := d.GetViolations(); len(vs) > 0 {
				lines := []string{"Precondition Failures:"}
				for _, v := range vs {
					lines = append(lines, fmt.Sprintf("  [%s] %s: %s", v.GetType(), v.GetSubject(), v.GetDescription()))
				}
				sections = append(sections, strings.Join(lines, "\n"))
			}

		case *errdetails.QuotaFailure:
			if vs := d.GetViolations(); len(vs) > 0 {
				lines := []string{"Quota Failures:"}
				for _, v := range vs {
					lines = append(lines, fmt.Sprintf("  %s: %s", v.GetSubject(), v.GetDescription()))
				}
				sections = append(sections, strings.Join(lines, "\n"))
			}

		case *errdetails.RequestInfo:
			sections = append(sections, "Request ID: "+d.GetRequestId())

		case *errdetails.ResourceInfo:
			sections = append(sections, fmt.Sprintf("Resource: %s/%s (%s)", d.GetResourceType(), d.GetResourceName(), d.GetDescription()))

		case *errdetails.Help:
			if links := d.GetLinks(); len(links) > 0 {
				lines := []string{"Help:"}
				for _, link := range links {
					lines = append(lines, fmt.Sprintf("  %s: %s", link.GetDescription(), link.GetUrl()))
				}
				sections = append(sections, strings.Join(lines, "\n"))
			}

		default:
			sections = append(sections, fmt.Sprintf("Detail: %v", detail))
		}
	}

	return strings.Join(sections, "\n\n")
}
