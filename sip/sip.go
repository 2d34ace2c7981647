package sip

import (
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/voxlane/sipcore/internal/util"
)

// RequestMethod is a SIP request method.
//
//nolint:recvcheck
type RequestMethod string

// Supported SIP request methods.
const (
	RequestMethodInvite    RequestMethod = "INVITE"
	RequestMethodAck       RequestMethod = "ACK"
	RequestMethodBye       RequestMethod = "BYE"
	RequestMethodCancel    RequestMethod = "CANCEL"
	RequestMethodOptions   RequestMethod = "OPTIONS"
	RequestMethodRegister  RequestMethod = "REGISTER"
	RequestMethodSubscribe RequestMethod = "SUBSCRIBE"
	RequestMethodNotify    RequestMethod = "NOTIFY"
	RequestMethodRefer     RequestMethod = "REFER"
	RequestMethodInfo      RequestMethod = "INFO"
	RequestMethodPrack     RequestMethod = "PRACK"
	RequestMethodMessage   RequestMethod = "MESSAGE"
	RequestMethodPublish   RequestMethod = "PUBLISH"
	RequestMethodUpdate    RequestMethod = "UPDATE"
)

func (m RequestMethod) String() string { return string(m) }

// Equal compares methods case-insensitively.
func (m RequestMethod) Equal(other RequestMethod) bool { return util.EqFold(m, other) }

func (m RequestMethod) IsValid() bool { return m != "" }

// ResponseStatus is a SIP response status code.
type ResponseStatus int

// Frequently used SIP response status codes.
const (
	ResponseStatusTrying                 ResponseStatus = 100
	ResponseStatusRinging                ResponseStatus = 180
	ResponseStatusCallIsBeingForwarded   ResponseStatus = 181
	ResponseStatusSessionProgress        ResponseStatus = 183
	ResponseStatusOK                     ResponseStatus = 200
	ResponseStatusAccepted               ResponseStatus = 202
	ResponseStatusMovedPermanently       ResponseStatus = 301
	ResponseStatusMovedTemporarily       ResponseStatus = 302
	ResponseStatusBadRequest             ResponseStatus = 400
	ResponseStatusUnauthorized           ResponseStatus = 401
	ResponseStatusForbidden              ResponseStatus = 403
	ResponseStatusNotFound               ResponseStatus = 404
	ResponseStatusMethodNotAllowed       ResponseStatus = 405
	ResponseStatusProxyAuthRequired      ResponseStatus = 407
	ResponseStatusRequestTimeout         ResponseStatus = 408
	ResponseStatusUnsupportedMediaType   ResponseStatus = 415
	ResponseStatusCallDoesNotExist       ResponseStatus = 481
	ResponseStatusLoopDetected           ResponseStatus = 482
	ResponseStatusBusyHere               ResponseStatus = 486
	ResponseStatusRequestTerminated      ResponseStatus = 487
	ResponseStatusNotAcceptableHere      ResponseStatus = 488
	ResponseStatusBadEvent               ResponseStatus = 489
	ResponseStatusRequestPending         ResponseStatus = 491
	ResponseStatusInternalServerError    ResponseStatus = 500
	ResponseStatusNotImplemented         ResponseStatus = 501
	ResponseStatusServiceUnavailable     ResponseStatus = 503
	ResponseStatusDeclined               ResponseStatus = 603
	ResponseStatusDoesNotExistAnywhere   ResponseStatus = 604
	ResponseStatusSessionNotAcceptable66 ResponseStatus = 606
)

func (s ResponseStatus) String() string { return strconv.Itoa(int(s)) }

// IsProvisional reports whether the status is in the 1xx range.
func (s ResponseStatus) IsProvisional() bool { return s >= 100 && s < 200 }

// IsSuccessful reports whether the status is in the 2xx range.
func (s ResponseStatus) IsSuccessful() bool { return s >= 200 && s < 300 }

// IsRedirection reports whether the status is in the 3xx range.
func (s ResponseStatus) IsRedirection() bool { return s >= 300 && s < 400 }

// IsFinal reports whether the status is a final status (2xx-6xx).
func (s ResponseStatus) IsFinal() bool { return s >= 200 && s < 700 }

func (s ResponseStatus) IsValid() bool { return s >= 100 && s < 700 }

// ReasonPhrase returns the default reason phrase for the status code.
func (s ResponseStatus) ReasonPhrase() string {
	switch s {
	case ResponseStatusTrying:
		return "Trying"
	case ResponseStatusRinging:
		return "Ringing"
	case ResponseStatusCallIsBeingForwarded:
		return "Call Is Being Forwarded"
	case ResponseStatusSessionProgress:
		return "Session Progress"
	case ResponseStatusOK:
		return "OK"
	case ResponseStatusAccepted:
		return "Accepted"
	case ResponseStatusMovedPermanently:
		return "Moved Permanently"
	case ResponseStatusMovedTemporarily:
		return "Moved Temporarily"
	case ResponseStatusBadRequest:
		return "Bad Request"
	case ResponseStatusUnauthorized:
		return "Unauthorized"
	case ResponseStatusForbidden:
		return "Forbidden"
	case ResponseStatusNotFound:
		return "Not Found"
	case ResponseStatusMethodNotAllowed:
		return "Method Not Allowed"
	case ResponseStatusProxyAuthRequired:
		return "Proxy Authentication Required"
	case ResponseStatusRequestTimeout:
		return "Request Timeout"
	case ResponseStatusUnsupportedMediaType:
		return "Unsupported Media Type"
	case ResponseStatusCallDoesNotExist:
		return "Call/Transaction Does Not Exist"
	case ResponseStatusLoopDetected:
		return "Loop Detected"
	case ResponseStatusBusyHere:
		return "Busy Here"
	case ResponseStatusRequestTerminated:
		return "Request Terminated"
	case ResponseStatusNotAcceptableHere:
		return "Not Acceptable Here"
	case ResponseStatusBadEvent:
		return "Bad Event"
	case ResponseStatusRequestPending:
		return "Request Pending"
	case ResponseStatusInternalServerError:
		return "Internal Server Error"
	case ResponseStatusNotImplemented:
		return "Not Implemented"
	case ResponseStatusServiceUnavailable:
		return "Service Unavailable"
	case ResponseStatusDeclined:
		return "Declined"
	case ResponseStatusDoesNotExistAnywhere:
		return "Does Not Exist Anywhere"
	default:
		switch {
		case s.IsProvisional():
			return "Provisional"
		case s.IsSuccessful():
			return "Success"
		case s.IsRedirection():
			return "Redirection"
		case s >= 400 && s < 500:
			return "Client Error"
		case s >= 500 && s < 600:
			return "Server Error"
		default:
			return "Global Failure"
		}
	}
}

// MagicCookie is the mandatory prefix of RFC 3261 Via branch parameters.
const MagicCookie = "z9hG4bK"

// IsRFC3261Branch reports whether the branch carries the RFC 3261 magic cookie.
func IsRFC3261Branch(branch string) bool {
	return strings.HasPrefix(branch, MagicCookie)
}

// GenerateBranch returns a new unique RFC 3261 branch parameter value.
func GenerateBranch() string {
	return MagicCookie + "." + uuid.NewString()
}

// GenerateTag returns a new From/To tag value.
func GenerateTag() string {
	return util.RandStringLC(16)
}

// GenerateCallID returns a new globally unique Call-ID value.
func GenerateCallID() string {
	return uuid.NewString()
}
